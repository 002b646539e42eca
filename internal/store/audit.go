package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradeforge/pkg/types"
)

// AuditEntry is one audit_log record. BeforeState and AfterState are
// marshalled to JSON on write; nil means absent.
type AuditEntry struct {
	Action       string
	ResourceType string
	ResourceID   string
	BookID       string
	Severity     types.Severity
	BeforeState  any
	AfterState   any
}

// Audit appends an audit record. Audit failures are logged but never
// propagate: an unwritable audit row must not block the trading path.
func (s *Store) Audit(ctx context.Context, e AuditEntry) {
	if e.Severity == "" {
		e.Severity = types.SeverityInfo
	}
	before, after := marshalState(e.BeforeState), marshalState(e.AfterState)

	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, resource_type, resource_id, book_id,
			severity, before_state, after_state, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), e.Action, e.ResourceType, e.ResourceID,
		nullIfEmpty(e.BookID), string(e.Severity), before, after, time.Now().UTC())
	if err != nil {
		s.logger.Error("audit write failed", "action", e.Action, "error", err)
	}
}

// AuditActions returns the actions logged against one resource, oldest
// first. Used by tests and the CLI.
func (s *Store) AuditActions(ctx context.Context, resourceID string) ([]string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var actions []string
	err := s.db.SelectContext(ctx, &actions, `
		SELECT action FROM audit_log WHERE resource_id = ? ORDER BY ts, id`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("audit actions: %w", err)
	}
	return actions, nil
}

// CountAuditActions returns how many times an action was logged.
func (s *Store) CountAuditActions(ctx context.Context, action string) (int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM audit_log WHERE action = ?`, action)
	if err != nil {
		return 0, fmt.Errorf("count audit actions: %w", err)
	}
	return n, nil
}

func marshalState(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ————————————————————————————————————————————————————————————————————————
// Alerts
// ————————————————————————————————————————————————————————————————————————

// Alert is one operator-facing notification.
type Alert struct {
	ID        uuid.UUID
	Title     string
	Message   string
	Severity  types.Severity
	Source    string
	Metadata  map[string]string
	CreatedAt time.Time
}

// RaiseAlert persists an alert. Like audit, alert failures are logged and
// swallowed.
func (s *Store) RaiseAlert(ctx context.Context, a Alert) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	meta := "{}"
	if a.Metadata != nil {
		if data, err := json.Marshal(a.Metadata); err == nil {
			meta = string(data)
		}
	}

	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, title, message, severity, source, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.Title, a.Message, string(a.Severity), a.Source, meta, a.CreatedAt)
	if err != nil {
		s.logger.Error("alert write failed", "title", a.Title, "error", err)
	}
}

// AlertTitles returns the titles of all alerts from one source, oldest first.
func (s *Store) AlertTitles(ctx context.Context, source string) ([]string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var titles []string
	err := s.db.SelectContext(ctx, &titles, `
		SELECT title FROM alerts WHERE source = ? ORDER BY created_at, id`, source)
	if err != nil {
		return nil, fmt.Errorf("alert titles: %w", err)
	}
	return titles, nil
}

// ————————————————————————————————————————————————————————————————————————
// Kill switches
// ————————————————————————————————————————————————————————————————————————

// GlobalKillScope is the scope key for the process-wide kill switch.
// Book-scoped switches use the book UUID string.
const GlobalKillScope = "global"

// SetKillSwitch activates or clears the kill switch for a scope.
func (s *Store) SetKillSwitch(ctx context.Context, scope string, active bool, reason string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kill_switches (scope, active, reason, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			active = excluded.active,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		scope, active, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}
	return nil
}

// KillSwitchActive reports whether the global switch or the given scope's
// switch is active.
func (s *Store) KillSwitchActive(ctx context.Context, scope string) (bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM kill_switches
		WHERE scope IN (?, ?) AND active = 1`,
		GlobalKillScope, scope)
	if err != nil {
		return false, fmt.Errorf("kill switch active: %w", err)
	}
	return n > 0, nil
}
