// Package registry loads and serves strategy definitions.
//
// Definitions come from a config document (strategies file) and may also be
// registered at runtime by operators or tests. Lookups prefer the runtime
// set, then fall back to the config-loaded set. Runtime registrations are
// persisted best-effort; a failed write never blocks registration.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"tradeforge/internal/store"
)

// namespace for deriving stable strategy IDs from names.
var strategyIDNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Timeframes holds the three candle intervals a directional strategy scans.
type Timeframes struct {
	Fast   string `mapstructure:"fast" json:"fast"`
	Medium string `mapstructure:"medium" json:"medium"`
	Slow   string `mapstructure:"slow" json:"slow"`
}

// StrategyDefinition describes one tradeable strategy: what it scans, how
// much risk it may take, and where its orders route.
type StrategyDefinition struct {
	ID                     string             `mapstructure:"id" json:"id"`
	Name                   string             `mapstructure:"name" json:"name"`
	Type                   string             `mapstructure:"type" json:"type"` // spot, futures, arbitrage, execution
	Universe               []string           `mapstructure:"universe" json:"universe"`
	Timeframes             Timeframes         `mapstructure:"timeframes" json:"timeframes"`
	MinConfidence          float64            `mapstructure:"min_confidence" json:"min_confidence"`
	MaxRiskPerTrade        float64            `mapstructure:"max_risk_per_trade" json:"max_risk_per_trade"`
	ExpectedHoldingMinutes int                `mapstructure:"expected_holding_minutes" json:"expected_holding_minutes"`
	VenueRouting           map[string]string  `mapstructure:"venue_routing" json:"venue_routing"`
	BookType               string             `mapstructure:"book_type" json:"book_type"`
	BookID                 string             `mapstructure:"book_id" json:"book_id"`
	MinEdgeBps             float64            `mapstructure:"min_edge_bps" json:"min_edge_bps"`
	Parameters             map[string]float64 `mapstructure:"parameters" json:"parameters"`
	Enabled                bool               `mapstructure:"enabled" json:"enabled"`
}

// ScannerSettings are the scan-wide knobs carried in the strategies file.
type ScannerSettings struct {
	TopK             int `mapstructure:"top_k" json:"top_k"`
	MaxOpportunities int `mapstructure:"max_opportunities" json:"max_opportunities"`
}

type strategiesDocument struct {
	Scanner    ScannerSettings      `mapstructure:"scanner"`
	Strategies []StrategyDefinition `mapstructure:"strategies"`
}

// Registry is the consolidated strategy registry. Config-loaded definitions
// are read-only; runtime registrations shadow them by ID.
type Registry struct {
	mu      sync.RWMutex
	config  map[string]StrategyDefinition // loaded from the strategies file
	runtime map[string]StrategyDefinition // registered at runtime
	scanner ScannerSettings

	tenantID string
	store    *store.Store
	logger   *slog.Logger
}

// Load reads the strategies document at path and builds the registry.
// Supported formats are whatever viper reads (yaml, json, toml).
func Load(path, tenantID string, st *store.Store, logger *slog.Logger) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read strategies file %s: %w", path, err)
	}

	var doc strategiesDocument
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("parse strategies file %s: %w", filepath.Base(path), err)
	}

	if doc.Scanner.TopK <= 0 {
		doc.Scanner.TopK = 5
	}
	if doc.Scanner.MaxOpportunities <= 0 {
		doc.Scanner.MaxOpportunities = 50
	}

	r := &Registry{
		config:   make(map[string]StrategyDefinition, len(doc.Strategies)),
		runtime:  make(map[string]StrategyDefinition),
		scanner:  doc.Scanner,
		tenantID: tenantID,
		store:    st,
		logger:   logger.With("component", "registry"),
	}

	for _, def := range doc.Strategies {
		if err := normalize(&def); err != nil {
			return nil, fmt.Errorf("strategy %q: %w", def.Name, err)
		}
		if _, dup := r.config[def.ID]; dup {
			return nil, fmt.Errorf("duplicate strategy id %s", def.ID)
		}
		r.config[def.ID] = def
	}

	r.logger.Info("strategies loaded",
		"count", len(r.config),
		"top_k", r.scanner.TopK,
		"max_opportunities", r.scanner.MaxOpportunities,
	)
	return r, nil
}

// normalize validates a definition and derives a missing ID as a stable
// hash of the name, so the same file yields the same IDs across restarts.
func normalize(def *StrategyDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("missing name")
	}
	switch def.Type {
	case "spot", "futures", "arbitrage", "execution":
	default:
		return fmt.Errorf("unknown type %q", def.Type)
	}
	if def.ID == "" {
		def.ID = uuid.NewSHA1(strategyIDNamespace, []byte(def.Name)).String()
	}
	if def.MaxRiskPerTrade <= 0 || def.MaxRiskPerTrade > 1 {
		return fmt.Errorf("max_risk_per_trade %v out of (0,1]", def.MaxRiskPerTrade)
	}
	if def.MinConfidence < 0 || def.MinConfidence > 1 {
		return fmt.Errorf("min_confidence %v out of [0,1]", def.MinConfidence)
	}
	return nil
}

// Scanner returns the scan-wide settings from the strategies file.
func (r *Registry) Scanner() ScannerSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scanner
}

// Get looks up a strategy by ID, runtime registrations first.
func (r *Registry) Get(id string) (StrategyDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.runtime[id]; ok {
		return def, true
	}
	def, ok := r.config[id]
	return def, ok
}

// GetByName looks up a strategy by name, runtime registrations first.
func (r *Registry) GetByName(name string) (StrategyDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, def := range r.runtime {
		if strings.EqualFold(def.Name, name) {
			return def, true
		}
	}
	for _, def := range r.config {
		if strings.EqualFold(def.Name, name) {
			return def, true
		}
	}
	return StrategyDefinition{}, false
}

// Enabled returns all enabled strategies. Runtime registrations shadow
// config entries with the same ID.
func (r *Registry) Enabled() []StrategyDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StrategyDefinition, 0, len(r.config)+len(r.runtime))
	for id, def := range r.config {
		if _, shadowed := r.runtime[id]; shadowed {
			continue
		}
		if def.Enabled {
			out = append(out, def)
		}
	}
	for _, def := range r.runtime {
		if def.Enabled {
			out = append(out, def)
		}
	}
	return out
}

// All returns every known strategy, enabled or not.
func (r *Registry) All() []StrategyDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StrategyDefinition, 0, len(r.config)+len(r.runtime))
	for id, def := range r.config {
		if _, shadowed := r.runtime[id]; shadowed {
			continue
		}
		out = append(out, def)
	}
	for _, def := range r.runtime {
		out = append(out, def)
	}
	return out
}

// Register adds or replaces a runtime strategy definition. Persistence is
// best-effort; registration succeeds even when the store write fails.
func (r *Registry) Register(ctx context.Context, def StrategyDefinition) (StrategyDefinition, error) {
	if err := normalize(&def); err != nil {
		return StrategyDefinition{}, err
	}

	r.mu.Lock()
	r.runtime[def.ID] = def
	r.mu.Unlock()

	r.persist(ctx, def)
	r.logger.Info("strategy registered", "strategy_id", def.ID, "name", def.Name, "type", def.Type)
	return def, nil
}

// SetEnabled toggles a strategy. Config-loaded strategies are shadowed with
// a runtime copy rather than mutated in place.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	def, ok := r.runtime[id]
	if !ok {
		def, ok = r.config[id]
	}
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown strategy %s", id)
	}
	def.Enabled = enabled
	r.runtime[id] = def
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SetStrategyEnabled(ctx, id, enabled); err != nil {
			r.logger.Warn("persist strategy toggle failed", "strategy_id", id, "error", err)
		}
	}
	return nil
}

func (r *Registry) persist(ctx context.Context, def StrategyDefinition) {
	if r.store == nil {
		return
	}
	params, err := json.Marshal(def.Parameters)
	if err != nil {
		params = []byte("{}")
	}
	row := store.StrategyRow{
		ID:           def.ID,
		TenantID:     r.tenantID,
		Name:         def.Name,
		StrategyType: def.Type,
		Parameters:   string(params),
		Enabled:      def.Enabled,
	}
	if def.BookID != "" {
		row.BookID.String = def.BookID
		row.BookID.Valid = true
	}
	if err := r.store.UpsertStrategy(ctx, row); err != nil {
		r.logger.Warn("persist strategy failed", "strategy_id", def.ID, "error", err)
	}
}
