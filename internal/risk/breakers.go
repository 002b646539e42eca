package risk

import (
	"log/slog"
	"sync"
	"time"
)

// Breaker is one process-wide circuit-breaker flag. Any component may set
// it; only an operator deactivates it.
type Breaker struct {
	Name          string
	Source        string
	Reason        string
	Active        bool
	ActivatedAt   time.Time
	DeactivatedAt time.Time
}

// BreakerSet holds the process-wide circuit breakers.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]Breaker
	logger   *slog.Logger
}

// NewBreakerSet creates an empty breaker set.
func NewBreakerSet(logger *slog.Logger) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]Breaker),
		logger:   logger.With("component", "breakers"),
	}
}

// Trip activates a breaker. Re-tripping an active breaker refreshes its
// reason and timestamp.
func (b *BreakerSet) Trip(name, source, reason string) {
	b.mu.Lock()
	b.breakers[name] = Breaker{
		Name:        name,
		Source:      source,
		Reason:      reason,
		Active:      true,
		ActivatedAt: time.Now().UTC(),
	}
	b.mu.Unlock()
	b.logger.Error("circuit breaker tripped", "breaker", name, "source", source, "reason", reason)
}

// Reset deactivates a breaker. Operator action only.
func (b *BreakerSet) Reset(name string) {
	b.mu.Lock()
	br, ok := b.breakers[name]
	if ok {
		br.Active = false
		br.DeactivatedAt = time.Now().UTC()
		b.breakers[name] = br
	}
	b.mu.Unlock()
	if ok {
		b.logger.Info("circuit breaker reset", "breaker", name)
	}
}

// Active reports whether the named breaker is tripped.
func (b *BreakerSet) Active(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.breakers[name].Active
}

// AnyActive reports whether any breaker is tripped.
func (b *BreakerSet) AnyActive() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, br := range b.breakers {
		if br.Active {
			return true
		}
	}
	return false
}

// All returns a copy of every breaker, tripped or not.
func (b *BreakerSet) All() []Breaker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Breaker, 0, len(b.breakers))
	for _, br := range b.breakers {
		out = append(out, br)
	}
	return out
}
