package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"signal-pipeline/internal/strategy"
)

// MemoryStore is the in-process fallback used while the database is
// unreachable. Rows it creates get ids prefixed "local-" so they are
// recognizable once the database comes back.
type MemoryStore struct {
	mu         sync.RWMutex
	strategies map[string]strategy.Strategy
	signals    map[string]Signal
	signalKeys map[signalKey]string
	decisions  map[string][]Decision
	positions  map[string]Position
}

type signalKey struct {
	StrategyID string
	Symbol     string
	CandleTime int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strategies: make(map[string]strategy.Strategy),
		signals:    make(map[string]Signal),
		signalKeys: make(map[signalKey]string),
		decisions:  make(map[string][]Decision),
		positions:  make(map[string]Position),
	}
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// SeedStrategies loads strategies, typically mirrored from the last
// successful database read.
func (m *MemoryStore) SeedStrategies(strategies []strategy.Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range strategies {
		m.strategies[s.ID] = s
	}
}

// ListEnabledStrategies returns the enabled strategies.
func (m *MemoryStore) ListEnabledStrategies(ctx context.Context) ([]strategy.Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []strategy.Strategy
	for _, s := range m.strategies {
		if s.Enabled {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateStrategyStatus enables or disables a strategy.
func (m *MemoryStore) UpdateStrategyStatus(ctx context.Context, id string, enabled bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.strategies[id]
	if !ok {
		return ErrNotFound
	}
	s.Enabled = enabled
	s.DisabledReason = reason
	m.strategies[id] = s
	return nil
}

// UpdateStrategyErrors stores the strategy's consecutive error count.
func (m *MemoryStore) UpdateStrategyErrors(ctx context.Context, id string, consecutiveErrors int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.strategies[id]
	if !ok {
		return ErrNotFound
	}
	s.ConsecutiveErrors = consecutiveErrors
	m.strategies[id] = s
	return nil
}

// InsertSignalIfAbsent inserts the signal unless the dedupe key exists. A
// signal created here gets a local- id.
func (m *MemoryStore) InsertSignalIfAbsent(ctx context.Context, sig *Signal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := signalKey{sig.StrategyID, sig.Symbol, sig.CandleTime}
	if _, exists := m.signalKeys[key]; exists {
		return false, nil
	}

	if !strings.HasPrefix(sig.ID, "local-") {
		sig.ID = "local-" + uuid.NewString()
	}
	now := time.Now()
	sig.CreatedAt = now
	sig.UpdatedAt = now

	m.signals[sig.ID] = *sig
	m.signalKeys[key] = sig.ID
	return true, nil
}

// GetSignal fetches one signal by id.
func (m *MemoryStore) GetSignal(ctx context.Context, id string) (*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sig, ok := m.signals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &sig, nil
}

// ListSignalsByState returns all signals in any of the given states.
func (m *MemoryStore) ListSignalsByState(ctx context.Context, states ...string) ([]Signal, error) {
	wanted := make(map[string]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Signal
	for _, sig := range m.signals {
		if wanted[sig.State] {
			out = append(out, sig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AdvanceSignalState performs an optimistic state transition.
func (m *MemoryStore) AdvanceSignalState(ctx context.Context, id, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sig, ok := m.signals[id]
	if !ok || sig.State != from {
		return false, nil
	}
	sig.State = to
	sig.UpdatedAt = time.Now()
	m.signals[id] = sig
	return true, nil
}

// UpdateSignalError stores the signal's last error and error streak.
func (m *MemoryStore) UpdateSignalError(ctx context.Context, id, lastError string, consecutiveErrors int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sig, ok := m.signals[id]
	if !ok {
		return ErrNotFound
	}
	sig.LastError = lastError
	sig.ConsecutiveErrors = consecutiveErrors
	sig.UpdatedAt = time.Now()
	m.signals[id] = sig
	return nil
}

// RecordDecision stores the decision and bumps the signal's counters.
func (m *MemoryStore) RecordDecision(ctx context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.ID == "" {
		d.ID = "local-" + uuid.NewString()
	}
	d.CreatedAt = time.Now()
	m.decisions[d.SignalID] = append(m.decisions[d.SignalID], *d)

	if sig, ok := m.signals[d.SignalID]; ok {
		sig.DecisionCount++
		sig.LastDecisionTime = d.CandleTime
		sig.ConsecutiveErrors = 0
		sig.UpdatedAt = time.Now()
		m.signals[d.SignalID] = sig
	}
	return nil
}

// ListDecisions returns a signal's decisions in chronological order.
func (m *MemoryStore) ListDecisions(ctx context.Context, signalID string) ([]Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := append([]Decision(nil), m.decisions[signalID]...)
	return out, nil
}

// UpsertPosition inserts or replaces a position row.
func (m *MemoryStore) UpsertPosition(ctx context.Context, p *Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		p.ID = "local-" + uuid.NewString()
	}
	m.positions[p.ID] = *p
	return nil
}

// ListOpenPositions returns every position still open.
func (m *MemoryStore) ListOpenPositions(ctx context.Context) ([]Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Position
	for _, p := range m.positions {
		if p.State == PositionStateOpen {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// TrimSignals deletes closed and expired signals older than the cutoff.
func (m *MemoryStore) TrimSignals(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, sig := range m.signals {
		if sig.State != SignalStateClosed && sig.State != SignalStateExpired {
			continue
		}
		if sig.UpdatedAt.Before(olderThan) {
			delete(m.signals, id)
			delete(m.signalKeys, signalKey{sig.StrategyID, sig.Symbol, sig.CandleTime})
			delete(m.decisions, id)
			removed++
		}
	}
	return removed, nil
}
