package database

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-pipeline/internal/strategy"
)

const (
	breakerThreshold = 3
	breakerOpenFor   = 30 * time.Second
)

// Gateway routes persistence calls to the database and degrades to the
// in-memory store when it misbehaves. Three consecutive failures open the
// breaker for 30 seconds; while open every call is served from memory so
// the candle hot path never waits on a dead database.
type Gateway struct {
	primary  Store
	fallback *MemoryStore
	log      zerolog.Logger

	mu       sync.Mutex
	failures int
	openedAt time.Time

	onFallback func()
}

// NewGateway wraps the primary store with the in-memory fallback.
// onFallback, if non-nil, is called once per call served from memory.
func NewGateway(primary Store, fallback *MemoryStore, log zerolog.Logger, onFallback func()) *Gateway {
	return &Gateway{
		primary:    primary,
		fallback:   fallback,
		log:        log.With().Str("component", "Store").Logger(),
		onFallback: onFallback,
	}
}

// Healthy reports whether the breaker is closed and the database reachable.
func (g *Gateway) Healthy() bool {
	return !g.degraded()
}

func (g *Gateway) degraded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failures < breakerThreshold {
		return false
	}
	if time.Since(g.openedAt) >= breakerOpenFor {
		// Half-open: let the next call probe the database.
		g.failures = breakerThreshold - 1
		return false
	}
	return true
}

func (g *Gateway) recordFailure(err error) {
	g.mu.Lock()
	g.failures++
	if g.failures == breakerThreshold {
		g.openedAt = time.Now()
		g.log.Error().Err(err).Dur("open_for", breakerOpenFor).Msg("Database breaker opened")
	}
	g.mu.Unlock()
}

func (g *Gateway) recordSuccess() {
	g.mu.Lock()
	if g.failures >= breakerThreshold {
		g.log.Info().Msg("Database breaker closed")
	}
	g.failures = 0
	g.mu.Unlock()
}

func (g *Gateway) noteFallback() {
	if g.onFallback != nil {
		g.onFallback()
	}
}

// Ping probes the primary store directly.
func (g *Gateway) Ping(ctx context.Context) error {
	err := g.primary.Ping(ctx)
	if err != nil {
		g.recordFailure(err)
	} else {
		g.recordSuccess()
	}
	return err
}

// ListEnabledStrategies reads from the database when possible and mirrors
// the result into the fallback so a later outage still has strategies.
func (g *Gateway) ListEnabledStrategies(ctx context.Context) ([]strategy.Strategy, error) {
	if !g.degraded() {
		strategies, err := g.primary.ListEnabledStrategies(ctx)
		if err == nil {
			g.recordSuccess()
			g.fallback.SeedStrategies(strategies)
			return strategies, nil
		}
		g.recordFailure(err)
	}
	g.noteFallback()
	return g.fallback.ListEnabledStrategies(ctx)
}

// UpdateStrategyStatus enables or disables a strategy.
func (g *Gateway) UpdateStrategyStatus(ctx context.Context, id string, enabled bool, reason string) error {
	if !g.degraded() {
		err := g.primary.UpdateStrategyStatus(ctx, id, enabled, reason)
		if err == nil || err == ErrNotFound {
			g.recordSuccess()
			g.fallback.UpdateStrategyStatus(ctx, id, enabled, reason)
			return err
		}
		g.recordFailure(err)
	}
	g.noteFallback()
	return g.fallback.UpdateStrategyStatus(ctx, id, enabled, reason)
}

// UpdateStrategyErrors stores the strategy's consecutive error count.
func (g *Gateway) UpdateStrategyErrors(ctx context.Context, id string, consecutiveErrors int) error {
	if !g.degraded() {
		err := g.primary.UpdateStrategyErrors(ctx, id, consecutiveErrors)
		if err == nil {
			g.recordSuccess()
			g.fallback.UpdateStrategyErrors(ctx, id, consecutiveErrors)
			return nil
		}
		g.recordFailure(err)
	}
	g.noteFallback()
	return g.fallback.UpdateStrategyErrors(ctx, id, consecutiveErrors)
}

// InsertSignalIfAbsent inserts the signal through whichever store is up.
func (g *Gateway) InsertSignalIfAbsent(ctx context.Context, sig *Signal) (bool, error) {
	if !g.degraded() {
		inserted, err := g.primary.InsertSignalIfAbsent(ctx, sig)
		if err == nil {
			g.recordSuccess()
			return inserted, nil
		}
		g.recordFailure(err)
	}
	g.noteFallback()
	return g.fallback.InsertSignalIfAbsent(ctx, sig)
}

// GetSignal fetches one signal, checking the fallback for local- rows.
func (g *Gateway) GetSignal(ctx context.Context, id string) (*Signal, error) {
	if sig, err := g.fallback.GetSignal(ctx, id); err == nil {
		return sig, nil
	}
	if !g.degraded() {
		sig, err := g.primary.GetSignal(ctx, id)
		if err == nil || err == ErrNotFound {
			g.recordSuccess()
			return sig, err
		}
		g.recordFailure(err)
	}
	g.noteFallback()
	return nil, ErrNotFound
}

// ListSignalsByState merges database rows with fallback-only rows.
func (g *Gateway) ListSignalsByState(ctx context.Context, states ...string) ([]Signal, error) {
	local, _ := g.fallback.ListSignalsByState(ctx, states...)

	if !g.degraded() {
		signals, err := g.primary.ListSignalsByState(ctx, states...)
		if err == nil {
			g.recordSuccess()
			return append(signals, local...), nil
		}
		g.recordFailure(err)
	}
	g.noteFallback()
	return local, nil
}

// AdvanceSignalState performs the optimistic transition on the store that
// owns the signal.
func (g *Gateway) AdvanceSignalState(ctx context.Context, id, from, to string) (bool, error) {
	if _, err := g.fallback.GetSignal(ctx, id); err == nil {
		return g.fallback.AdvanceSignalState(ctx, id, from, to)
	}
	if !g.degraded() {
		advanced, err := g.primary.AdvanceSignalState(ctx, id, from, to)
		if err == nil {
			g.recordSuccess()
			return advanced, nil
		}
		g.recordFailure(err)
	}
	g.noteFallback()
	return false, nil
}

// UpdateSignalError stores the signal's last error and error streak.
func (g *Gateway) UpdateSignalError(ctx context.Context, id, lastError string, consecutiveErrors int) error {
	if _, err := g.fallback.GetSignal(ctx, id); err == nil {
		return g.fallback.UpdateSignalError(ctx, id, lastError, consecutiveErrors)
	}
	if !g.degraded() {
		err := g.primary.UpdateSignalError(ctx, id, lastError, consecutiveErrors)
		if err == nil {
			g.recordSuccess()
			return nil
		}
		g.recordFailure(err)
	}
	g.noteFallback()
	return nil
}

// RecordDecision stores the decision on the store that owns the signal.
func (g *Gateway) RecordDecision(ctx context.Context, d *Decision) error {
	if _, err := g.fallback.GetSignal(ctx, d.SignalID); err == nil {
		return g.fallback.RecordDecision(ctx, d)
	}
	if !g.degraded() {
		err := g.primary.RecordDecision(ctx, d)
		if err == nil {
			g.recordSuccess()
			return nil
		}
		g.recordFailure(err)
	}
	g.noteFallback()
	return g.fallback.RecordDecision(ctx, d)
}

// ListDecisions returns a signal's decisions.
func (g *Gateway) ListDecisions(ctx context.Context, signalID string) ([]Decision, error) {
	if local, _ := g.fallback.ListDecisions(ctx, signalID); len(local) > 0 {
		return local, nil
	}
	if !g.degraded() {
		decisions, err := g.primary.ListDecisions(ctx, signalID)
		if err == nil {
			g.recordSuccess()
			return decisions, nil
		}
		g.recordFailure(err)
	}
	g.noteFallback()
	return nil, nil
}

// UpsertPosition writes the position through whichever store is up.
func (g *Gateway) UpsertPosition(ctx context.Context, p *Position) error {
	if !g.degraded() {
		err := g.primary.UpsertPosition(ctx, p)
		if err == nil {
			g.recordSuccess()
			return nil
		}
		g.recordFailure(err)
	}
	g.noteFallback()
	return g.fallback.UpsertPosition(ctx, p)
}

// ListOpenPositions merges database rows with fallback-only rows.
func (g *Gateway) ListOpenPositions(ctx context.Context) ([]Position, error) {
	local, _ := g.fallback.ListOpenPositions(ctx)

	if !g.degraded() {
		positions, err := g.primary.ListOpenPositions(ctx)
		if err == nil {
			g.recordSuccess()
			return append(positions, local...), nil
		}
		g.recordFailure(err)
	}
	g.noteFallback()
	return local, nil
}

// TrimSignals trims both stores.
func (g *Gateway) TrimSignals(ctx context.Context, olderThan time.Time) (int64, error) {
	removed, _ := g.fallback.TrimSignals(ctx, olderThan)

	if !g.degraded() {
		n, err := g.primary.TrimSignals(ctx, olderThan)
		if err == nil {
			g.recordSuccess()
			return n + removed, nil
		}
		g.recordFailure(err)
		g.noteFallback()
	}
	return removed, nil
}
