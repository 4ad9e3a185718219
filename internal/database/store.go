package database

import (
	"context"
	"time"

	"signal-pipeline/internal/strategy"
)

// Store is the persistence surface the pipeline depends on. Both the
// PostgreSQL repository and the in-memory fallback implement it.
type Store interface {
	Ping(ctx context.Context) error

	ListEnabledStrategies(ctx context.Context) ([]strategy.Strategy, error)
	UpdateStrategyStatus(ctx context.Context, id string, enabled bool, reason string) error
	UpdateStrategyErrors(ctx context.Context, id string, consecutiveErrors int) error

	// InsertSignalIfAbsent inserts the signal unless one already exists for
	// the same (strategy_id, symbol, candle_time). Returns whether a row
	// was inserted.
	InsertSignalIfAbsent(ctx context.Context, sig *Signal) (bool, error)
	GetSignal(ctx context.Context, id string) (*Signal, error)
	ListSignalsByState(ctx context.Context, states ...string) ([]Signal, error)

	// AdvanceSignalState moves a signal from one state to another only if
	// it is still in the expected state. Returns whether the row advanced.
	AdvanceSignalState(ctx context.Context, id, from, to string) (bool, error)
	UpdateSignalError(ctx context.Context, id, lastError string, consecutiveErrors int) error

	// RecordDecision stores the decision and, in the same step, increments
	// the signal's decision count and advances its last decided candle.
	RecordDecision(ctx context.Context, d *Decision) error
	ListDecisions(ctx context.Context, signalID string) ([]Decision, error)

	UpsertPosition(ctx context.Context, p *Position) error
	ListOpenPositions(ctx context.Context) ([]Position, error)

	// TrimSignals deletes closed and expired signals older than the cutoff.
	TrimSignals(ctx context.Context, olderThan time.Time) (int64, error)
}
