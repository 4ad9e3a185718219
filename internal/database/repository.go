package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"signal-pipeline/internal/strategy"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Repository implements Store on PostgreSQL.
type Repository struct {
	db *DB
}

// NewRepository creates a repository over the connection pool.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ListEnabledStrategies returns all strategies currently enabled.
func (r *Repository) ListEnabledStrategies(ctx context.Context) ([]strategy.Strategy, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, owner_id, name, enabled, symbols, filter_language, filter_source,
		       required_intervals, trigger_interval, instructions, decision_budget,
		       bar_history_limit, consecutive_errors, disabled_reason
		FROM strategies
		WHERE enabled = true
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var strategies []strategy.Strategy
	for rows.Next() {
		var s strategy.Strategy
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.Name, &s.Enabled, &s.Symbols,
			&s.FilterLanguage, &s.FilterSource, &s.RequiredIntervals, &s.TriggerInterval,
			&s.Instructions, &s.DecisionBudget, &s.BarHistoryLimit,
			&s.ConsecutiveErrors, &s.DisabledReason); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		strategies = append(strategies, s)
	}
	return strategies, rows.Err()
}

// UpdateStrategyStatus enables or disables a strategy with a reason.
func (r *Repository) UpdateStrategyStatus(ctx context.Context, id string, enabled bool, reason string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE strategies
		SET enabled = $2, disabled_reason = $3, updated_at = NOW()
		WHERE id = $1`, id, enabled, reason)
	if err != nil {
		return fmt.Errorf("update strategy status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStrategyErrors stores the strategy's consecutive error count.
func (r *Repository) UpdateStrategyErrors(ctx context.Context, id string, consecutiveErrors int) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE strategies
		SET consecutive_errors = $2, updated_at = NOW()
		WHERE id = $1`, id, consecutiveErrors)
	if err != nil {
		return fmt.Errorf("update strategy errors: %w", err)
	}
	return nil
}

// InsertSignalIfAbsent inserts the signal unless the dedupe key already
// exists.
func (r *Repository) InsertSignalIfAbsent(ctx context.Context, sig *Signal) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO signals (id, strategy_id, symbol, interval, state, candle_time,
		                     decision_count, decision_budget, last_decision_time,
		                     consecutive_errors, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (strategy_id, symbol, candle_time) DO NOTHING`,
		sig.ID, sig.StrategyID, sig.Symbol, sig.Interval, sig.State, sig.CandleTime,
		sig.DecisionCount, sig.DecisionBudget, sig.LastDecisionTime,
		sig.ConsecutiveErrors, sig.LastError)
	if err != nil {
		return false, fmt.Errorf("insert signal: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetSignal fetches one signal by id.
func (r *Repository) GetSignal(ctx context.Context, id string) (*Signal, error) {
	sig := &Signal{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, strategy_id, symbol, interval, state, candle_time,
		       decision_count, decision_budget, last_decision_time,
		       consecutive_errors, last_error, created_at, updated_at
		FROM signals WHERE id = $1`, id).Scan(
		&sig.ID, &sig.StrategyID, &sig.Symbol, &sig.Interval, &sig.State, &sig.CandleTime,
		&sig.DecisionCount, &sig.DecisionBudget, &sig.LastDecisionTime,
		&sig.ConsecutiveErrors, &sig.LastError, &sig.CreatedAt, &sig.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get signal: %w", err)
	}
	return sig, nil
}

// ListSignalsByState returns all signals in any of the given states.
func (r *Repository) ListSignalsByState(ctx context.Context, states ...string) ([]Signal, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, strategy_id, symbol, interval, state, candle_time,
		       decision_count, decision_budget, last_decision_time,
		       consecutive_errors, last_error, created_at, updated_at
		FROM signals
		WHERE state = ANY($1)
		ORDER BY created_at`, states)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var signals []Signal
	for rows.Next() {
		var sig Signal
		if err := rows.Scan(&sig.ID, &sig.StrategyID, &sig.Symbol, &sig.Interval,
			&sig.State, &sig.CandleTime, &sig.DecisionCount, &sig.DecisionBudget,
			&sig.LastDecisionTime, &sig.ConsecutiveErrors, &sig.LastError,
			&sig.CreatedAt, &sig.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// AdvanceSignalState performs an optimistic state transition.
func (r *Repository) AdvanceSignalState(ctx context.Context, id, from, to string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE signals
		SET state = $3, updated_at = NOW()
		WHERE id = $1 AND state = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("advance signal state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateSignalError stores the signal's last error and error streak.
func (r *Repository) UpdateSignalError(ctx context.Context, id, lastError string, consecutiveErrors int) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE signals
		SET last_error = $2, consecutive_errors = $3, updated_at = NOW()
		WHERE id = $1`, id, lastError, consecutiveErrors)
	if err != nil {
		return fmt.Errorf("update signal error: %w", err)
	}
	return nil
}

// RecordDecision stores the decision and bumps the signal's decision count
// and last decided candle in one transaction.
func (r *Repository) RecordDecision(ctx context.Context, d *Decision) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin decision tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO decisions (id, signal_id, candle_time, kind, confidence, reasoning,
		                       entry, stop_loss, take_profit, position_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())`,
		d.ID, d.SignalID, d.CandleTime, d.Kind, d.Confidence, d.Reasoning,
		d.Entry, d.StopLoss, d.TakeProfit, d.PositionSize)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE signals
		SET decision_count = decision_count + 1,
		    last_decision_time = $2,
		    consecutive_errors = 0,
		    updated_at = NOW()
		WHERE id = $1`, d.SignalID, d.CandleTime)
	if err != nil {
		return fmt.Errorf("bump decision count: %w", err)
	}

	return tx.Commit(ctx)
}

// ListDecisions returns a signal's decisions in chronological order.
func (r *Repository) ListDecisions(ctx context.Context, signalID string) ([]Decision, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, signal_id, candle_time, kind, confidence, reasoning,
		       entry, stop_loss, take_profit, position_size, created_at
		FROM decisions
		WHERE signal_id = $1
		ORDER BY candle_time`, signalID)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.SignalID, &d.CandleTime, &d.Kind, &d.Confidence,
			&d.Reasoning, &d.Entry, &d.StopLoss, &d.TakeProfit, &d.PositionSize,
			&d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// UpsertPosition inserts or replaces a position row.
func (r *Repository) UpsertPosition(ctx context.Context, p *Position) error {
	var closedAt *time.Time
	if !p.ClosedAt.IsZero() {
		closedAt = &p.ClosedAt
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO positions (id, signal_id, strategy_id, symbol, side, state, mode,
		                       quantity, entry_price, exit_price, stop_loss, take_profit,
		                       trailing_pct, high_water_mark, low_water_mark,
		                       commission, realized_pnl, close_reason, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			quantity = EXCLUDED.quantity,
			exit_price = EXCLUDED.exit_price,
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			trailing_pct = EXCLUDED.trailing_pct,
			high_water_mark = EXCLUDED.high_water_mark,
			low_water_mark = EXCLUDED.low_water_mark,
			commission = EXCLUDED.commission,
			realized_pnl = EXCLUDED.realized_pnl,
			close_reason = EXCLUDED.close_reason,
			closed_at = EXCLUDED.closed_at`,
		p.ID, p.SignalID, p.StrategyID, p.Symbol, p.Side, p.State, p.Mode,
		p.Quantity, p.EntryPrice, p.ExitPrice, p.StopLoss, p.TakeProfits,
		p.TrailingPct, p.HighWaterMark, p.LowWaterMark,
		p.Commission, p.RealizedPnL, p.CloseReason, p.OpenedAt, closedAt)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// ListOpenPositions returns every position still open.
func (r *Repository) ListOpenPositions(ctx context.Context) ([]Position, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, signal_id, strategy_id, symbol, side, state, mode,
		       quantity, entry_price, exit_price, stop_loss, take_profit,
		       trailing_pct, high_water_mark, low_water_mark,
		       commission, realized_pnl, close_reason, opened_at, COALESCE(closed_at, 'epoch'::timestamptz)
		FROM positions
		WHERE state = $1
		ORDER BY opened_at`, PositionStateOpen)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.ID, &p.SignalID, &p.StrategyID, &p.Symbol, &p.Side,
			&p.State, &p.Mode, &p.Quantity, &p.EntryPrice, &p.ExitPrice,
			&p.StopLoss, &p.TakeProfits, &p.TrailingPct, &p.HighWaterMark,
			&p.LowWaterMark, &p.Commission, &p.RealizedPnL, &p.CloseReason,
			&p.OpenedAt, &p.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// TrimSignals deletes closed and expired signals older than the cutoff.
func (r *Repository) TrimSignals(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM signals
		WHERE state = ANY($1) AND updated_at < $2`,
		[]string{SignalStateClosed, SignalStateExpired}, olderThan)
	if err != nil {
		return 0, fmt.Errorf("trim signals: %w", err)
	}
	return tag.RowsAffected(), nil
}
