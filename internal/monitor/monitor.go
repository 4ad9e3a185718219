package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"signal-pipeline/internal/database"
	"signal-pipeline/internal/marketdata"
	"signal-pipeline/internal/metrics"
)

// SweepInterval is how often open positions are checked against the
// current price.
const SweepInterval = time.Second

// PriceSource supplies the latest mark price per symbol.
type PriceSource interface {
	Ticker(symbol string) (marketdata.TickerSnapshot, bool)
}

// Executor is the slice of the trade executor the monitor drives.
type Executor interface {
	Positions() []database.Position
	Close(ctx context.Context, positionID string, price float64, reason string) (*database.Position, error)
	PartialClose(ctx context.Context, positionID string, fraction, price float64, reason string) (*database.Position, error)
	UpdateStopLoss(ctx context.Context, positionID string, price float64) error
	UpdateTakeProfits(ctx context.Context, positionID string, levels []float64) error
	UpdateWaterMarks(ctx context.Context, positionID string, mark float64) (database.Position, error)
}

// Monitor sweeps open positions once a second, re-anchors trailing stops
// from the position's water marks and closes positions whose stop-loss or
// take-profit level is crossed. Crossing a take-profit level with deeper
// levels still pending realizes a tranche and drops the level; the last
// level closes the position. When the stop-loss and a take-profit level are
// crossed on the same tick the stop-loss wins.
type Monitor struct {
	exec    Executor
	prices  PriceSource
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewMonitor creates a position monitor.
func NewMonitor(exec Executor, prices PriceSource, m *metrics.Metrics, logger zerolog.Logger) *Monitor {
	return &Monitor{
		exec:    exec,
		prices:  prices,
		metrics: m,
		logger:  logger.With().Str("component", "Monitor").Logger(),
	}
}

// Run sweeps at the configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	for _, p := range m.exec.Positions() {
		t, ok := m.prices.Ticker(p.Symbol)
		if !ok || t.LastPrice <= 0 {
			continue
		}
		m.check(ctx, p, t.LastPrice)
	}
}

func (m *Monitor) check(ctx context.Context, p database.Position, price float64) {
	updated, err := m.exec.UpdateWaterMarks(ctx, p.ID, price)
	if err != nil {
		return
	}
	p = updated

	if p.TrailingPct > 0 {
		p = m.trail(ctx, p)
	}

	long := p.Side == database.SideLong
	stopHit := p.StopLoss > 0 && ((long && price <= p.StopLoss) || (!long && price >= p.StopLoss))
	tpHit := false
	if len(p.TakeProfits) > 0 {
		level := p.TakeProfits[0]
		tpHit = level > 0 && ((long && price >= level) || (!long && price <= level))
	}

	switch {
	case stopHit:
		reason := "sl"
		if p.TrailingPct > 0 {
			reason = "trailing_sl"
		}
		m.close(ctx, p, price, reason)
	case tpHit:
		if len(p.TakeProfits) > 1 {
			m.takeProfitTranche(ctx, p, price)
		} else {
			m.close(ctx, p, price, "tp")
		}
	}
}

// takeProfitTranche realizes one rung of the ladder: an equal tranche of
// the original quantity comes off and the crossed level is dropped, leaving
// the remaining levels armed.
func (m *Monitor) takeProfitTranche(ctx context.Context, p database.Position, price float64) {
	fraction := 1 / float64(len(p.TakeProfits))
	if _, err := m.exec.PartialClose(ctx, p.ID, fraction, price, "tp"); err != nil {
		m.logger.Warn().Err(err).Str("position_id", p.ID).Msg("Partial take-profit failed")
		m.metrics.ErrorsTotal.WithLabelValues("monitor").Inc()
		return
	}
	remaining := append([]float64(nil), p.TakeProfits[1:]...)
	if err := m.exec.UpdateTakeProfits(ctx, p.ID, remaining); err != nil {
		m.logger.Warn().Err(err).Str("position_id", p.ID).Msg("Ladder update failed")
		m.metrics.ErrorsTotal.WithLabelValues("monitor").Inc()
		return
	}
	m.logger.Info().
		Str("position_id", p.ID).
		Float64("level", p.TakeProfits[0]).
		Float64("price", price).
		Int("levels_left", len(remaining)).
		Msg("Take-profit tranche realized")
}

// trail re-anchors the stop from the position's water mark. The stop only
// ever moves toward profit.
func (m *Monitor) trail(ctx context.Context, p database.Position) database.Position {
	var candidate float64
	if p.Side == database.SideLong {
		candidate = p.HighWaterMark * (1 - p.TrailingPct)
		if candidate <= p.StopLoss {
			return p
		}
	} else {
		candidate = p.LowWaterMark * (1 + p.TrailingPct)
		if p.StopLoss > 0 && candidate >= p.StopLoss {
			return p
		}
	}

	if err := m.exec.UpdateStopLoss(ctx, p.ID, candidate); err != nil {
		m.logger.Warn().Err(err).Str("position_id", p.ID).Msg("Trailing stop update failed")
		return p
	}
	m.logger.Debug().
		Str("position_id", p.ID).
		Float64("stop_loss", candidate).
		Msg("Trailing stop re-anchored")
	p.StopLoss = candidate
	return p
}

func (m *Monitor) close(ctx context.Context, p database.Position, price float64, reason string) {
	closed, err := m.exec.Close(ctx, p.ID, price, reason)
	if err != nil {
		m.logger.Warn().Err(err).Str("position_id", p.ID).Str("reason", reason).Msg("Close failed")
		m.metrics.ErrorsTotal.WithLabelValues("monitor").Inc()
		return
	}
	m.logger.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("reason", reason).
		Float64("price", price).
		Float64("realized_pnl", closed.RealizedPnL).
		Msg("Position closed by monitor")
}
