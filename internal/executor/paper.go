package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signal-pipeline/internal/database"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/metrics"
)

// Paper trading defaults.
const (
	DefaultPaperBalance = 10_000.0
	PaperCommissionRate = 0.001
)

// PaperExecutor simulates fills against a virtual USDT balance. Orders fill
// at the supplied mark price with a flat commission on notional; positions
// live in memory and are mirrored to the store on every change.
type PaperExecutor struct {
	mu             sync.RWMutex
	balance        float64
	commissionRate float64
	positions      map[string]*database.Position

	store   PositionStore
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewPaperExecutor creates a paper executor with the given starting
// balance. A balance of zero or less uses the default.
func NewPaperExecutor(balance float64, store PositionStore, bus *events.Bus, m *metrics.Metrics, logger zerolog.Logger) *PaperExecutor {
	if balance <= 0 {
		balance = DefaultPaperBalance
	}
	return &PaperExecutor{
		balance:        balance,
		commissionRate: PaperCommissionRate,
		positions:      make(map[string]*database.Position),
		store:          store,
		bus:            bus,
		metrics:        m,
		logger:         logger.With().Str("component", "PaperExecutor").Logger(),
	}
}

// Mode returns the trading mode.
func (e *PaperExecutor) Mode() string {
	return database.ModePaper
}

// Balance returns the available virtual balance.
func (e *PaperExecutor) Balance() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance
}

// OpenLong opens a long position at the request price.
func (e *PaperExecutor) OpenLong(ctx context.Context, req OpenRequest) (*database.Position, error) {
	return e.open(ctx, database.SideLong, req)
}

// OpenShort opens a short position at the request price.
func (e *PaperExecutor) OpenShort(ctx context.Context, req OpenRequest) (*database.Position, error) {
	return e.open(ctx, database.SideShort, req)
}

func (e *PaperExecutor) open(ctx context.Context, side string, req OpenRequest) (*database.Position, error) {
	if req.Price <= 0 {
		return nil, ErrInvalidPrice
	}

	e.mu.Lock()
	sizePct := ClampSizePct(req.SizePct)
	notional := sizePct * e.balance
	quantity := notional / req.Price
	commission := notional * e.commissionRate

	if notional+commission > e.balance {
		e.mu.Unlock()
		return nil, ErrInsufficientFunds
	}
	e.balance -= notional + commission

	p := &database.Position{
		ID:            uuid.NewString(),
		SignalID:      req.SignalID,
		StrategyID:    req.StrategyID,
		Symbol:        req.Symbol,
		Side:          side,
		State:         database.PositionStateOpen,
		Mode:          database.ModePaper,
		Quantity:      quantity,
		EntryPrice:    req.Price,
		StopLoss:      req.StopLoss,
		TakeProfits:   append([]float64(nil), req.TakeProfits...),
		TrailingPct:   req.TrailingPct,
		HighWaterMark: req.Price,
		LowWaterMark:  req.Price,
		Commission:    commission,
		RealizedPnL:   -commission,
		OpenedAt:      time.Now(),
	}
	if p.TrailingPct > 0 && p.StopLoss == 0 {
		p.StopLoss = trailingAnchor(p.Side, req.Price, p.TrailingPct)
	}
	e.positions[p.ID] = p
	snapshot := *p
	e.mu.Unlock()

	e.logger.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("side", side).
		Float64("price", req.Price).
		Float64("quantity", quantity).
		Msg("Opened paper position")

	e.metrics.PositionsOpen.Inc()
	e.metrics.OrdersPlaced.WithLabelValues(database.ModePaper, side).Inc()
	e.mirror(ctx, &snapshot)
	e.bus.Publish(events.EventPositionOpened, events.PositionChange{
		PositionID: p.ID,
		SignalID:   p.SignalID,
		Symbol:     p.Symbol,
		Side:       side,
		Price:      req.Price,
	})
	return &snapshot, nil
}

// Close fully closes a position at the given mark price.
func (e *PaperExecutor) Close(ctx context.Context, positionID string, price float64, reason string) (*database.Position, error) {
	if price <= 0 {
		return nil, ErrInvalidPrice
	}

	e.mu.Lock()
	p, ok := e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrPositionNotFound
	}
	if p.State != database.PositionStateOpen {
		e.mu.Unlock()
		return nil, ErrPositionClosed
	}

	entryNotional := p.EntryPrice * p.Quantity
	exitNotional := price * p.Quantity
	commission := exitNotional * e.commissionRate
	gross := (price - p.EntryPrice) * p.Quantity * sideSign(p.Side)

	p.State = database.PositionStateClosed
	p.ExitPrice = price
	p.Commission += commission
	// Entry commission was booked at open, so realized PnL nets all fees.
	p.RealizedPnL += gross - commission
	p.CloseReason = reason
	p.ClosedAt = time.Now()
	delete(e.positions, positionID)

	e.balance += entryNotional + gross - commission
	snapshot := *p
	e.mu.Unlock()

	e.logger.Info().
		Str("position_id", positionID).
		Str("reason", reason).
		Float64("exit_price", price).
		Float64("realized_pnl", snapshot.RealizedPnL).
		Msg("Closed paper position")

	e.metrics.PositionsOpen.Dec()
	e.mirror(ctx, &snapshot)
	e.bus.Publish(events.EventPositionClosed, events.PositionChange{
		PositionID: snapshot.ID,
		SignalID:   snapshot.SignalID,
		Symbol:     snapshot.Symbol,
		Side:       snapshot.Side,
		Price:      price,
		Reason:     reason,
	})
	return &snapshot, nil
}

// PartialClose realizes a fraction of the position at the given price.
func (e *PaperExecutor) PartialClose(ctx context.Context, positionID string, fraction, price float64, reason string) (*database.Position, error) {
	if price <= 0 {
		return nil, ErrInvalidPrice
	}
	if fraction <= 0 || fraction > 1 {
		return nil, ErrInvalidFraction
	}
	if fraction > 0.999 {
		return e.Close(ctx, positionID, price, reason)
	}

	e.mu.Lock()
	p, ok := e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrPositionNotFound
	}
	if p.State != database.PositionStateOpen {
		e.mu.Unlock()
		return nil, ErrPositionClosed
	}

	closedQty := p.Quantity * fraction
	entryNotional := p.EntryPrice * closedQty
	exitNotional := price * closedQty
	commission := exitNotional * e.commissionRate
	gross := (price - p.EntryPrice) * closedQty * sideSign(p.Side)

	p.Quantity -= closedQty
	p.Commission += commission
	p.RealizedPnL += gross - commission

	e.balance += entryNotional + gross - commission
	snapshot := *p
	e.mu.Unlock()

	e.logger.Info().
		Str("position_id", positionID).
		Float64("fraction", fraction).
		Float64("price", price).
		Msg("Partially closed paper position")

	e.mirror(ctx, &snapshot)
	return &snapshot, nil
}

// ScaleIn grows the position by a fresh slice of balance at the new price.
// The entry price becomes the volume-weighted average.
func (e *PaperExecutor) ScaleIn(ctx context.Context, positionID string, sizePct, price float64) (*database.Position, error) {
	if price <= 0 {
		return nil, ErrInvalidPrice
	}

	e.mu.Lock()
	p, ok := e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrPositionNotFound
	}
	if p.State != database.PositionStateOpen {
		e.mu.Unlock()
		return nil, ErrPositionClosed
	}

	notional := ClampSizePct(sizePct) * e.balance
	addedQty := notional / price
	commission := notional * e.commissionRate

	if notional+commission > e.balance {
		e.mu.Unlock()
		return nil, ErrInsufficientFunds
	}
	e.balance -= notional + commission

	totalQty := p.Quantity + addedQty
	p.EntryPrice = (p.EntryPrice*p.Quantity + price*addedQty) / totalQty
	p.Quantity = totalQty
	p.Commission += commission
	p.RealizedPnL -= commission
	snapshot := *p
	e.mu.Unlock()

	e.logger.Info().
		Str("position_id", positionID).
		Float64("added_quantity", addedQty).
		Float64("avg_entry", snapshot.EntryPrice).
		Msg("Scaled into paper position")

	e.mirror(ctx, &snapshot)
	return &snapshot, nil
}

// ScaleOut reduces the position by a fraction at the given price.
func (e *PaperExecutor) ScaleOut(ctx context.Context, positionID string, fraction, price float64) (*database.Position, error) {
	return e.PartialClose(ctx, positionID, fraction, price, "scale_out")
}

// Flip closes the position and opens the opposite side with the same
// notional exposure.
func (e *PaperExecutor) Flip(ctx context.Context, positionID string, price float64) (*database.Position, error) {
	closed, err := e.Close(ctx, positionID, price, "flip")
	if err != nil {
		return nil, err
	}

	side := database.SideLong
	if closed.Side == database.SideLong {
		side = database.SideShort
	}

	e.mu.RLock()
	balance := e.balance
	e.mu.RUnlock()
	sizePct := 0.0
	if balance > 0 {
		sizePct = closed.EntryPrice * closed.Quantity / balance
	}

	return e.open(ctx, side, OpenRequest{
		SignalID:    closed.SignalID,
		StrategyID:  closed.StrategyID,
		Symbol:      closed.Symbol,
		Price:       price,
		SizePct:     sizePct,
		TrailingPct: closed.TrailingPct,
	})
}

// UpdateStopLoss replaces the position's stop-loss level.
func (e *PaperExecutor) UpdateStopLoss(ctx context.Context, positionID string, price float64) error {
	return e.updateLevel(ctx, positionID, func(p *database.Position) { p.StopLoss = price })
}

// UpdateTakeProfits replaces the position's take-profit ladder.
func (e *PaperExecutor) UpdateTakeProfits(ctx context.Context, positionID string, levels []float64) error {
	ladder := append([]float64(nil), levels...)
	return e.updateLevel(ctx, positionID, func(p *database.Position) { p.TakeProfits = ladder })
}

func (e *PaperExecutor) updateLevel(ctx context.Context, positionID string, apply func(*database.Position)) error {
	e.mu.Lock()
	p, ok := e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return ErrPositionNotFound
	}
	apply(p)
	snapshot := *p
	e.mu.Unlock()

	e.mirror(ctx, &snapshot)
	return nil
}

// UpdateWaterMarks records a new mark price against the position's
// high/low water marks and returns the updated snapshot.
func (e *PaperExecutor) UpdateWaterMarks(ctx context.Context, positionID string, mark float64) (database.Position, error) {
	e.mu.Lock()
	p, ok := e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return database.Position{}, ErrPositionNotFound
	}
	if mark > p.HighWaterMark {
		p.HighWaterMark = mark
	}
	if mark < p.LowWaterMark || p.LowWaterMark == 0 {
		p.LowWaterMark = mark
	}
	snapshot := *p
	e.mu.Unlock()
	return snapshot, nil
}

// Positions returns a snapshot of all open positions.
func (e *PaperExecutor) Positions() []database.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]database.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

// GetPosition returns one open position by id.
func (e *PaperExecutor) GetPosition(positionID string) (database.Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.positions[positionID]
	if !ok {
		return database.Position{}, false
	}
	return *p, true
}

func (e *PaperExecutor) mirror(ctx context.Context, p *database.Position) {
	if e.store == nil {
		return
	}
	if err := e.store.UpsertPosition(ctx, p); err != nil {
		e.logger.Warn().Err(err).Str("position_id", p.ID).Msg("Position mirror failed")
	}
}

// trailingAnchor computes the stop level implied by the trailing distance
// from a reference price.
func trailingAnchor(side string, reference, trailingPct float64) float64 {
	if side == database.SideShort {
		return reference * (1 + trailingPct)
	}
	return reference * (1 - trailingPct)
}
