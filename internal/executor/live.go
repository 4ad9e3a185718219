package executor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signal-pipeline/internal/binance"
	"signal-pipeline/internal/database"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/metrics"
)

// ReconcileInterval is how often live order state is diffed against the
// exchange.
const ReconcileInterval = 5 * time.Second

// protective tracks the exchange order ids guarding one position.
type protective struct {
	stopOrderID int64
	tpOrderID   int64
}

// LiveExecutor places real orders on the exchange. Entries go out as market
// orders, followed by derived stop-loss and take-profit orders. A reconcile
// loop polls open orders every 5 seconds and treats a vanished protective
// order as the position having been closed by the exchange.
type LiveExecutor struct {
	mu         sync.RWMutex
	positions  map[string]*database.Position
	protection map[string]*protective
	quoteAsset string

	client  *binance.Client
	store   PositionStore
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewLiveExecutor creates a live executor over the exchange REST client.
// The client's rate limiter bounds all outgoing requests.
func NewLiveExecutor(client *binance.Client, store PositionStore, bus *events.Bus, m *metrics.Metrics, logger zerolog.Logger) *LiveExecutor {
	return &LiveExecutor{
		positions:  make(map[string]*database.Position),
		protection: make(map[string]*protective),
		quoteAsset: "USDT",
		client:     client,
		store:      store,
		bus:        bus,
		metrics:    m,
		logger:     logger.With().Str("component", "LiveExecutor").Logger(),
	}
}

// Mode returns the trading mode.
func (e *LiveExecutor) Mode() string {
	return database.ModeLive
}

// OpenLong opens a long position with a market buy.
func (e *LiveExecutor) OpenLong(ctx context.Context, req OpenRequest) (*database.Position, error) {
	return e.open(ctx, database.SideLong, req)
}

// OpenShort opens a short position with a market sell.
func (e *LiveExecutor) OpenShort(ctx context.Context, req OpenRequest) (*database.Position, error) {
	return e.open(ctx, database.SideShort, req)
}

func (e *LiveExecutor) open(ctx context.Context, side string, req OpenRequest) (*database.Position, error) {
	if req.Price <= 0 {
		return nil, ErrInvalidPrice
	}

	balance, err := e.client.GetBalance(ctx, e.quoteAsset)
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}

	notional := ClampSizePct(req.SizePct) * balance
	quantity := notional / req.Price
	if quantity <= 0 {
		return nil, ErrInsufficientFunds
	}

	orderSide := "BUY"
	if side == database.SideShort {
		orderSide = "SELL"
	}

	resp, err := e.client.PlaceOrder(ctx, map[string]string{
		"symbol":   req.Symbol,
		"side":     orderSide,
		"type":     "MARKET",
		"quantity": formatQty(quantity),
	})
	if err != nil {
		return nil, fmt.Errorf("entry order: %w", err)
	}

	entryPrice := req.Price
	if resp.ExecutedQty > 0 && resp.CummulativeQuoteQty > 0 {
		entryPrice = resp.CummulativeQuoteQty / resp.ExecutedQty
		quantity = resp.ExecutedQty
	}

	p := &database.Position{
		ID:            uuid.NewString(),
		SignalID:      req.SignalID,
		StrategyID:    req.StrategyID,
		Symbol:        req.Symbol,
		Side:          side,
		State:         database.PositionStateOpen,
		Mode:          database.ModeLive,
		Quantity:      quantity,
		EntryPrice:    entryPrice,
		StopLoss:      req.StopLoss,
		TakeProfits:   append([]float64(nil), req.TakeProfits...),
		TrailingPct:   req.TrailingPct,
		HighWaterMark: entryPrice,
		LowWaterMark:  entryPrice,
		OpenedAt:      time.Now(),
	}
	if p.TrailingPct > 0 && p.StopLoss == 0 {
		p.StopLoss = trailingAnchor(p.Side, entryPrice, p.TrailingPct)
	}

	guard := &protective{}
	if p.StopLoss > 0 {
		if id, err := e.placeStopOrder(ctx, p); err != nil {
			e.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("Stop-loss order failed")
		} else {
			guard.stopOrderID = id
		}
	}
	if len(p.TakeProfits) > 0 {
		if id, err := e.placeTakeProfitOrder(ctx, p); err != nil {
			e.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("Take-profit order failed")
		} else {
			guard.tpOrderID = id
		}
	}

	e.mu.Lock()
	e.positions[p.ID] = p
	e.protection[p.ID] = guard
	snapshot := *p
	e.mu.Unlock()

	e.logger.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("side", side).
		Float64("entry_price", entryPrice).
		Float64("quantity", quantity).
		Int64("order_id", resp.OrderId).
		Msg("Opened live position")

	e.metrics.PositionsOpen.Inc()
	e.metrics.OrdersPlaced.WithLabelValues(database.ModeLive, side).Inc()
	e.mirror(ctx, &snapshot)
	e.bus.Publish(events.EventPositionOpened, events.PositionChange{
		PositionID: p.ID,
		SignalID:   p.SignalID,
		Symbol:     p.Symbol,
		Side:       side,
		Price:      entryPrice,
	})
	return &snapshot, nil
}

// Close flattens the position with a market order and cancels its
// protective orders.
func (e *LiveExecutor) Close(ctx context.Context, positionID string, price float64, reason string) (*database.Position, error) {
	e.mu.Lock()
	p, ok := e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrPositionNotFound
	}
	guard := e.protection[positionID]
	working := *p
	e.mu.Unlock()

	e.cancelProtection(ctx, working.Symbol, guard)

	resp, err := e.client.PlaceOrder(ctx, map[string]string{
		"symbol":   working.Symbol,
		"side":     closingSide(working.Side),
		"type":     "MARKET",
		"quantity": formatQty(working.Quantity),
	})
	if err != nil {
		return nil, fmt.Errorf("close order: %w", err)
	}

	exitPrice := price
	if resp.ExecutedQty > 0 && resp.CummulativeQuoteQty > 0 {
		exitPrice = resp.CummulativeQuoteQty / resp.ExecutedQty
	}
	return e.finalize(ctx, positionID, exitPrice, reason), nil
}

// finalize books the close locally after the exchange position is flat.
func (e *LiveExecutor) finalize(ctx context.Context, positionID string, exitPrice float64, reason string) *database.Position {
	e.mu.Lock()
	p, ok := e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	gross := (exitPrice - p.EntryPrice) * p.Quantity * sideSign(p.Side)
	p.State = database.PositionStateClosed
	p.ExitPrice = exitPrice
	p.RealizedPnL += gross
	p.CloseReason = reason
	p.ClosedAt = time.Now()
	delete(e.positions, positionID)
	delete(e.protection, positionID)
	snapshot := *p
	e.mu.Unlock()

	e.logger.Info().
		Str("position_id", positionID).
		Str("reason", reason).
		Float64("exit_price", exitPrice).
		Msg("Closed live position")

	e.metrics.PositionsOpen.Dec()
	e.mirror(ctx, &snapshot)
	e.bus.Publish(events.EventPositionClosed, events.PositionChange{
		PositionID: snapshot.ID,
		SignalID:   snapshot.SignalID,
		Symbol:     snapshot.Symbol,
		Side:       snapshot.Side,
		Price:      exitPrice,
		Reason:     reason,
	})
	return &snapshot
}

// PartialClose sells off a fraction of the position at market.
func (e *LiveExecutor) PartialClose(ctx context.Context, positionID string, fraction, price float64, reason string) (*database.Position, error) {
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
	closedQty := p.Quantity * fraction
	working := *p
	e.mu.Unlock()

	resp, err := e.client.PlaceOrder(ctx, map[string]string{
		"symbol":   working.Symbol,
		"side":     closingSide(working.Side),
		"type":     "MARKET",
		"quantity": formatQty(closedQty),
	})
	if err != nil {
		return nil, fmt.Errorf("partial close order: %w", err)
	}

	exitPrice := price
	if resp.ExecutedQty > 0 && resp.CummulativeQuoteQty > 0 {
		exitPrice = resp.CummulativeQuoteQty / resp.ExecutedQty
		closedQty = resp.ExecutedQty
	}

	e.mu.Lock()
	p, ok = e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrPositionNotFound
	}
	p.Quantity -= closedQty
	p.RealizedPnL += (exitPrice - p.EntryPrice) * closedQty * sideSign(p.Side)
	snapshot := *p
	e.mu.Unlock()

	// Protective orders guard the old quantity; replace them.
	e.refreshProtection(ctx, positionID)
	e.mirror(ctx, &snapshot)
	return &snapshot, nil
}

// ScaleIn buys an additional slice at market and re-averages the entry.
func (e *LiveExecutor) ScaleIn(ctx context.Context, positionID string, sizePct, price float64) (*database.Position, error) {
	e.mu.RLock()
	p, ok := e.positions[positionID]
	if !ok {
		e.mu.RUnlock()
		return nil, ErrPositionNotFound
	}
	working := *p
	e.mu.RUnlock()

	balance, err := e.client.GetBalance(ctx, e.quoteAsset)
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	notional := ClampSizePct(sizePct) * balance
	addedQty := notional / price

	orderSide := "BUY"
	if working.Side == database.SideShort {
		orderSide = "SELL"
	}
	resp, err := e.client.PlaceOrder(ctx, map[string]string{
		"symbol":   working.Symbol,
		"side":     orderSide,
		"type":     "MARKET",
		"quantity": formatQty(addedQty),
	})
	if err != nil {
		return nil, fmt.Errorf("scale-in order: %w", err)
	}

	fillPrice := price
	if resp.ExecutedQty > 0 && resp.CummulativeQuoteQty > 0 {
		fillPrice = resp.CummulativeQuoteQty / resp.ExecutedQty
		addedQty = resp.ExecutedQty
	}

	e.mu.Lock()
	p, ok = e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrPositionNotFound
	}
	totalQty := p.Quantity + addedQty
	p.EntryPrice = (p.EntryPrice*p.Quantity + fillPrice*addedQty) / totalQty
	p.Quantity = totalQty
	snapshot := *p
	e.mu.Unlock()

	e.refreshProtection(ctx, positionID)
	e.mirror(ctx, &snapshot)
	return &snapshot, nil
}

// ScaleOut reduces the position by a fraction at market.
func (e *LiveExecutor) ScaleOut(ctx context.Context, positionID string, fraction, price float64) (*database.Position, error) {
	return e.PartialClose(ctx, positionID, fraction, price, "scale_out")
}

// Flip closes the position and opens the opposite side at market.
func (e *LiveExecutor) Flip(ctx context.Context, positionID string, price float64) (*database.Position, error) {
	closed, err := e.Close(ctx, positionID, price, "flip")
	if err != nil {
		return nil, err
	}

	side := database.SideLong
	if closed.Side == database.SideLong {
		side = database.SideShort
	}
	req := OpenRequest{
		SignalID:    closed.SignalID,
		StrategyID:  closed.StrategyID,
		Symbol:      closed.Symbol,
		Price:       price,
		SizePct:     DefaultSizePct,
		TrailingPct: closed.TrailingPct,
	}
	if side == database.SideShort {
		return e.OpenShort(ctx, req)
	}
	return e.OpenLong(ctx, req)
}

// UpdateStopLoss cancel-replaces the stop order at the new level.
func (e *LiveExecutor) UpdateStopLoss(ctx context.Context, positionID string, price float64) error {
	e.mu.Lock()
	p, ok := e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return ErrPositionNotFound
	}
	p.StopLoss = price
	guard := e.protection[positionID]
	working := *p
	e.mu.Unlock()

	if guard != nil && guard.stopOrderID != 0 {
		if err := e.client.CancelOrder(ctx, working.Symbol, guard.stopOrderID); err != nil {
			e.logger.Warn().Err(err).Int64("order_id", guard.stopOrderID).Msg("Stop cancel failed")
		}
	}
	id, err := e.placeStopOrder(ctx, &working)
	if err != nil {
		return fmt.Errorf("replace stop order: %w", err)
	}

	e.mu.Lock()
	if guard, ok := e.protection[positionID]; ok {
		guard.stopOrderID = id
	}
	e.mu.Unlock()

	e.mirror(ctx, &working)
	return nil
}

// UpdateTakeProfits replaces the take-profit ladder and cancel-replaces the
// exchange order guarding the nearest level.
func (e *LiveExecutor) UpdateTakeProfits(ctx context.Context, positionID string, levels []float64) error {
	e.mu.Lock()
	p, ok := e.positions[positionID]
	if !ok {
		e.mu.Unlock()
		return ErrPositionNotFound
	}
	p.TakeProfits = append([]float64(nil), levels...)
	guard := e.protection[positionID]
	working := *p
	e.mu.Unlock()

	if guard != nil && guard.tpOrderID != 0 {
		if err := e.client.CancelOrder(ctx, working.Symbol, guard.tpOrderID); err != nil {
			e.logger.Warn().Err(err).Int64("order_id", guard.tpOrderID).Msg("Take-profit cancel failed")
		}
		e.mu.Lock()
		if guard, ok := e.protection[positionID]; ok {
			guard.tpOrderID = 0
		}
		e.mu.Unlock()
	}
	if len(working.TakeProfits) == 0 {
		e.mirror(ctx, &working)
		return nil
	}

	id, err := e.placeTakeProfitOrder(ctx, &working)
	if err != nil {
		return fmt.Errorf("replace take-profit order: %w", err)
	}

	e.mu.Lock()
	if guard, ok := e.protection[positionID]; ok {
		guard.tpOrderID = id
	}
	e.mu.Unlock()

	e.mirror(ctx, &working)
	return nil
}

// UpdateWaterMarks records a new mark price against the position's
// high/low water marks and returns the updated snapshot.
func (e *LiveExecutor) UpdateWaterMarks(ctx context.Context, positionID string, mark float64) (database.Position, error) {
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
func (e *LiveExecutor) Positions() []database.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]database.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

// GetPosition returns one open position by id.
func (e *LiveExecutor) GetPosition(positionID string) (database.Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.positions[positionID]
	if !ok {
		return database.Position{}, false
	}
	return *p, true
}

// RunReconciler polls exchange order state every 5 seconds until the
// context is cancelled. A position whose protective order disappeared from
// the open-order set was closed by the exchange and is booked locally.
func (e *LiveExecutor) RunReconciler(ctx context.Context) {
	ticker := time.NewTicker(ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcile(ctx)
		}
	}
}

func (e *LiveExecutor) reconcile(ctx context.Context) {
	e.mu.RLock()
	symbols := make(map[string]bool)
	for _, p := range e.positions {
		symbols[p.Symbol] = true
	}
	e.mu.RUnlock()

	for symbol := range symbols {
		orders, err := e.client.GetOpenOrders(ctx, symbol)
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Open-order fetch failed")
			continue
		}

		live := make(map[int64]bool, len(orders))
		for _, o := range orders {
			live[o.OrderId] = true
		}

		e.mu.RLock()
		type hit struct {
			positionID string
			price      float64
			reason     string
		}
		var hits []hit
		for id, p := range e.positions {
			if p.Symbol != symbol {
				continue
			}
			guard := e.protection[id]
			if guard == nil {
				continue
			}
			if guard.stopOrderID != 0 && !live[guard.stopOrderID] {
				hits = append(hits, hit{id, p.StopLoss, "sl"})
			} else if guard.tpOrderID != 0 && !live[guard.tpOrderID] {
				hits = append(hits, hit{id, p.TakeProfits[0], "tp"})
			}
		}
		e.mu.RUnlock()

		for _, h := range hits {
			e.mu.RLock()
			guard := e.protection[h.positionID]
			e.mu.RUnlock()
			e.cancelProtection(ctx, symbol, guard)
			e.finalize(ctx, h.positionID, h.price, h.reason)
		}
	}
}

func (e *LiveExecutor) refreshProtection(ctx context.Context, positionID string) {
	e.mu.RLock()
	p, ok := e.positions[positionID]
	if !ok {
		e.mu.RUnlock()
		return
	}
	guard := e.protection[positionID]
	working := *p
	e.mu.RUnlock()

	e.cancelProtection(ctx, working.Symbol, guard)

	newGuard := &protective{}
	if working.StopLoss > 0 {
		if id, err := e.placeStopOrder(ctx, &working); err == nil {
			newGuard.stopOrderID = id
		}
	}
	if len(working.TakeProfits) > 0 {
		if id, err := e.placeTakeProfitOrder(ctx, &working); err == nil {
			newGuard.tpOrderID = id
		}
	}

	e.mu.Lock()
	e.protection[positionID] = newGuard
	e.mu.Unlock()
}

func (e *LiveExecutor) cancelProtection(ctx context.Context, symbol string, guard *protective) {
	if guard == nil {
		return
	}
	if guard.stopOrderID != 0 {
		e.client.CancelOrder(ctx, symbol, guard.stopOrderID)
	}
	if guard.tpOrderID != 0 {
		e.client.CancelOrder(ctx, symbol, guard.tpOrderID)
	}
}

func (e *LiveExecutor) placeStopOrder(ctx context.Context, p *database.Position) (int64, error) {
	resp, err := e.client.PlaceOrder(ctx, map[string]string{
		"symbol":      p.Symbol,
		"side":        closingSide(p.Side),
		"type":        "STOP_LOSS_LIMIT",
		"timeInForce": "GTC",
		"quantity":    formatQty(p.Quantity),
		"stopPrice":   formatPrice(p.StopLoss),
		"price":       formatPrice(p.StopLoss),
	})
	if err != nil {
		return 0, err
	}
	return resp.OrderId, nil
}

// placeTakeProfitOrder guards the full quantity at the nearest ladder level.
// Deeper levels are realized by the monitor through partial closes.
func (e *LiveExecutor) placeTakeProfitOrder(ctx context.Context, p *database.Position) (int64, error) {
	resp, err := e.client.PlaceOrder(ctx, map[string]string{
		"symbol":      p.Symbol,
		"side":        closingSide(p.Side),
		"type":        "TAKE_PROFIT_LIMIT",
		"timeInForce": "GTC",
		"quantity":    formatQty(p.Quantity),
		"stopPrice":   formatPrice(p.TakeProfits[0]),
		"price":       formatPrice(p.TakeProfits[0]),
	})
	if err != nil {
		return 0, err
	}
	return resp.OrderId, nil
}

func (e *LiveExecutor) mirror(ctx context.Context, p *database.Position) {
	if e.store == nil {
		return
	}
	if err := e.store.UpsertPosition(ctx, p); err != nil {
		e.logger.Warn().Err(err).Str("position_id", p.ID).Msg("Position mirror failed")
	}
}

func closingSide(side string) string {
	if side == database.SideLong {
		return "SELL"
	}
	return "BUY"
}

func formatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', 8, 64)
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 8, 64)
}
