package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signal-pipeline/internal/binance"
	"signal-pipeline/internal/database"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/executor"
	"signal-pipeline/internal/indicators"
	"signal-pipeline/internal/kline"
	"signal-pipeline/internal/marketdata"
	"signal-pipeline/internal/metrics"
	"signal-pipeline/internal/oracle"
	"signal-pipeline/internal/strategy"
)

const (
	// MaxOracleErrors is the consecutive consult-failure count that expires
	// a monitoring signal.
	MaxOracleErrors = 5

	// TrimAge is how long closed and expired signals are kept.
	TrimAge = 24 * time.Hour

	// TrimInterval is how often the trim sweep runs.
	TrimInterval = time.Hour
)

// Oracle is the decision endpoint the manager consults.
type Oracle interface {
	Consult(ctx context.Context, req *oracle.Request) (*oracle.Decision, error)
}

// TickerSource supplies the latest mark price per symbol.
type TickerSource interface {
	Ticker(symbol string) (marketdata.TickerSnapshot, bool)
}

// Manager drives signals through their lifecycle: it creates them from
// strategy matches, consults the oracle on each closed trigger candle, and
// applies the verdicts to the trade executor. Work on one signal is
// serialized by a per-signal lock; the decide loop takes at most one
// decision per candle open time.
type Manager struct {
	store   database.Store
	oracle  Oracle
	exec    executor.Executor
	cache   *kline.Cache
	tickers TickerSource
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu         sync.RWMutex
	strategies map[string]strategy.Strategy

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewManager creates a lifecycle manager.
func NewManager(store database.Store, orc Oracle, exec executor.Executor, cache *kline.Cache, tickers TickerSource, bus *events.Bus, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		store:      store,
		oracle:     orc,
		exec:       exec,
		cache:      cache,
		tickers:    tickers,
		bus:        bus,
		metrics:    m,
		logger:     logger.With().Str("component", "Lifecycle").Logger(),
		strategies: make(map[string]strategy.Strategy),
		locks:      make(map[string]*sync.Mutex),
	}
}

// TrackStrategies replaces the strategy context used to build oracle
// requests. Called after every strategy reload.
func (m *Manager) TrackStrategies(list []strategy.Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies = make(map[string]strategy.Strategy, len(list))
	for _, st := range list {
		m.strategies[st.ID] = st
	}
}

// OnMatch creates a signal for an edge-triggered strategy match. A second
// match on the same (strategy, symbol, candle) is a no-op.
func (m *Manager) OnMatch(ctx context.Context, st strategy.Strategy, symbol, interval string, candleTime int64) {
	m.mu.Lock()
	m.strategies[st.ID] = st
	m.mu.Unlock()

	sig := &database.Signal{
		ID:             uuid.NewString(),
		StrategyID:     st.ID,
		Symbol:         symbol,
		Interval:       interval,
		State:          database.SignalStateNew,
		CandleTime:     candleTime,
		DecisionBudget: st.Budget(),
	}
	inserted, err := m.store.InsertSignalIfAbsent(ctx, sig)
	if err != nil {
		m.logger.Warn().Err(err).Str("strategy_id", st.ID).Str("symbol", symbol).Msg("Signal insert failed")
		m.metrics.ErrorsTotal.WithLabelValues("lifecycle").Inc()
		return
	}
	if !inserted {
		return
	}

	m.logger.Info().
		Str("signal_id", sig.ID).
		Str("strategy_id", st.ID).
		Str("symbol", symbol).
		Int64("candle_time", candleTime).
		Msg("Signal created")

	m.bus.Publish(events.EventSignalCreated, events.SignalCreated{
		SignalID:   sig.ID,
		StrategyID: st.ID,
		Symbol:     symbol,
		Interval:   interval,
		CandleTime: candleTime,
	})
	m.advance(ctx, sig.ID, database.SignalStateNew, database.SignalStateMonitoring, "match accepted")
}

// Run consumes candle closes and position closes until the context is
// cancelled, trimming old signals once an hour.
func (m *Manager) Run(ctx context.Context) {
	candles := m.bus.Subscribe(events.EventCandleClose, events.DefaultBuffer)
	closes := m.bus.Subscribe(events.EventPositionClosed, events.DefaultBuffer)
	trim := time.NewTicker(TrimInterval)
	defer trim.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-candles:
			if cc, ok := ev.Data.(events.CandleClose); ok {
				m.handleCandle(ctx, cc)
			}
		case ev := <-closes:
			if pc, ok := ev.Data.(events.PositionChange); ok {
				m.handlePositionClosed(ctx, pc)
			}
		case <-trim.C:
			m.trim(ctx)
		}
	}
}

func (m *Manager) handleCandle(ctx context.Context, cc events.CandleClose) {
	signals, err := m.store.ListSignalsByState(ctx, database.SignalStateMonitoring, database.SignalStatePositionOpen)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Signal listing failed")
		return
	}

	for _, sig := range signals {
		if sig.Symbol != cc.Symbol {
			continue
		}
		if m.triggerInterval(sig.StrategyID, sig.Interval) != cc.Interval {
			continue
		}
		// The creating candle has already been screened by the filter.
		if cc.Kline.OpenTime <= sig.CandleTime {
			continue
		}
		go m.decide(ctx, sig.ID, cc.Kline.OpenTime)
	}
}

func (m *Manager) triggerInterval(strategyID, fallback string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.strategies[strategyID]; ok && st.TriggerInterval != "" {
		return st.TriggerInterval
	}
	return fallback
}

// decide runs one oracle consultation for a signal on a closed candle.
func (m *Manager) decide(ctx context.Context, signalID string, candleTime int64) {
	lock := m.signalLock(signalID)
	lock.Lock()
	defer lock.Unlock()

	sig, err := m.store.GetSignal(ctx, signalID)
	if err != nil {
		m.logger.Warn().Err(err).Str("signal_id", signalID).Msg("Signal fetch failed")
		return
	}
	if sig.State != database.SignalStateMonitoring && sig.State != database.SignalStatePositionOpen {
		return
	}
	// At most one decision per candle.
	if sig.LastDecisionTime >= candleTime {
		return
	}
	// The budget bounds decisions in every state: an exhausted monitoring
	// signal expires, an exhausted open position stays with the monitor.
	if sig.DecisionCount >= sig.DecisionBudget {
		if sig.State == database.SignalStateMonitoring {
			m.expire(ctx, sig, "decision budget exhausted")
		}
		return
	}

	req := m.buildRequest(ctx, sig)

	start := time.Now()
	decision, err := m.oracle.Consult(ctx, req)
	m.metrics.OracleLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		m.onOracleError(ctx, sig, err)
		return
	}

	record := &database.Decision{
		ID:         uuid.NewString(),
		SignalID:   sig.ID,
		CandleTime: candleTime,
		Kind:       decision.Kind,
		Confidence: decision.Confidence,
		Reasoning:  decision.Reasoning,
	}
	if decision.Plan != nil {
		record.Entry = decision.Plan.Entry
		record.StopLoss = decision.Plan.StopLoss
		record.TakeProfit = decision.Plan.FirstTakeProfit()
		record.PositionSize = decision.Plan.PositionSize
	}
	if err := m.store.RecordDecision(ctx, record); err != nil {
		m.logger.Warn().Err(err).Str("signal_id", sig.ID).Msg("Decision record failed")
	}
	sig.DecisionCount++
	sig.LastDecisionTime = candleTime
	sig.ConsecutiveErrors = 0

	m.metrics.DecisionsTotal.WithLabelValues(decision.Kind).Inc()
	m.bus.Publish(events.EventOracleDecision, events.OracleDecision{
		SignalID:   sig.ID,
		Decision:   decision.Kind,
		Confidence: decision.Confidence,
	})
	m.logger.Info().
		Str("signal_id", sig.ID).
		Str("decision", decision.Kind).
		Float64("confidence", decision.Confidence).
		Int("decision_count", sig.DecisionCount).
		Msg("Oracle decision")

	m.apply(ctx, sig, decision)
}

func (m *Manager) onOracleError(ctx context.Context, sig *database.Signal, consultErr error) {
	m.metrics.OracleErrors.Inc()
	errs := sig.ConsecutiveErrors + 1

	m.logger.Warn().
		Err(consultErr).
		Str("signal_id", sig.ID).
		Int("consecutive_errors", errs).
		Msg("Oracle consult failed")

	if err := m.store.UpdateSignalError(ctx, sig.ID, consultErr.Error(), errs); err != nil {
		m.logger.Warn().Err(err).Str("signal_id", sig.ID).Msg("Signal error update failed")
	}
	if errs >= MaxOracleErrors && sig.State == database.SignalStateMonitoring {
		m.expire(ctx, sig, "oracle unreachable")
	}
}

func (m *Manager) apply(ctx context.Context, sig *database.Signal, decision *oracle.Decision) {
	switch sig.State {
	case database.SignalStateMonitoring:
		m.applyMonitoring(ctx, sig, decision)
	case database.SignalStatePositionOpen:
		m.applyPositionOpen(ctx, sig, decision)
	}
}

func (m *Manager) applyMonitoring(ctx context.Context, sig *database.Signal, decision *oracle.Decision) {
	switch decision.Kind {
	case oracle.KindEnter:
		m.enter(ctx, sig, decision)
	case oracle.KindAbandon:
		m.expire(ctx, sig, "oracle abandoned")
	default:
		// continue and everything else keeps monitoring, until the budget
		// runs out.
		if sig.DecisionCount >= sig.DecisionBudget {
			m.expire(ctx, sig, "decision budget exhausted")
		}
	}
}

func (m *Manager) enter(ctx context.Context, sig *database.Signal, decision *oracle.Decision) {
	if !m.advance(ctx, sig.ID, database.SignalStateMonitoring, database.SignalStateReady, "oracle entered") {
		return
	}

	price := m.markPrice(sig.Symbol, sig.Interval)
	req := executor.OpenRequest{
		SignalID:   sig.ID,
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Price:      price,
	}
	side := database.SideLong
	if decision.Plan != nil {
		req.SizePct = decision.Plan.PositionSize
		req.StopLoss = decision.Plan.StopLoss
		req.TakeProfits = append([]float64(nil), decision.Plan.TakeProfits...)
		firstTP := decision.Plan.FirstTakeProfit()
		if decision.Plan.Entry > 0 && firstTP > 0 && firstTP < decision.Plan.Entry {
			side = database.SideShort
		}
	}

	var err error
	if side == database.SideShort {
		_, err = m.exec.OpenShort(ctx, req)
	} else {
		_, err = m.exec.OpenLong(ctx, req)
	}
	if err != nil {
		m.logger.Error().Err(err).Str("signal_id", sig.ID).Msg("Position open failed")
		m.metrics.ErrorsTotal.WithLabelValues("lifecycle").Inc()
		m.advance(ctx, sig.ID, database.SignalStateReady, database.SignalStateExpired, "position open failed")
		return
	}
	m.advance(ctx, sig.ID, database.SignalStateReady, database.SignalStatePositionOpen, "position opened")
}

func (m *Manager) applyPositionOpen(ctx context.Context, sig *database.Signal, decision *oracle.Decision) {
	pos, ok := m.positionFor(sig.ID)
	if !ok {
		return
	}
	price := m.markPrice(sig.Symbol, sig.Interval)

	var err error
	switch decision.Kind {
	case oracle.KindAdjustSL:
		if decision.Plan != nil && decision.Plan.StopLoss > 0 {
			err = m.exec.UpdateStopLoss(ctx, pos.ID, decision.Plan.StopLoss)
		}
	case oracle.KindAdjustTP:
		if decision.Plan != nil && decision.Plan.FirstTakeProfit() > 0 {
			err = m.exec.UpdateTakeProfits(ctx, pos.ID, append([]float64(nil), decision.Plan.TakeProfits...))
		}
	case oracle.KindReduce:
		_, err = m.exec.PartialClose(ctx, pos.ID, 0.5, price, "ai_reduce")
	case oracle.KindClose:
		_, err = m.exec.Close(ctx, pos.ID, price, "ai_close")
	}
	if err != nil {
		m.logger.Warn().
			Err(err).
			Str("signal_id", sig.ID).
			Str("decision", decision.Kind).
			Msg("Decision application failed")
		m.metrics.ErrorsTotal.WithLabelValues("lifecycle").Inc()
	}
}

func (m *Manager) handlePositionClosed(ctx context.Context, pc events.PositionChange) {
	if pc.SignalID == "" {
		return
	}
	lock := m.signalLock(pc.SignalID)
	lock.Lock()
	defer lock.Unlock()
	m.advance(ctx, pc.SignalID, database.SignalStatePositionOpen, database.SignalStateClosed, pc.Reason)
}

func (m *Manager) buildRequest(ctx context.Context, sig *database.Signal) *oracle.Request {
	m.mu.RLock()
	st, hasStrategy := m.strategies[sig.StrategyID]
	m.mu.RUnlock()

	intervals := []string{sig.Interval}
	history := strategy.DefaultBarHistory
	instructions := ""
	if hasStrategy {
		if len(st.RequiredIntervals) > 0 {
			intervals = st.RequiredIntervals
		}
		history = st.BarHistory()
		instructions = st.Instructions
	}

	candles := make(map[string][]binance.Kline, len(intervals))
	for _, iv := range intervals {
		candles[iv] = m.cache.GetLatest(sig.Symbol, iv, history)
	}

	var previous []oracle.PreviousDecision
	if decisions, err := m.store.ListDecisions(ctx, sig.ID); err == nil {
		previous = make([]oracle.PreviousDecision, 0, len(decisions))
		for _, d := range decisions {
			previous = append(previous, oracle.PreviousDecision{
				Kind:       d.Kind,
				Confidence: d.Confidence,
				Reasoning:  d.Reasoning,
				CandleTime: d.CandleTime,
			})
		}
	}

	trigger := m.triggerInterval(sig.StrategyID, sig.Interval)

	return &oracle.Request{
		SignalID:             sig.ID,
		Symbol:               sig.Symbol,
		StrategyInstructions: instructions,
		Price:                m.markPrice(sig.Symbol, sig.Interval),
		Candles:              candles,
		Indicators:           indicatorSnapshot(m.cache.GetLatest(sig.Symbol, trigger, history)),
		PreviousDecisions:    previous,
		DecisionCount:        sig.DecisionCount,
		DecisionBudget:       sig.DecisionBudget,
	}
}

// indicatorSnapshot condenses the trigger-interval window into a few common
// indicator readings for the oracle prompt. Values that are not yet warm are
// omitted.
func indicatorSnapshot(klines []binance.Kline) map[string]interface{} {
	out := make(map[string]interface{})
	if v, ok := indicators.RSI(klines, 14); ok {
		out["rsi_14"] = v
	}
	if v, ok := indicators.SMA(klines, 20); ok {
		out["sma_20"] = v
	}
	if v, ok := indicators.EMA(klines, 20); ok {
		out["ema_20"] = v
	}
	if v, ok := indicators.ATR(klines, 14); ok {
		out["atr_14"] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (m *Manager) markPrice(symbol, interval string) float64 {
	if t, ok := m.tickers.Ticker(symbol); ok && t.LastPrice > 0 {
		return t.LastPrice
	}
	if latest := m.cache.GetLatest(symbol, interval, 1); len(latest) > 0 {
		return latest[0].Close
	}
	return 0
}

func (m *Manager) positionFor(signalID string) (database.Position, bool) {
	for _, p := range m.exec.Positions() {
		if p.SignalID == signalID {
			return p, true
		}
	}
	return database.Position{}, false
}

func (m *Manager) expire(ctx context.Context, sig *database.Signal, reason string) {
	m.advance(ctx, sig.ID, sig.State, database.SignalStateExpired, reason)
}

func (m *Manager) advance(ctx context.Context, signalID, from, to, reason string) bool {
	if !database.ValidTransition(from, to) {
		m.logger.Error().
			Str("signal_id", signalID).
			Str("from", from).
			Str("to", to).
			Msg("Refusing invalid state transition")
		m.metrics.ErrorsTotal.WithLabelValues("lifecycle").Inc()
		return false
	}
	ok, err := m.store.AdvanceSignalState(ctx, signalID, from, to)
	if err != nil {
		m.logger.Warn().Err(err).Str("signal_id", signalID).Str("to", to).Msg("State advance failed")
		m.metrics.ErrorsTotal.WithLabelValues("lifecycle").Inc()
		return false
	}
	if !ok {
		return false
	}
	m.logger.Info().
		Str("signal_id", signalID).
		Str("from", from).
		Str("to", to).
		Str("reason", reason).
		Msg("Signal state changed")
	m.bus.Publish(events.EventSignalStateChanged, events.SignalStateChanged{
		SignalID: signalID,
		From:     from,
		To:       to,
		Reason:   reason,
	})
	return true
}

func (m *Manager) trim(ctx context.Context) {
	removed, err := m.store.TrimSignals(ctx, time.Now().Add(-TrimAge))
	if err != nil {
		m.logger.Warn().Err(err).Msg("Signal trim failed")
		return
	}
	if removed > 0 {
		m.logger.Info().Int64("removed", removed).Msg("Old signals trimmed")
	}
}

func (m *Manager) signalLock(signalID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.locks[signalID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[signalID] = lock
	}
	return lock
}
