package lifecycle

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"signal-pipeline/internal/binance"
	"signal-pipeline/internal/database"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/executor"
	"signal-pipeline/internal/kline"
	"signal-pipeline/internal/marketdata"
	"signal-pipeline/internal/metrics"
	"signal-pipeline/internal/oracle"
	"signal-pipeline/internal/strategy"
)

type stubOracle struct {
	calls     int
	requests  []*oracle.Request
	responses []*oracle.Decision
	err       error
}

func (s *stubOracle) Consult(ctx context.Context, req *oracle.Request) (*oracle.Decision, error) {
	s.calls++
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	idx := s.calls - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], nil
}

type fixedTickers struct {
	price float64
}

func (f *fixedTickers) Ticker(symbol string) (marketdata.TickerSnapshot, bool) {
	if f.price <= 0 {
		return marketdata.TickerSnapshot{}, false
	}
	return marketdata.TickerSnapshot{Symbol: symbol, LastPrice: f.price}, true
}

type fixture struct {
	manager *Manager
	store   *database.MemoryStore
	exec    *executor.PaperExecutor
	oracle  *stubOracle
	tickers *fixedTickers
	cache   *kline.Cache
}

func newFixture(orc *stubOracle) *fixture {
	bus := events.NewBus(nil)
	store := database.NewMemoryStore()
	exec := executor.NewPaperExecutor(10_000, store, bus, metrics.New(), zerolog.Nop())
	tickers := &fixedTickers{price: 50_000}
	cache := kline.NewCache(500)
	m := NewManager(store, orc, exec, cache, tickers, bus, metrics.New(), zerolog.Nop())
	return &fixture{manager: m, store: store, exec: exec, oracle: orc, tickers: tickers, cache: cache}
}

func testStrategy(budget int) strategy.Strategy {
	return strategy.Strategy{
		ID:                "st-1",
		Name:              "test",
		Enabled:           true,
		Symbols:           []string{"BTCUSDT"},
		FilterLanguage:    strategy.LanguageJS,
		FilterSource:      "true",
		RequiredIntervals: []string{"1m"},
		TriggerInterval:   "1m",
		Instructions:      "swing trade breakouts",
		DecisionBudget:    budget,
	}
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s: got %v, want %v", name, got, want)
	}
}

func TestMatchCreatesMonitoringSignalOnce(t *testing.T) {
	f := newFixture(&stubOracle{responses: []*oracle.Decision{{Kind: oracle.KindContinue}}})
	ctx := context.Background()

	f.manager.OnMatch(ctx, testStrategy(0), "BTCUSDT", "1m", 60_000)
	f.manager.OnMatch(ctx, testStrategy(0), "BTCUSDT", "1m", 60_000)

	signals, _ := f.store.ListSignalsByState(ctx, database.SignalStateMonitoring)
	if len(signals) != 1 {
		t.Fatalf("expected exactly one monitoring signal, got %d", len(signals))
	}
	if signals[0].DecisionBudget != strategy.DefaultDecisionBudget {
		t.Errorf("expected default budget, got %d", signals[0].DecisionBudget)
	}
}

func TestEnterDecisionOpensPositionWithPlanLevels(t *testing.T) {
	orc := &stubOracle{responses: []*oracle.Decision{{
		Kind:       oracle.KindEnter,
		Confidence: 0.8,
		Plan:       &oracle.TradePlan{Entry: 50_000, StopLoss: 49_000, TakeProfits: oracle.PriceLadder{52_000}},
	}}}
	f := newFixture(orc)
	ctx := context.Background()

	f.manager.OnMatch(ctx, testStrategy(0), "BTCUSDT", "1m", 60_000)
	signals, _ := f.store.ListSignalsByState(ctx, database.SignalStateMonitoring)
	sigID := signals[0].ID

	f.manager.decide(ctx, sigID, 120_000)

	sig, _ := f.store.GetSignal(ctx, sigID)
	if sig.State != database.SignalStatePositionOpen {
		t.Fatalf("expected position_open, got %s", sig.State)
	}

	positions := f.exec.Positions()
	if len(positions) != 1 {
		t.Fatalf("expected one open position, got %d", len(positions))
	}
	p := positions[0]
	if p.Side != database.SideLong {
		t.Errorf("take-profit above entry means long, got %s", p.Side)
	}
	approx(t, "entry", p.EntryPrice, 50_000)
	approx(t, "stop loss", p.StopLoss, 49_000)
	if len(p.TakeProfits) != 1 {
		t.Fatalf("expected one take-profit level, got %v", p.TakeProfits)
	}
	approx(t, "take profit", p.TakeProfits[0], 52_000)
	if p.SignalID != sigID {
		t.Errorf("position must reference its signal")
	}
}

func TestTakeProfitBelowEntryOpensShort(t *testing.T) {
	orc := &stubOracle{responses: []*oracle.Decision{{
		Kind: oracle.KindEnter,
		Plan: &oracle.TradePlan{Entry: 50_000, StopLoss: 51_000, TakeProfits: oracle.PriceLadder{48_000}},
	}}}
	f := newFixture(orc)
	ctx := context.Background()

	f.manager.OnMatch(ctx, testStrategy(0), "BTCUSDT", "1m", 60_000)
	signals, _ := f.store.ListSignalsByState(ctx, database.SignalStateMonitoring)
	f.manager.decide(ctx, signals[0].ID, 120_000)

	positions := f.exec.Positions()
	if len(positions) != 1 || positions[0].Side != database.SideShort {
		t.Fatalf("expected a short position, got %+v", positions)
	}
}

func TestBudgetExhaustionExpiresWithoutExtraConsult(t *testing.T) {
	orc := &stubOracle{responses: []*oracle.Decision{{Kind: oracle.KindContinue, Confidence: 0.5}}}
	f := newFixture(orc)
	ctx := context.Background()

	f.manager.OnMatch(ctx, testStrategy(3), "BTCUSDT", "1m", 60_000)
	signals, _ := f.store.ListSignalsByState(ctx, database.SignalStateMonitoring)
	sigID := signals[0].ID

	for i := 1; i <= 4; i++ {
		f.manager.decide(ctx, sigID, int64(i+1)*60_000)
	}

	sig, _ := f.store.GetSignal(ctx, sigID)
	if sig.State != database.SignalStateExpired {
		t.Fatalf("expected expired after the budget, got %s", sig.State)
	}
	if orc.calls != 3 {
		t.Errorf("the oracle must be consulted exactly budget times, got %d", orc.calls)
	}
	if sig.DecisionCount != 3 {
		t.Errorf("expected 3 recorded decisions, got %d", sig.DecisionCount)
	}
}

func TestOneDecisionPerCandle(t *testing.T) {
	orc := &stubOracle{responses: []*oracle.Decision{{Kind: oracle.KindContinue}}}
	f := newFixture(orc)
	ctx := context.Background()

	f.manager.OnMatch(ctx, testStrategy(0), "BTCUSDT", "1m", 60_000)
	signals, _ := f.store.ListSignalsByState(ctx, database.SignalStateMonitoring)

	f.manager.decide(ctx, signals[0].ID, 120_000)
	f.manager.decide(ctx, signals[0].ID, 120_000)

	if orc.calls != 1 {
		t.Errorf("a candle may be decided once, got %d consults", orc.calls)
	}
}

func TestRepeatedOracleErrorsExpireSignal(t *testing.T) {
	orc := &stubOracle{err: errors.New("oracle down")}
	f := newFixture(orc)
	ctx := context.Background()

	f.manager.OnMatch(ctx, testStrategy(0), "BTCUSDT", "1m", 60_000)
	signals, _ := f.store.ListSignalsByState(ctx, database.SignalStateMonitoring)
	sigID := signals[0].ID

	for i := 1; i <= MaxOracleErrors; i++ {
		f.manager.decide(ctx, sigID, int64(i+1)*60_000)
	}

	sig, _ := f.store.GetSignal(ctx, sigID)
	if sig.State != database.SignalStateExpired {
		t.Fatalf("expected expired after %d oracle failures, got %s", MaxOracleErrors, sig.State)
	}
	if sig.DecisionCount != 0 {
		t.Errorf("failed consults must not count against the budget, got %d", sig.DecisionCount)
	}
}

func TestAbandonExpiresSignal(t *testing.T) {
	orc := &stubOracle{responses: []*oracle.Decision{{Kind: oracle.KindAbandon, Confidence: 0.9}}}
	f := newFixture(orc)
	ctx := context.Background()

	f.manager.OnMatch(ctx, testStrategy(0), "BTCUSDT", "1m", 60_000)
	signals, _ := f.store.ListSignalsByState(ctx, database.SignalStateMonitoring)
	f.manager.decide(ctx, signals[0].ID, 120_000)

	sig, _ := f.store.GetSignal(ctx, signals[0].ID)
	if sig.State != database.SignalStateExpired {
		t.Errorf("abandon must expire the signal, got %s", sig.State)
	}
}

func TestCloseDecisionClosesPositionAndSignal(t *testing.T) {
	orc := &stubOracle{responses: []*oracle.Decision{
		{Kind: oracle.KindEnter, Plan: &oracle.TradePlan{Entry: 50_000, StopLoss: 49_000, TakeProfits: oracle.PriceLadder{52_000}}},
		{Kind: oracle.KindClose, Reasoning: "momentum gone"},
	}}
	f := newFixture(orc)
	ctx := context.Background()

	f.manager.OnMatch(ctx, testStrategy(0), "BTCUSDT", "1m", 60_000)
	signals, _ := f.store.ListSignalsByState(ctx, database.SignalStateMonitoring)
	sigID := signals[0].ID

	f.manager.decide(ctx, sigID, 120_000)
	f.manager.decide(ctx, sigID, 180_000)

	if len(f.exec.Positions()) != 0 {
		t.Fatal("close decision must flatten the position")
	}

	// The executor's close event drives the final signal transition.
	f.manager.handlePositionClosed(ctx, events.PositionChange{SignalID: sigID, Reason: "ai_close"})
	sig, _ := f.store.GetSignal(ctx, sigID)
	if sig.State != database.SignalStateClosed {
		t.Errorf("expected closed, got %s", sig.State)
	}
}

func TestAdjustStopLossMovesPositionLevel(t *testing.T) {
	orc := &stubOracle{responses: []*oracle.Decision{
		{Kind: oracle.KindEnter, Plan: &oracle.TradePlan{Entry: 50_000, StopLoss: 49_000, TakeProfits: oracle.PriceLadder{52_000}}},
		{Kind: oracle.KindAdjustSL, Plan: &oracle.TradePlan{StopLoss: 49_800}},
	}}
	f := newFixture(orc)
	ctx := context.Background()

	f.manager.OnMatch(ctx, testStrategy(0), "BTCUSDT", "1m", 60_000)
	signals, _ := f.store.ListSignalsByState(ctx, database.SignalStateMonitoring)

	f.manager.decide(ctx, signals[0].ID, 120_000)
	f.manager.decide(ctx, signals[0].ID, 180_000)

	positions := f.exec.Positions()
	if len(positions) != 1 {
		t.Fatalf("expected one open position, got %d", len(positions))
	}
	approx(t, "adjusted stop", positions[0].StopLoss, 49_800)
}

func TestReduceHalvesPosition(t *testing.T) {
	orc := &stubOracle{responses: []*oracle.Decision{
		{Kind: oracle.KindEnter, Plan: &oracle.TradePlan{Entry: 50_000, StopLoss: 49_000, TakeProfits: oracle.PriceLadder{52_000}}},
		{Kind: oracle.KindReduce},
	}}
	f := newFixture(orc)
	ctx := context.Background()

	f.manager.OnMatch(ctx, testStrategy(0), "BTCUSDT", "1m", 60_000)
	signals, _ := f.store.ListSignalsByState(ctx, database.SignalStateMonitoring)

	f.manager.decide(ctx, signals[0].ID, 120_000)
	full := f.exec.Positions()[0].Quantity

	f.manager.decide(ctx, signals[0].ID, 180_000)
	approx(t, "halved quantity", f.exec.Positions()[0].Quantity, full/2)
}

type recordingStore struct {
	*database.MemoryStore
	signalIDs   []string
	decisionIDs []string
}

func (r *recordingStore) InsertSignalIfAbsent(ctx context.Context, sig *database.Signal) (bool, error) {
	r.signalIDs = append(r.signalIDs, sig.ID)
	return r.MemoryStore.InsertSignalIfAbsent(ctx, sig)
}

func (r *recordingStore) RecordDecision(ctx context.Context, d *database.Decision) error {
	r.decisionIDs = append(r.decisionIDs, d.ID)
	return r.MemoryStore.RecordDecision(ctx, d)
}

func TestSignalAndDecisionRowsArriveWithIDs(t *testing.T) {
	orc := &stubOracle{responses: []*oracle.Decision{{Kind: oracle.KindContinue}}}
	bus := events.NewBus(nil)
	store := &recordingStore{MemoryStore: database.NewMemoryStore()}
	exec := executor.NewPaperExecutor(10_000, store, bus, metrics.New(), zerolog.Nop())
	m := NewManager(store, orc, exec, kline.NewCache(500), &fixedTickers{price: 50_000}, bus, metrics.New(), zerolog.Nop())
	ctx := context.Background()

	m.OnMatch(ctx, testStrategy(0), "BTCUSDT", "1m", 60_000)
	signals, _ := store.ListSignalsByState(ctx, database.SignalStateMonitoring)
	m.decide(ctx, signals[0].ID, 120_000)

	if len(store.signalIDs) == 0 || len(store.decisionIDs) == 0 {
		t.Fatal("expected signal and decision writes to reach the store")
	}
	for _, id := range store.signalIDs {
		if id == "" {
			t.Error("signal row reached the store without an id")
		}
	}
	for _, id := range store.decisionIDs {
		if id == "" {
			t.Error("decision row reached the store without an id")
		}
	}
}

func TestBudgetStopsConsultsWhilePositionOpen(t *testing.T) {
	orc := &stubOracle{responses: []*oracle.Decision{
		{Kind: oracle.KindEnter, Plan: &oracle.TradePlan{Entry: 50_000, StopLoss: 49_000, TakeProfits: oracle.PriceLadder{52_000}}},
		{Kind: oracle.KindHold},
	}}
	f := newFixture(orc)
	ctx := context.Background()

	f.manager.OnMatch(ctx, testStrategy(2), "BTCUSDT", "1m", 60_000)
	signals, _ := f.store.ListSignalsByState(ctx, database.SignalStateMonitoring)
	sigID := signals[0].ID

	for i := 1; i <= 5; i++ {
		f.manager.decide(ctx, sigID, int64(i+1)*60_000)
	}

	sig, _ := f.store.GetSignal(ctx, sigID)
	if sig.State != database.SignalStatePositionOpen {
		t.Fatalf("an exhausted budget must not close the position, got %s", sig.State)
	}
	if orc.calls != 2 {
		t.Errorf("the oracle must be consulted exactly budget times, got %d", orc.calls)
	}
	if sig.DecisionCount != sig.DecisionBudget {
		t.Errorf("decision count %d must stop at the budget %d", sig.DecisionCount, sig.DecisionBudget)
	}
}

func TestOracleRequestCarriesIndicatorSnapshot(t *testing.T) {
	orc := &stubOracle{responses: []*oracle.Decision{{Kind: oracle.KindContinue}}}
	f := newFixture(orc)
	ctx := context.Background()

	window := make([]binance.Kline, 30)
	for i := range window {
		price := 50_000 + float64(i)*10
		window[i] = binance.Kline{
			OpenTime:  int64(i) * 60_000,
			CloseTime: int64(i+1)*60_000 - 1,
			Open:      price,
			High:      price + 5,
			Low:       price - 5,
			Close:     price,
			Volume:    1,
			IsClosed:  true,
		}
	}
	f.cache.BulkSet("BTCUSDT", "1m", window)

	f.manager.OnMatch(ctx, testStrategy(0), "BTCUSDT", "1m", 60_000)
	signals, _ := f.store.ListSignalsByState(ctx, database.SignalStateMonitoring)
	f.manager.decide(ctx, signals[0].ID, 120_000)

	if len(orc.requests) == 0 {
		t.Fatal("expected an oracle consult")
	}
	ind := orc.requests[0].Indicators
	if len(ind) == 0 {
		t.Fatal("expected the request to carry an indicator snapshot")
	}
	for _, name := range []string{"rsi_14", "sma_20", "ema_20", "atr_14"} {
		if _, ok := ind[name]; !ok {
			t.Errorf("indicator snapshot missing %s", name)
		}
	}
}

func TestInvalidStateTransitionRefused(t *testing.T) {
	orc := &stubOracle{responses: []*oracle.Decision{
		{Kind: oracle.KindEnter, Plan: &oracle.TradePlan{Entry: 50_000, StopLoss: 49_000, TakeProfits: oracle.PriceLadder{52_000}}},
	}}
	f := newFixture(orc)
	ctx := context.Background()

	f.manager.OnMatch(ctx, testStrategy(0), "BTCUSDT", "1m", 60_000)
	signals, _ := f.store.ListSignalsByState(ctx, database.SignalStateMonitoring)
	sigID := signals[0].ID
	f.manager.decide(ctx, sigID, 120_000)

	if f.manager.advance(ctx, sigID, database.SignalStatePositionOpen, database.SignalStateExpired, "test") {
		t.Fatal("an open position may only move to closed")
	}
	sig, _ := f.store.GetSignal(ctx, sigID)
	if sig.State != database.SignalStatePositionOpen {
		t.Errorf("refused transition must leave the state untouched, got %s", sig.State)
	}
}
