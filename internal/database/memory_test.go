package database

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestInsertSignalIfAbsentDedupes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := &Signal{StrategyID: "st-1", Symbol: "BTCUSDT", CandleTime: 60_000, State: SignalStateNew}
	inserted, err := store.InsertSignalIfAbsent(ctx, first)
	if err != nil || !inserted {
		t.Fatalf("expected insert, got inserted=%v err=%v", inserted, err)
	}
	if !strings.HasPrefix(first.ID, "local-") {
		t.Errorf("memory store must assign local- ids, got %q", first.ID)
	}

	dup := &Signal{StrategyID: "st-1", Symbol: "BTCUSDT", CandleTime: 60_000, State: SignalStateNew}
	inserted, err = store.InsertSignalIfAbsent(ctx, dup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted {
		t.Error("same (strategy, symbol, candle_time) must not insert twice")
	}
}

func TestDifferentCandleTimesBothInsert(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := &Signal{StrategyID: "st-1", Symbol: "BTCUSDT", CandleTime: 60_000, State: SignalStateNew}
	b := &Signal{StrategyID: "st-1", Symbol: "BTCUSDT", CandleTime: 120_000, State: SignalStateNew}

	if ok, _ := store.InsertSignalIfAbsent(ctx, a); !ok {
		t.Fatal("first insert failed")
	}
	if ok, _ := store.InsertSignalIfAbsent(ctx, b); !ok {
		t.Fatal("second candle time must insert")
	}
}

func TestAdvanceSignalStateIsOptimistic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sig := &Signal{StrategyID: "st-1", Symbol: "BTCUSDT", CandleTime: 60_000, State: SignalStateNew}
	store.InsertSignalIfAbsent(ctx, sig)

	advanced, err := store.AdvanceSignalState(ctx, sig.ID, SignalStateNew, SignalStateMonitoring)
	if err != nil || !advanced {
		t.Fatalf("expected advance, got %v %v", advanced, err)
	}

	// Second caller still assuming "new" must lose.
	advanced, err = store.AdvanceSignalState(ctx, sig.ID, SignalStateNew, SignalStateExpired)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if advanced {
		t.Error("stale transition must not apply")
	}

	got, _ := store.GetSignal(ctx, sig.ID)
	if got.State != SignalStateMonitoring {
		t.Errorf("expected monitoring, got %s", got.State)
	}
}

func TestRecordDecisionBumpsCounters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sig := &Signal{StrategyID: "st-1", Symbol: "BTCUSDT", CandleTime: 60_000, State: SignalStateMonitoring, ConsecutiveErrors: 2}
	store.InsertSignalIfAbsent(ctx, sig)

	d := &Decision{SignalID: sig.ID, CandleTime: 120_000, Kind: "continue", Confidence: 0.5}
	if err := store.RecordDecision(ctx, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := store.GetSignal(ctx, sig.ID)
	if got.DecisionCount != 1 {
		t.Errorf("expected decision count 1, got %d", got.DecisionCount)
	}
	if got.LastDecisionTime != 120_000 {
		t.Errorf("expected last decision time 120000, got %d", got.LastDecisionTime)
	}
	if got.ConsecutiveErrors != 0 {
		t.Errorf("a successful decision must reset the error streak, got %d", got.ConsecutiveErrors)
	}

	decisions, _ := store.ListDecisions(ctx, sig.ID)
	if len(decisions) != 1 || decisions[0].Kind != "continue" {
		t.Errorf("unexpected decisions %+v", decisions)
	}
}

func TestTrimSignalsRemovesOnlyTerminalStates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	open := &Signal{StrategyID: "st-1", Symbol: "BTCUSDT", CandleTime: 1, State: SignalStateMonitoring}
	done := &Signal{StrategyID: "st-1", Symbol: "BTCUSDT", CandleTime: 2, State: SignalStateClosed}
	store.InsertSignalIfAbsent(ctx, open)
	store.InsertSignalIfAbsent(ctx, done)

	removed, err := store.TrimSignals(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 trimmed, got %d", removed)
	}
	if _, err := store.GetSignal(ctx, open.ID); err != nil {
		t.Error("monitoring signal must survive the trim")
	}
	if _, err := store.GetSignal(ctx, done.ID); err == nil {
		t.Error("closed signal must be trimmed")
	}
}

func TestValidTransitionTable(t *testing.T) {
	allowed := [][2]string{
		{SignalStateNew, SignalStateMonitoring},
		{SignalStateMonitoring, SignalStateReady},
		{SignalStateMonitoring, SignalStateExpired},
		{SignalStateReady, SignalStatePositionOpen},
		{SignalStatePositionOpen, SignalStateClosed},
	}
	for _, pair := range allowed {
		if !ValidTransition(pair[0], pair[1]) {
			t.Errorf("%s -> %s must be allowed", pair[0], pair[1])
		}
	}

	forbidden := [][2]string{
		{SignalStateNew, SignalStatePositionOpen},
		{SignalStateMonitoring, SignalStateClosed},
		{SignalStateClosed, SignalStateMonitoring},
		{SignalStateExpired, SignalStateReady},
		{SignalStatePositionOpen, SignalStateExpired},
	}
	for _, pair := range forbidden {
		if ValidTransition(pair[0], pair[1]) {
			t.Errorf("%s -> %s must be refused", pair[0], pair[1])
		}
	}
}
