package monitor

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"signal-pipeline/internal/events"
	"signal-pipeline/internal/executor"
	"signal-pipeline/internal/marketdata"
	"signal-pipeline/internal/metrics"
)

type stubPrices struct {
	prices map[string]float64
}

func (s *stubPrices) Ticker(symbol string) (marketdata.TickerSnapshot, bool) {
	price, ok := s.prices[symbol]
	if !ok {
		return marketdata.TickerSnapshot{}, false
	}
	return marketdata.TickerSnapshot{Symbol: symbol, LastPrice: price}, true
}

func newTestMonitor() (*Monitor, *executor.PaperExecutor, *stubPrices) {
	exec := executor.NewPaperExecutor(10_000, nil, events.NewBus(nil), metrics.New(), zerolog.Nop())
	prices := &stubPrices{prices: make(map[string]float64)}
	return NewMonitor(exec, prices, metrics.New(), zerolog.Nop()), exec, prices
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s: got %v, want %v", name, got, want)
	}
}

func TestStopLossFiresBelowLevel(t *testing.T) {
	m, exec, prices := newTestMonitor()
	ctx := context.Background()

	p, err := exec.OpenLong(ctx, executor.OpenRequest{
		Symbol: "BTCUSDT", Price: 100, SizePct: 0.02, StopLoss: 95, TakeProfits: []float64{110},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for _, tick := range []float64{100, 99, 97, 96} {
		prices.prices["BTCUSDT"] = tick
		m.sweep(ctx)
		if _, open := exec.GetPosition(p.ID); !open {
			t.Fatalf("position closed early at tick %v", tick)
		}
	}

	prices.prices["BTCUSDT"] = 94
	m.sweep(ctx)

	if _, open := exec.GetPosition(p.ID); open {
		t.Fatal("position must close once price crosses the stop")
	}
	positions := exec.Positions()
	if len(positions) != 0 {
		t.Fatalf("expected no open positions, got %d", len(positions))
	}
}

func TestStopLossCloseBooksLossAtCrossingPrice(t *testing.T) {
	bus := events.NewBus(nil)
	closes := bus.Subscribe(events.EventPositionClosed, 4)
	exec := executor.NewPaperExecutor(10_000, nil, bus, metrics.New(), zerolog.Nop())
	prices := &stubPrices{prices: make(map[string]float64)}
	m := NewMonitor(exec, prices, metrics.New(), zerolog.Nop())
	ctx := context.Background()

	p, _ := exec.OpenLong(ctx, executor.OpenRequest{
		Symbol: "BTCUSDT", Price: 100, SizePct: 0.02, StopLoss: 95,
	})
	qty := p.Quantity
	entryFee := p.Commission

	prices.prices["BTCUSDT"] = 94
	m.sweep(ctx)

	select {
	case ev := <-closes:
		change := ev.Data.(events.PositionChange)
		if change.Reason != "sl" {
			t.Errorf("expected reason sl, got %q", change.Reason)
		}
		approx(t, "close price", change.Price, 94)
	default:
		t.Fatal("expected a position-closed event")
	}

	// Closed at 94: the balance reflects the gross loss and both commissions.
	exitFee := 94 * qty * executor.PaperCommissionRate
	wantBalance := 10_000 - entryFee - exitFee + (94-100)*qty
	approx(t, "balance", exec.Balance(), wantBalance)
}

func TestTrailingStopReanchorsFromHighWaterMark(t *testing.T) {
	m, exec, prices := newTestMonitor()
	ctx := context.Background()

	p, err := exec.OpenLong(ctx, executor.OpenRequest{
		Symbol: "BTCUSDT", Price: 100, SizePct: 0.02, TrailingPct: 0.02,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	approx(t, "initial trailing stop", p.StopLoss, 98)

	steps := []struct {
		tick     float64
		wantStop float64
		open     bool
	}{
		{100, 98, true},
		{102, 99.96, true},
		{105, 102.9, true},
		{103.9, 102.9, true},
		{102.8, 102.9, false},
	}
	for _, step := range steps {
		prices.prices["BTCUSDT"] = step.tick
		m.sweep(ctx)

		got, open := exec.GetPosition(p.ID)
		if open != step.open {
			t.Fatalf("tick %v: open=%v, want %v", step.tick, open, step.open)
		}
		if open {
			approx(t, "stop after tick", got.StopLoss, step.wantStop)
		}
	}
}

func TestTrailingStopNeverLoosens(t *testing.T) {
	m, exec, prices := newTestMonitor()
	ctx := context.Background()

	p, _ := exec.OpenLong(ctx, executor.OpenRequest{
		Symbol: "BTCUSDT", Price: 100, SizePct: 0.02, TrailingPct: 0.02,
	})

	prices.prices["BTCUSDT"] = 110
	m.sweep(ctx)
	got, _ := exec.GetPosition(p.ID)
	approx(t, "raised stop", got.StopLoss, 107.8)

	// Price drops but stays above the stop: the stop must not follow down.
	prices.prices["BTCUSDT"] = 108
	m.sweep(ctx)
	got, open := exec.GetPosition(p.ID)
	if !open {
		t.Fatal("108 is above the 107.8 stop, position must stay open")
	}
	approx(t, "stop held", got.StopLoss, 107.8)
}

func TestShortTrailingStopFollowsLowWaterMark(t *testing.T) {
	m, exec, prices := newTestMonitor()
	ctx := context.Background()

	p, _ := exec.OpenShort(ctx, executor.OpenRequest{
		Symbol: "ETHUSDT", Price: 100, SizePct: 0.02, TrailingPct: 0.02,
	})
	approx(t, "initial short stop", p.StopLoss, 102)

	prices.prices["ETHUSDT"] = 90
	m.sweep(ctx)
	got, _ := exec.GetPosition(p.ID)
	approx(t, "tightened short stop", got.StopLoss, 91.8)

	prices.prices["ETHUSDT"] = 92
	m.sweep(ctx)
	if _, open := exec.GetPosition(p.ID); open {
		t.Fatal("short must close when price rises through the trailing stop")
	}
}

func TestStopLossWinsWhenBothLevelsCross(t *testing.T) {
	m, exec, prices := newTestMonitor()
	ctx := context.Background()

	p, _ := exec.OpenLong(ctx, executor.OpenRequest{
		Symbol: "BTCUSDT", Price: 100, SizePct: 0.02, StopLoss: 105, TakeProfits: []float64{105},
	})

	prices.prices["BTCUSDT"] = 105
	m.sweep(ctx)

	if _, open := exec.GetPosition(p.ID); open {
		t.Fatal("position must close")
	}
}

func TestTakeProfitCloses(t *testing.T) {
	m, exec, prices := newTestMonitor()
	ctx := context.Background()

	p, _ := exec.OpenLong(ctx, executor.OpenRequest{
		Symbol: "BTCUSDT", Price: 100, SizePct: 0.02, TakeProfits: []float64{110},
	})

	prices.prices["BTCUSDT"] = 109
	m.sweep(ctx)
	if _, open := exec.GetPosition(p.ID); !open {
		t.Fatal("109 is below the target, position must stay open")
	}

	prices.prices["BTCUSDT"] = 110
	m.sweep(ctx)
	if _, open := exec.GetPosition(p.ID); open {
		t.Fatal("position must close at the take-profit level")
	}
}

func TestMissingPriceSkipsPosition(t *testing.T) {
	m, exec, _ := newTestMonitor()
	ctx := context.Background()

	p, _ := exec.OpenLong(ctx, executor.OpenRequest{
		Symbol: "BTCUSDT", Price: 100, SizePct: 0.02, StopLoss: 95,
	})

	// No ticker entry for the symbol: the sweep must leave it alone.
	m.sweep(ctx)
	if _, open := exec.GetPosition(p.ID); !open {
		t.Fatal("position must survive a sweep without a price")
	}
}

func TestTakeProfitLadderRealizesTranches(t *testing.T) {
	m, exec, prices := newTestMonitor()
	ctx := context.Background()

	p, _ := exec.OpenLong(ctx, executor.OpenRequest{
		Symbol: "BTCUSDT", Price: 100, SizePct: 0.02, TakeProfits: []float64{110, 120},
	})
	full := p.Quantity

	// First level: half the original quantity comes off, the level drops.
	prices.prices["BTCUSDT"] = 110
	m.sweep(ctx)
	got, open := exec.GetPosition(p.ID)
	if !open {
		t.Fatal("crossing the first level must not flatten the position")
	}
	approx(t, "tranche quantity", got.Quantity, full/2)
	if len(got.TakeProfits) != 1 || got.TakeProfits[0] != 120 {
		t.Fatalf("expected ladder [120], got %v", got.TakeProfits)
	}

	// Between levels nothing happens.
	prices.prices["BTCUSDT"] = 115
	m.sweep(ctx)
	if _, open := exec.GetPosition(p.ID); !open {
		t.Fatal("115 is below the remaining level, position must stay open")
	}

	// Last level closes the rest.
	prices.prices["BTCUSDT"] = 120
	m.sweep(ctx)
	if _, open := exec.GetPosition(p.ID); open {
		t.Fatal("the last ladder level must close the position")
	}
}

func TestShortTakeProfitLadder(t *testing.T) {
	m, exec, prices := newTestMonitor()
	ctx := context.Background()

	p, _ := exec.OpenShort(ctx, executor.OpenRequest{
		Symbol: "ETHUSDT", Price: 100, SizePct: 0.02, TakeProfits: []float64{90, 80},
	})
	full := p.Quantity

	prices.prices["ETHUSDT"] = 90
	m.sweep(ctx)
	got, open := exec.GetPosition(p.ID)
	if !open {
		t.Fatal("first short level must realize a tranche, not a full close")
	}
	approx(t, "short tranche quantity", got.Quantity, full/2)

	prices.prices["ETHUSDT"] = 80
	m.sweep(ctx)
	if _, open := exec.GetPosition(p.ID); open {
		t.Fatal("the last short level must close the position")
	}
}
