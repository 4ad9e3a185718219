package executor

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"signal-pipeline/internal/database"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/metrics"
)

func newTestPaper(balance float64) *PaperExecutor {
	return NewPaperExecutor(balance, nil, events.NewBus(nil), metrics.New(), zerolog.Nop())
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s: got %v, want %v", name, got, want)
	}
}

func TestOpenLongSizesFromBalanceFraction(t *testing.T) {
	e := newTestPaper(10_000)
	ctx := context.Background()

	p, err := e.OpenLong(ctx, OpenRequest{
		SignalID:   "sig-1",
		Symbol:     "BTCUSDT",
		Price:      50_000,
		SizePct:    0.02,
		StopLoss:    49_000,
		TakeProfits: []float64{52_000},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 2% of 10000 USDT at 50000 buys 0.004 units.
	approx(t, "quantity", p.Quantity, 0.004)
	approx(t, "entry", p.EntryPrice, 50_000)
	approx(t, "stop loss", p.StopLoss, 49_000)
	if len(p.TakeProfits) != 1 {
		t.Fatalf("expected one take-profit level, got %v", p.TakeProfits)
	}
	approx(t, "take profit", p.TakeProfits[0], 52_000)
	approx(t, "commission", p.Commission, 200*0.001)
	approx(t, "balance", e.Balance(), 10_000-200-0.2)
}

func TestStopLossCloseNetsAllFees(t *testing.T) {
	e := newTestPaper(10_000)
	ctx := context.Background()

	p, err := e.OpenLong(ctx, OpenRequest{Symbol: "BTCUSDT", Price: 100, SizePct: 0.02, StopLoss: 95})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	qty := p.Quantity
	entryFee := p.Commission

	closed, err := e.Close(ctx, p.ID, 94, "sl")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.CloseReason != "sl" {
		t.Errorf("expected reason sl, got %q", closed.CloseReason)
	}

	exitFee := 94 * qty * PaperCommissionRate
	want := (94-100)*qty - entryFee - exitFee
	approx(t, "realized pnl", closed.RealizedPnL, want)
	if closed.RealizedPnL >= 0 {
		t.Error("a stop-loss exit below entry must realize a loss")
	}

	if _, ok := e.GetPosition(p.ID); ok {
		t.Error("closed position must leave the open set")
	}
}

func TestShortProfitsWhenPriceFalls(t *testing.T) {
	e := newTestPaper(10_000)
	ctx := context.Background()

	p, _ := e.OpenShort(ctx, OpenRequest{Symbol: "ETHUSDT", Price: 100, SizePct: 0.05})
	closed, err := e.Close(ctx, p.ID, 90, "tp")
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	gross := (100.0 - 90.0) * p.Quantity
	fees := p.Commission + 90*p.Quantity*PaperCommissionRate
	approx(t, "realized pnl", closed.RealizedPnL, gross-fees)
}

func TestSizePctIsClamped(t *testing.T) {
	e := newTestPaper(10_000)
	ctx := context.Background()

	big, _ := e.OpenLong(ctx, OpenRequest{Symbol: "BTCUSDT", Price: 100, SizePct: 0.5})
	approx(t, "capped quantity", big.Quantity, MaxSizePct*10_000/100)
	e.Close(ctx, big.ID, 100, "test")

	balance := e.Balance()
	small, _ := e.OpenLong(ctx, OpenRequest{Symbol: "BTCUSDT", Price: 100, SizePct: 0.00001})
	approx(t, "floored quantity", small.Quantity, MinSizePct*balance/100)
}

func TestPartialCloseRealizesFraction(t *testing.T) {
	e := newTestPaper(10_000)
	ctx := context.Background()

	p, _ := e.OpenLong(ctx, OpenRequest{Symbol: "BTCUSDT", Price: 100, SizePct: 0.1})
	entryFee := p.Commission
	qty := p.Quantity

	after, err := e.PartialClose(ctx, p.ID, 0.5, 110, "reduce")
	if err != nil {
		t.Fatalf("partial close: %v", err)
	}
	approx(t, "remaining quantity", after.Quantity, qty/2)

	exitFee := 110 * qty / 2 * PaperCommissionRate
	approx(t, "realized pnl", after.RealizedPnL, (110-100)*qty/2-entryFee-exitFee)

	if after.State != database.PositionStateOpen {
		t.Error("partially closed position must stay open")
	}
}

func TestPartialCloseNearOneClosesFully(t *testing.T) {
	e := newTestPaper(10_000)
	ctx := context.Background()

	p, _ := e.OpenLong(ctx, OpenRequest{Symbol: "BTCUSDT", Price: 100, SizePct: 0.02})
	closed, err := e.PartialClose(ctx, p.ID, 1.0, 105, "reduce")
	if err != nil {
		t.Fatalf("partial close: %v", err)
	}
	if closed.State != database.PositionStateClosed {
		t.Error("fraction 1.0 must close the whole position")
	}
}

func TestScaleInAveragesEntry(t *testing.T) {
	e := newTestPaper(10_000)
	ctx := context.Background()

	p, _ := e.OpenLong(ctx, OpenRequest{Symbol: "BTCUSDT", Price: 100, SizePct: 0.02})
	firstQty := p.Quantity

	after, err := e.ScaleIn(ctx, p.ID, 0.02, 110)
	if err != nil {
		t.Fatalf("scale in: %v", err)
	}
	if after.Quantity <= firstQty {
		t.Error("scale-in must grow the position")
	}
	if after.EntryPrice <= 100 || after.EntryPrice >= 110 {
		t.Errorf("averaged entry must land between the fills, got %v", after.EntryPrice)
	}
}

func TestFlipReversesSide(t *testing.T) {
	e := newTestPaper(10_000)
	ctx := context.Background()

	p, _ := e.OpenLong(ctx, OpenRequest{Symbol: "BTCUSDT", Price: 100, SizePct: 0.02})
	flipped, err := e.Flip(ctx, p.ID, 102)
	if err != nil {
		t.Fatalf("flip: %v", err)
	}
	if flipped.Side != database.SideShort {
		t.Errorf("expected short after flipping a long, got %s", flipped.Side)
	}
	if flipped.EntryPrice != 102 {
		t.Errorf("flip must enter at the flip price, got %v", flipped.EntryPrice)
	}
	if _, ok := e.GetPosition(p.ID); ok {
		t.Error("original position must be closed")
	}
}

func TestTrailingStopSeedsImpliedStopLoss(t *testing.T) {
	e := newTestPaper(10_000)
	ctx := context.Background()

	p, _ := e.OpenLong(ctx, OpenRequest{Symbol: "BTCUSDT", Price: 100, SizePct: 0.02, TrailingPct: 0.02})
	approx(t, "implied stop", p.StopLoss, 98)

	short, _ := e.OpenShort(ctx, OpenRequest{Symbol: "ETHUSDT", Price: 100, SizePct: 0.02, TrailingPct: 0.02})
	approx(t, "short implied stop", short.StopLoss, 102)
}

func TestUpdateWaterMarksTracksExtremes(t *testing.T) {
	e := newTestPaper(10_000)
	ctx := context.Background()

	p, _ := e.OpenLong(ctx, OpenRequest{Symbol: "BTCUSDT", Price: 100, SizePct: 0.02})
	for _, mark := range []float64{102, 105, 103.9} {
		if _, err := e.UpdateWaterMarks(ctx, p.ID, mark); err != nil {
			t.Fatalf("update water marks: %v", err)
		}
	}

	got, _ := e.GetPosition(p.ID)
	approx(t, "high water mark", got.HighWaterMark, 105)
	approx(t, "low water mark", got.LowWaterMark, 100)
}

func TestRejectsInvalidInput(t *testing.T) {
	e := newTestPaper(10_000)
	ctx := context.Background()

	if _, err := e.OpenLong(ctx, OpenRequest{Symbol: "BTCUSDT", Price: 0, SizePct: 0.02}); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
	if _, err := e.Close(ctx, "missing", 100, "test"); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}

	p, _ := e.OpenLong(ctx, OpenRequest{Symbol: "BTCUSDT", Price: 100, SizePct: 0.02})
	if _, err := e.PartialClose(ctx, p.ID, 1.5, 100, "test"); !errors.Is(err, ErrInvalidFraction) {
		t.Errorf("expected ErrInvalidFraction, got %v", err)
	}
}
