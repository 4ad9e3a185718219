package runtime

import (
	"strings"
	"testing"

	"signal-pipeline/internal/binance"
	"signal-pipeline/internal/strategy"
)

func risingContext(n int) strategy.EvalContext {
	klines := make([]binance.Kline, n)
	for i := range klines {
		c := 100 + float64(i)
		klines[i] = binance.Kline{
			OpenTime:  int64(i) * 60_000,
			CloseTime: int64(i)*60_000 + 59_999,
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    100,
			IsClosed:  true,
		}
	}
	return strategy.EvalContext{
		Symbol:   "BTCUSDT",
		Interval: "1m",
		Candles: func(interval string, count int) []binance.Kline {
			if count <= 0 || count > len(klines) {
				count = len(klines)
			}
			return klines[len(klines)-count:]
		},
		Ticker: func() (strategy.TickerView, bool) {
			return strategy.TickerView{LastPrice: 100 + float64(n-1), PriceChangePercent: 2.5}, true
		},
	}
}

func jsStrategy(id, source string) *strategy.Strategy {
	return &strategy.Strategy{
		ID:                id,
		Name:              id,
		Enabled:           true,
		Symbols:           []string{"BTCUSDT"},
		FilterLanguage:    strategy.LanguageJS,
		FilterSource:      source,
		RequiredIntervals: []string{"1m"},
		TriggerInterval:   "1m",
	}
}

func TestTruthyCompletionValueMatches(t *testing.T) {
	sandbox := NewSandbox()
	matched, err := sandbox.Evaluate(jsStrategy("s1", `1 + 1 === 2`), risingContext(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Error("expected truthy completion to match")
	}
}

func TestFalsyCompletionValueDoesNotMatch(t *testing.T) {
	sandbox := NewSandbox()
	matched, err := sandbox.Evaluate(jsStrategy("s1", `false`), risingContext(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matched {
		t.Error("expected falsy completion not to match")
	}
}

func TestIndicatorBindingReady(t *testing.T) {
	sandbox := NewSandbox()
	matched, err := sandbox.Evaluate(jsStrategy("s1", `rsi(14) > 90`), risingContext(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Error("expected RSI near 100 on a monotonic rise")
	}
}

func TestIndicatorNotReadyReturnsNull(t *testing.T) {
	sandbox := NewSandbox()
	matched, err := sandbox.Evaluate(jsStrategy("s1", `sma(200) === null`), risingContext(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Error("expected null for a too-short window")
	}
}

func TestCandlesBindingExposesWindow(t *testing.T) {
	sandbox := NewSandbox()
	source := `
		var cs = candles(5);
		cs.length === 5 && cs[4].close > cs[0].close
	`
	matched, err := sandbox.Evaluate(jsStrategy("s1", source), risingContext(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Error("expected rising closes in candle window")
	}
}

func TestTickerBinding(t *testing.T) {
	sandbox := NewSandbox()
	matched, err := sandbox.Evaluate(jsStrategy("s1", `ticker().priceChangePercent > 2`), risingContext(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Error("expected ticker snapshot to be visible")
	}
}

func TestScriptErrorIsNotAMatch(t *testing.T) {
	sandbox := NewSandbox()
	matched, err := sandbox.Evaluate(jsStrategy("s1", `undefinedFunction()`), risingContext(50))
	if err == nil {
		t.Fatal("expected script error")
	}
	if matched {
		t.Error("a failing script must never match")
	}
}

func TestCompileErrorSurfaced(t *testing.T) {
	sandbox := NewSandbox()
	_, err := sandbox.Evaluate(jsStrategy("s1", `this is not javascript`), risingContext(50))
	if err == nil {
		t.Fatal("expected compile error")
	}
}

func TestInfiniteLoopInterrupted(t *testing.T) {
	sandbox := NewSandbox()
	matched, err := sandbox.Evaluate(jsStrategy("s1", `while (true) {}`), risingContext(50))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if matched {
		t.Error("a timed-out script must never match")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected timeout in error, got %v", err)
	}
}

func TestProgramCacheInvalidatedOnSourceChange(t *testing.T) {
	sandbox := NewSandbox()
	st := jsStrategy("s1", `true`)

	matched, err := sandbox.Evaluate(st, risingContext(50))
	if err != nil || !matched {
		t.Fatalf("first evaluation failed: matched=%v err=%v", matched, err)
	}

	st.FilterSource = `false`
	matched, err = sandbox.Evaluate(st, risingContext(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matched {
		t.Error("stale cached program used after source change")
	}
}

func TestUndeclaredIntervalRejected(t *testing.T) {
	sandbox := NewSandbox()
	for _, source := range []string{`candles(5, "5m")`, `sma(3, "5m") !== null`} {
		matched, err := sandbox.Evaluate(jsStrategy("s1", source), risingContext(50))
		if err == nil {
			t.Errorf("expected %q to fail: the strategy only declares 1m", source)
		}
		if matched {
			t.Errorf("%q must not match through an undeclared interval", source)
		}
	}
}

func TestDeclaredIntervalsAccessible(t *testing.T) {
	sandbox := NewSandbox()
	st := jsStrategy("s1", `candles(5, "5m").length === 5`)
	st.RequiredIntervals = []string{"1m", "5m"}

	matched, err := sandbox.Evaluate(st, risingContext(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Error("a declared interval must stay readable")
	}
}

func TestNoHostAccessFromScript(t *testing.T) {
	sandbox := NewSandbox()
	for _, source := range []string{`require("fs")`, `process.exit(1)`, `fetch("http://x")`} {
		if matched, err := sandbox.Evaluate(jsStrategy("s1", source), risingContext(50)); err == nil || matched {
			t.Errorf("expected %q to fail, matched=%v err=%v", source, matched, err)
		}
	}
}
