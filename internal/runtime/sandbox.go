package runtime

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"signal-pipeline/internal/binance"
	"signal-pipeline/internal/indicators"
	"signal-pipeline/internal/strategy"
)

// EvalTimeout is the hard wall-clock ceiling for a single filter run. A
// script that exceeds it is interrupted and the run counts as an error.
const EvalTimeout = 100 * time.Millisecond

type cachedProgram struct {
	hash    [32]byte
	program *goja.Program
}

// Sandbox runs user-supplied JavaScript filters with access limited to the
// candle windows, the ticker snapshot and the indicator catalogue. Each run
// gets a fresh VM; compiled programs are cached per strategy and
// invalidated when the source changes.
type Sandbox struct {
	mu    sync.RWMutex
	cache map[string]cachedProgram
}

// NewSandbox creates an empty sandbox.
func NewSandbox() *Sandbox {
	return &Sandbox{cache: make(map[string]cachedProgram)}
}

// Invalidate drops the cached program for a strategy.
func (s *Sandbox) Invalidate(strategyID string) {
	s.mu.Lock()
	delete(s.cache, strategyID)
	s.mu.Unlock()
}

// Evaluate runs the strategy's filter against the evaluation context. The
// script's completion value decides the match: any truthy value matches.
// Script errors and timeouts are returned as errors, never as matches.
func (s *Sandbox) Evaluate(st *strategy.Strategy, ec strategy.EvalContext) (bool, error) {
	program, err := s.program(st)
	if err != nil {
		return false, err
	}

	vm := goja.New()
	s.bind(vm, st, ec)

	timer := time.AfterFunc(EvalTimeout, func() {
		vm.Interrupt("filter deadline exceeded")
	})
	defer timer.Stop()

	value, err := vm.RunProgram(program)
	if err != nil {
		if _, interrupted := err.(*goja.InterruptedError); interrupted {
			return false, fmt.Errorf("filter timed out after %s", EvalTimeout)
		}
		return false, fmt.Errorf("filter error: %w", err)
	}
	return value.ToBoolean(), nil
}

func (s *Sandbox) program(st *strategy.Strategy) (*goja.Program, error) {
	hash := sha256.Sum256([]byte(st.FilterSource))

	s.mu.RLock()
	cached, ok := s.cache[st.ID]
	s.mu.RUnlock()
	if ok && cached.hash == hash {
		return cached.program, nil
	}

	program, err := goja.Compile("filter-"+st.ID, st.FilterSource, true)
	if err != nil {
		return nil, fmt.Errorf("filter compile error: %w", err)
	}

	s.mu.Lock()
	s.cache[st.ID] = cachedProgram{hash: hash, program: program}
	s.mu.Unlock()
	return program, nil
}

// bind installs the filter API. Indicator functions take a period and an
// optional interval (defaulting to the trigger interval) and return null
// while the window is too short. Scripts may only read the intervals the
// strategy declared; anything else throws.
func (s *Sandbox) bind(vm *goja.Runtime, st *strategy.Strategy, ec strategy.EvalContext) {
	history := st.BarHistory()

	allowed := make(map[string]bool, len(st.RequiredIntervals)+1)
	for _, iv := range st.RequiredIntervals {
		allowed[iv] = true
	}
	allowed[ec.Interval] = true

	requireInterval := func(iv string) {
		if !allowed[iv] {
			panic(vm.NewTypeError("interval %q is not declared by the strategy", iv))
		}
	}

	window := func(call goja.FunctionCall, argIdx int) []binance.Kline {
		interval := ec.Interval
		if len(call.Arguments) > argIdx {
			if iv := call.Argument(argIdx).String(); iv != "" && iv != "undefined" {
				requireInterval(iv)
				interval = iv
			}
		}
		return ec.Candles(interval, history)
	}

	scalar := func(name string, fn func([]binance.Kline, int) (float64, bool)) {
		vm.Set(name, func(call goja.FunctionCall) goja.Value {
			period := int(call.Argument(0).ToInteger())
			v, ok := fn(window(call, 1), period)
			if !ok {
				return goja.Null()
			}
			return vm.ToValue(v)
		})
	}

	scalar("sma", indicators.SMA)
	scalar("ema", indicators.EMA)
	scalar("wma", indicators.WMA)
	scalar("vwap", indicators.VWAP)
	scalar("rsi", indicators.RSI)
	scalar("cci", indicators.CCI)
	scalar("willr", indicators.WilliamsR)
	scalar("roc", indicators.ROC)
	scalar("atr", indicators.ATR)
	scalar("adx", indicators.ADX)
	scalar("highest", indicators.HighestHigh)
	scalar("lowest", indicators.LowestLow)
	scalar("volumeSma", indicators.VolumeSMA)
	scalar("volumeChange", indicators.VolumeChange)
	scalar("takerDelta", indicators.TakerDelta)

	vm.Set("macd", func(call goja.FunctionCall) goja.Value {
		fast := intArg(call, 0, 12)
		slow := intArg(call, 1, 26)
		signal := intArg(call, 2, 9)
		res, ok := indicators.MACD(window(call, 3), fast, slow, signal)
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(map[string]interface{}{
			"macd":      res.MACD,
			"signal":    res.Signal,
			"histogram": res.Histogram,
		})
	})

	vm.Set("bollinger", func(call goja.FunctionCall) goja.Value {
		period := intArg(call, 0, 20)
		mult := floatArg(call, 1, 2)
		res, ok := indicators.Bollinger(window(call, 2), period, mult)
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(map[string]interface{}{
			"upper":  res.Upper,
			"middle": res.Middle,
			"lower":  res.Lower,
		})
	})

	vm.Set("stochastic", func(call goja.FunctionCall) goja.Value {
		kPeriod := intArg(call, 0, 14)
		dPeriod := intArg(call, 1, 3)
		res, ok := indicators.Stochastic(window(call, 2), kPeriod, dPeriod)
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(map[string]interface{}{"k": res.K, "d": res.D})
	})

	vm.Set("donchian", func(call goja.FunctionCall) goja.Value {
		period := intArg(call, 0, 20)
		res, ok := indicators.Donchian(window(call, 1), period)
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(map[string]interface{}{
			"upper":  res.Upper,
			"middle": res.Middle,
			"lower":  res.Lower,
		})
	})

	vm.Set("aroon", func(call goja.FunctionCall) goja.Value {
		period := intArg(call, 0, 25)
		res, ok := indicators.Aroon(window(call, 1), period)
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(map[string]interface{}{"up": res.Up, "down": res.Down})
	})

	vm.Set("obv", func(call goja.FunctionCall) goja.Value {
		v, ok := indicators.OBV(window(call, 0))
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(v)
	})

	vm.Set("candles", func(call goja.FunctionCall) goja.Value {
		n := intArg(call, 0, history)
		interval := ec.Interval
		if len(call.Arguments) > 1 {
			if iv := call.Argument(1).String(); iv != "" && iv != "undefined" {
				requireInterval(iv)
				interval = iv
			}
		}
		klines := ec.Candles(interval, n)
		out := make([]map[string]interface{}, len(klines))
		for i, k := range klines {
			out[i] = map[string]interface{}{
				"openTime":    k.OpenTime,
				"closeTime":   k.CloseTime,
				"open":        k.Open,
				"high":        k.High,
				"low":         k.Low,
				"close":       k.Close,
				"volume":      k.Volume,
				"quoteVolume": k.QuoteAssetVolume,
				"trades":      k.NumberOfTrades,
				"buyVolume":   k.BuyVolume,
				"sellVolume":  k.SellVolume,
				"volumeDelta": k.VolumeDelta,
			}
		}
		return vm.ToValue(out)
	})

	vm.Set("ticker", func(call goja.FunctionCall) goja.Value {
		t, ok := ec.Ticker()
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(map[string]interface{}{
			"lastPrice":          t.LastPrice,
			"priceChangePercent": t.PriceChangePercent,
			"quoteVolume":        t.QuoteVolume,
		})
	})

	vm.Set("symbol", ec.Symbol)
	vm.Set("interval", ec.Interval)
}

func intArg(call goja.FunctionCall, idx, def int) int {
	if len(call.Arguments) <= idx || goja.IsUndefined(call.Argument(idx)) {
		return def
	}
	return int(call.Argument(idx).ToInteger())
}

func floatArg(call goja.FunctionCall, idx int, def float64) float64 {
	if len(call.Arguments) <= idx || goja.IsUndefined(call.Argument(idx)) {
		return def
	}
	return call.Argument(idx).ToFloat()
}
