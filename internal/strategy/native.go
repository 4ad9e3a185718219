package strategy

import (
	"fmt"

	"signal-pipeline/internal/indicators"
)

// NativeFilter is a built-in Go screening rule. Filters return match=true
// only when every indicator they need is ready.
type NativeFilter func(ec EvalContext, history int) (bool, error)

var nativeFilters = map[string]NativeFilter{
	"rsi_oversold":       rsiOversold,
	"rsi_overbought":     rsiOverbought,
	"ema_cross_bullish":  emaCrossBullish,
	"macd_bullish":       macdBullish,
	"volume_spike":       volumeSpike,
	"bollinger_breakout": bollingerBreakout,
}

// LookupNative resolves a built-in filter by name.
func LookupNative(name string) (NativeFilter, error) {
	f, ok := nativeFilters[name]
	if !ok {
		return nil, fmt.Errorf("unknown native filter %q", name)
	}
	return f, nil
}

// NativeFilterNames lists the registered built-in filters.
func NativeFilterNames() []string {
	names := make([]string, 0, len(nativeFilters))
	for name := range nativeFilters {
		names = append(names, name)
	}
	return names
}

func rsiOversold(ec EvalContext, history int) (bool, error) {
	klines := ec.Candles(ec.Interval, history)
	rsi, ok := indicators.RSI(klines, 14)
	if !ok {
		return false, nil
	}
	return rsi < 30, nil
}

func rsiOverbought(ec EvalContext, history int) (bool, error) {
	klines := ec.Candles(ec.Interval, history)
	rsi, ok := indicators.RSI(klines, 14)
	if !ok {
		return false, nil
	}
	return rsi > 70, nil
}

// emaCrossBullish matches on the candle where the fast EMA moves above the
// slow EMA after being at or below it on the previous close.
func emaCrossBullish(ec EvalContext, history int) (bool, error) {
	klines := ec.Candles(ec.Interval, history)
	if len(klines) < 2 {
		return false, nil
	}

	fastNow, ok1 := indicators.EMA(klines, 9)
	slowNow, ok2 := indicators.EMA(klines, 21)
	fastPrev, ok3 := indicators.EMA(klines[:len(klines)-1], 9)
	slowPrev, ok4 := indicators.EMA(klines[:len(klines)-1], 21)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return false, nil
	}
	return fastPrev <= slowPrev && fastNow > slowNow, nil
}

func macdBullish(ec EvalContext, history int) (bool, error) {
	klines := ec.Candles(ec.Interval, history)
	res, ok := indicators.MACD(klines, 12, 26, 9)
	if !ok {
		return false, nil
	}
	return res.Histogram > 0 && res.MACD > res.Signal, nil
}

func volumeSpike(ec EvalContext, history int) (bool, error) {
	klines := ec.Candles(ec.Interval, history)
	ratio, ok := indicators.VolumeChange(klines, 20)
	if !ok {
		return false, nil
	}
	return ratio >= 3, nil
}

func bollingerBreakout(ec EvalContext, history int) (bool, error) {
	klines := ec.Candles(ec.Interval, history)
	bands, ok := indicators.Bollinger(klines, 20, 2)
	if !ok {
		return false, nil
	}
	return klines[len(klines)-1].Close > bands.Upper, nil
}
