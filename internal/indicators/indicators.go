package indicators

import (
	"math"

	"signal-pipeline/internal/binance"
)

// Every indicator takes the candle window in ascending open-time order and
// reports ok=false when the window is too short to produce a value. Callers
// treat a not-ready indicator as a non-match, never as zero.

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the Simple Moving Average of closes.
func SMA(klines []binance.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Close
	}
	return sum / float64(period), true
}

// EMA calculates the Exponential Moving Average of closes, seeded with the
// SMA of the first period.
func EMA(klines []binance.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}

	seed, _ := SMA(klines[:period], period)
	multiplier := 2.0 / float64(period+1)

	ema := seed
	for i := period; i < len(klines); i++ {
		ema = (klines[i].Close * multiplier) + (ema * (1 - multiplier))
	}
	return ema, true
}

// WMA calculates the linearly Weighted Moving Average of closes.
func WMA(klines []binance.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}

	sum := 0.0
	weightSum := 0.0
	start := len(klines) - period
	for i := 0; i < period; i++ {
		weight := float64(i + 1)
		sum += klines[start+i].Close * weight
		weightSum += weight
	}
	return sum / weightSum, true
}

// VWAP calculates the Volume Weighted Average Price over the period using
// the typical price of each candle.
func VWAP(klines []binance.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}

	priceVolume := 0.0
	volume := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		typical := (klines[i].High + klines[i].Low + klines[i].Close) / 3
		priceVolume += typical * klines[i].Volume
		volume += klines[i].Volume
	}
	if volume == 0 {
		return 0, false
	}
	return priceVolume / volume, true
}

// ============================================================================
// OSCILLATORS
// ============================================================================

// RSI calculates the Relative Strength Index using Wilder smoothing.
func RSI(klines []binance.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period+1 {
		return 0, false
	}

	avgGain := 0.0
	avgLoss := 0.0
	for i := 1; i <= period; i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		gain := 0.0
		loss := 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), true
}

// StochasticResult holds %K and %D of the Stochastic Oscillator.
type StochasticResult struct {
	K float64
	D float64
}

// Stochastic calculates the Stochastic Oscillator over kPeriod with a
// dPeriod SMA smoothing of %K.
func Stochastic(klines []binance.Kline, kPeriod, dPeriod int) (StochasticResult, bool) {
	if kPeriod <= 0 || dPeriod <= 0 || len(klines) < kPeriod+dPeriod-1 {
		return StochasticResult{}, false
	}

	kValues := make([]float64, 0, dPeriod)
	for offset := dPeriod - 1; offset >= 0; offset-- {
		end := len(klines) - offset
		window := klines[end-kPeriod : end]

		highest := window[0].High
		lowest := window[0].Low
		for _, k := range window {
			if k.High > highest {
				highest = k.High
			}
			if k.Low < lowest {
				lowest = k.Low
			}
		}

		if highest == lowest {
			kValues = append(kValues, 50)
			continue
		}
		close := window[len(window)-1].Close
		kValues = append(kValues, (close-lowest)/(highest-lowest)*100)
	}

	d := 0.0
	for _, v := range kValues {
		d += v
	}
	d /= float64(len(kValues))

	return StochasticResult{K: kValues[len(kValues)-1], D: d}, true
}

// StochRSI calculates the Stochastic RSI: the position of the current RSI
// within its own recent range, scaled to 0..100.
func StochRSI(klines []binance.Kline, rsiPeriod, stochPeriod int) (float64, bool) {
	if rsiPeriod <= 0 || stochPeriod <= 0 || len(klines) < rsiPeriod+stochPeriod {
		return 0, false
	}

	rsis := make([]float64, 0, stochPeriod)
	for offset := stochPeriod - 1; offset >= 0; offset-- {
		end := len(klines) - offset
		v, ok := RSI(klines[:end], rsiPeriod)
		if !ok {
			return 0, false
		}
		rsis = append(rsis, v)
	}

	highest := rsis[0]
	lowest := rsis[0]
	for _, v := range rsis {
		if v > highest {
			highest = v
		}
		if v < lowest {
			lowest = v
		}
	}
	if highest == lowest {
		return 50, true
	}
	return (rsis[len(rsis)-1] - lowest) / (highest - lowest) * 100, true
}

// CCI calculates the Commodity Channel Index.
func CCI(klines []binance.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}

	window := klines[len(klines)-period:]
	typicals := make([]float64, period)
	sum := 0.0
	for i, k := range window {
		typicals[i] = (k.High + k.Low + k.Close) / 3
		sum += typicals[i]
	}
	mean := sum / float64(period)

	meanDev := 0.0
	for _, tp := range typicals {
		meanDev += math.Abs(tp - mean)
	}
	meanDev /= float64(period)
	if meanDev == 0 {
		return 0, true
	}

	return (typicals[period-1] - mean) / (0.015 * meanDev), true
}

// WilliamsR calculates Williams %R over the period.
func WilliamsR(klines []binance.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}

	window := klines[len(klines)-period:]
	highest := window[0].High
	lowest := window[0].Low
	for _, k := range window {
		if k.High > highest {
			highest = k.High
		}
		if k.Low < lowest {
			lowest = k.Low
		}
	}
	if highest == lowest {
		return -50, true
	}
	close := window[len(window)-1].Close
	return (highest - close) / (highest - lowest) * -100, true
}

// ROC calculates the Rate of Change in percent over the period.
func ROC(klines []binance.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period+1 {
		return 0, false
	}

	past := klines[len(klines)-1-period].Close
	if past == 0 {
		return 0, false
	}
	return (klines[len(klines)-1].Close - past) / past * 100, true
}

// ============================================================================
// MACD
// ============================================================================

// MACDResult holds the MACD line, signal line and histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD calculates the MACD line and its signal EMA over the full window.
func MACD(klines []binance.Kline, fastPeriod, slowPeriod, signalPeriod int) (MACDResult, bool) {
	if fastPeriod <= 0 || slowPeriod <= fastPeriod || signalPeriod <= 0 {
		return MACDResult{}, false
	}
	if len(klines) < slowPeriod+signalPeriod {
		return MACDResult{}, false
	}

	macdSeries := make([]float64, 0, len(klines)-slowPeriod+1)
	for end := slowPeriod; end <= len(klines); end++ {
		fast, _ := EMA(klines[:end], fastPeriod)
		slow, _ := EMA(klines[:end], slowPeriod)
		macdSeries = append(macdSeries, fast-slow)
	}

	// Signal line is an EMA of the MACD series.
	seed := 0.0
	for _, v := range macdSeries[:signalPeriod] {
		seed += v
	}
	seed /= float64(signalPeriod)

	multiplier := 2.0 / float64(signalPeriod+1)
	signal := seed
	for i := signalPeriod; i < len(macdSeries); i++ {
		signal = (macdSeries[i] * multiplier) + (signal * (1 - multiplier))
	}

	macdLine := macdSeries[len(macdSeries)-1]
	return MACDResult{
		MACD:      macdLine,
		Signal:    signal,
		Histogram: macdLine - signal,
	}, true
}

// ============================================================================
// VOLATILITY BANDS AND CHANNELS
// ============================================================================

// BollingerResult holds the Bollinger band levels.
type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger calculates Bollinger Bands around an SMA of closes.
func Bollinger(klines []binance.Kline, period int, stdDevMultiplier float64) (BollingerResult, bool) {
	middle, ok := SMA(klines, period)
	if !ok {
		return BollingerResult{}, false
	}

	variance := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		diff := klines[i].Close - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))

	return BollingerResult{
		Upper:  middle + stdDevMultiplier*stdDev,
		Middle: middle,
		Lower:  middle - stdDevMultiplier*stdDev,
	}, true
}

// ATR calculates the Average True Range using Wilder smoothing.
func ATR(klines []binance.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period+1 {
		return 0, false
	}

	trueRanges := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		tr := trueRange(klines[i], klines[i-1])
		trueRanges = append(trueRanges, tr)
	}

	atr := 0.0
	for _, tr := range trueRanges[:period] {
		atr += tr
	}
	atr /= float64(period)

	for i := period; i < len(trueRanges); i++ {
		atr = (atr*float64(period-1) + trueRanges[i]) / float64(period)
	}
	return atr, true
}

// KeltnerResult holds the Keltner channel levels.
type KeltnerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Keltner calculates Keltner Channels: EMA of closes banded by a multiple
// of ATR.
func Keltner(klines []binance.Kline, emaPeriod, atrPeriod int, atrMultiplier float64) (KeltnerResult, bool) {
	middle, ok := EMA(klines, emaPeriod)
	if !ok {
		return KeltnerResult{}, false
	}
	atr, ok := ATR(klines, atrPeriod)
	if !ok {
		return KeltnerResult{}, false
	}

	return KeltnerResult{
		Upper:  middle + atrMultiplier*atr,
		Middle: middle,
		Lower:  middle - atrMultiplier*atr,
	}, true
}

// DonchianResult holds the Donchian channel levels.
type DonchianResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Donchian calculates the Donchian Channel over the period.
func Donchian(klines []binance.Kline, period int) (DonchianResult, bool) {
	upper, ok := HighestHigh(klines, period)
	if !ok {
		return DonchianResult{}, false
	}
	lower, _ := LowestLow(klines, period)

	return DonchianResult{
		Upper:  upper,
		Middle: (upper + lower) / 2,
		Lower:  lower,
	}, true
}

// ============================================================================
// TREND STRENGTH
// ============================================================================

// ADX calculates the Average Directional Index using Wilder smoothing of
// +DI and -DI.
func ADX(klines []binance.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < 2*period+1 {
		return 0, false
	}

	n := len(klines) - 1
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	trs := make([]float64, n)

	for i := 1; i < len(klines); i++ {
		upMove := klines[i].High - klines[i-1].High
		downMove := klines[i-1].Low - klines[i].Low
		if upMove > downMove && upMove > 0 {
			plusDM[i-1] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i-1] = downMove
		}
		trs[i-1] = trueRange(klines[i], klines[i-1])
	}

	smPlus := sum(plusDM[:period])
	smMinus := sum(minusDM[:period])
	smTR := sum(trs[:period])

	dxs := make([]float64, 0, n-period+1)
	appendDX := func() {
		if smTR == 0 {
			dxs = append(dxs, 0)
			return
		}
		plusDI := smPlus / smTR * 100
		minusDI := smMinus / smTR * 100
		if plusDI+minusDI == 0 {
			dxs = append(dxs, 0)
			return
		}
		dxs = append(dxs, math.Abs(plusDI-minusDI)/(plusDI+minusDI)*100)
	}
	appendDX()

	for i := period; i < n; i++ {
		smPlus = smPlus - smPlus/float64(period) + plusDM[i]
		smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		smTR = smTR - smTR/float64(period) + trs[i]
		appendDX()
	}

	if len(dxs) < period {
		return 0, false
	}

	adx := sum(dxs[:period]) / float64(period)
	for i := period; i < len(dxs); i++ {
		adx = (adx*float64(period-1) + dxs[i]) / float64(period)
	}
	return adx, true
}

// AroonResult holds Aroon Up and Aroon Down.
type AroonResult struct {
	Up   float64
	Down float64
}

// Aroon calculates the Aroon Up/Down oscillator pair over the period.
func Aroon(klines []binance.Kline, period int) (AroonResult, bool) {
	if period <= 0 || len(klines) < period+1 {
		return AroonResult{}, false
	}

	window := klines[len(klines)-period-1:]
	highIdx := 0
	lowIdx := 0
	for i, k := range window {
		if k.High >= window[highIdx].High {
			highIdx = i
		}
		if k.Low <= window[lowIdx].Low {
			lowIdx = i
		}
	}

	sinceHigh := len(window) - 1 - highIdx
	sinceLow := len(window) - 1 - lowIdx
	return AroonResult{
		Up:   float64(period-sinceHigh) / float64(period) * 100,
		Down: float64(period-sinceLow) / float64(period) * 100,
	}, true
}

// ============================================================================
// PRICE EXTREMES
// ============================================================================

// HighestHigh returns the highest high over the period.
func HighestHigh(klines []binance.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}

	highest := klines[len(klines)-period].High
	for _, k := range klines[len(klines)-period:] {
		if k.High > highest {
			highest = k.High
		}
	}
	return highest, true
}

// LowestLow returns the lowest low over the period.
func LowestLow(klines []binance.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}

	lowest := klines[len(klines)-period].Low
	for _, k := range klines[len(klines)-period:] {
		if k.Low < lowest {
			lowest = k.Low
		}
	}
	return lowest, true
}

// PercentChange returns the percent change of close over the period.
func PercentChange(klines []binance.Kline, period int) (float64, bool) {
	return ROC(klines, period)
}

// ============================================================================
// VOLUME
// ============================================================================

// OBV calculates On-Balance Volume over the whole window.
func OBV(klines []binance.Kline) (float64, bool) {
	if len(klines) < 2 {
		return 0, false
	}

	obv := 0.0
	for i := 1; i < len(klines); i++ {
		switch {
		case klines[i].Close > klines[i-1].Close:
			obv += klines[i].Volume
		case klines[i].Close < klines[i-1].Close:
			obv -= klines[i].Volume
		}
	}
	return obv, true
}

// VolumeSMA calculates the average volume over the period.
func VolumeSMA(klines []binance.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Volume
	}
	return sum / float64(period), true
}

// VolumeChange returns the current volume as a ratio of the period average.
// A value of 2 means the latest candle traded twice the average volume.
func VolumeChange(klines []binance.Kline, period int) (float64, bool) {
	avg, ok := VolumeSMA(klines[:len(klines)-1], period)
	if !ok || avg == 0 {
		return 0, false
	}
	return klines[len(klines)-1].Volume / avg, true
}

// TakerDelta returns the summed taker buy minus taker sell volume over the
// period, a rough aggression gauge.
func TakerDelta(klines []binance.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period {
		return 0, false
	}

	delta := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		delta += klines[i].VolumeDelta
	}
	return delta, true
}

// ============================================================================
// VOLUME PROFILE
// ============================================================================

// HVNBucket is a single price bucket of the volume profile.
type HVNBucket struct {
	PriceLow  float64
	PriceHigh float64
	Volume    float64
}

// VolumeProfile buckets traded volume by the typical price of each candle
// across the period, returning buckets ordered from lowest price. High
// volume nodes are the buckets with the largest Volume.
func VolumeProfile(klines []binance.Kline, period, buckets int) ([]HVNBucket, bool) {
	if period <= 0 || buckets <= 0 || len(klines) < period {
		return nil, false
	}

	window := klines[len(klines)-period:]
	lowest := window[0].Low
	highest := window[0].High
	for _, k := range window {
		if k.Low < lowest {
			lowest = k.Low
		}
		if k.High > highest {
			highest = k.High
		}
	}
	if highest == lowest {
		return nil, false
	}

	width := (highest - lowest) / float64(buckets)
	out := make([]HVNBucket, buckets)
	for i := range out {
		out[i].PriceLow = lowest + float64(i)*width
		out[i].PriceHigh = out[i].PriceLow + width
	}

	for _, k := range window {
		typical := (k.High + k.Low + k.Close) / 3
		idx := int((typical - lowest) / width)
		if idx >= buckets {
			idx = buckets - 1
		}
		if idx < 0 {
			idx = 0
		}
		out[idx].Volume += k.Volume
	}
	return out, true
}

func trueRange(current, previous binance.Kline) float64 {
	highLow := current.High - current.Low
	highClose := math.Abs(current.High - previous.Close)
	lowClose := math.Abs(current.Low - previous.Close)
	return math.Max(highLow, math.Max(highClose, lowClose))
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}
