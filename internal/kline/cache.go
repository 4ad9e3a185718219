package kline

import (
	"sync"

	"signal-pipeline/internal/binance"
)

// DefaultLimit is the number of closed candles kept per (symbol, interval).
const DefaultLimit = 500

type seriesKey struct {
	Symbol   string
	Interval string
}

type series struct {
	mu      sync.RWMutex
	candles []binance.Kline
}

// Cache holds the rolling window of closed candles for every subscribed
// (symbol, interval) pair. Readers get copies; the cache never hands out
// its internal slices.
type Cache struct {
	mu    sync.RWMutex
	data  map[seriesKey]*series
	limit int
}

// NewCache creates a cache keeping up to limit candles per series. A limit
// of zero or less uses DefaultLimit.
func NewCache(limit int) *Cache {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Cache{
		data:  make(map[seriesKey]*series),
		limit: limit,
	}
}

func (c *Cache) getSeries(symbol, interval string, create bool) *series {
	key := seriesKey{Symbol: symbol, Interval: interval}

	c.mu.RLock()
	s, ok := c.data[key]
	c.mu.RUnlock()
	if ok || !create {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.data[key]; ok {
		return s
	}
	s = &series{candles: make([]binance.Kline, 0, c.limit)}
	c.data[key] = s
	return s
}

// BulkSet replaces the whole series, typically from a REST bootstrap. Input
// is assumed to be in ascending open-time order; only the newest limit
// candles are kept.
func (c *Cache) BulkSet(symbol, interval string, klines []binance.Kline) {
	s := c.getSeries(symbol, interval, true)

	if len(klines) > c.limit {
		klines = klines[len(klines)-c.limit:]
	}
	cp := make([]binance.Kline, len(klines))
	copy(cp, klines)

	s.mu.Lock()
	s.candles = cp
	s.mu.Unlock()
}

// AppendOrUpdate adds a closed candle to the series. A candle with the same
// open time as the newest entry replaces it; older candles are ignored. The
// window is trimmed to the cache limit.
func (c *Cache) AppendOrUpdate(symbol, interval string, k binance.Kline) {
	s := c.getSeries(symbol, interval, true)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.candles)
	if n > 0 {
		last := s.candles[n-1]
		if k.OpenTime == last.OpenTime {
			s.candles[n-1] = k
			return
		}
		if k.OpenTime < last.OpenTime {
			return
		}
	}

	s.candles = append(s.candles, k)
	if len(s.candles) > c.limit {
		s.candles = s.candles[len(s.candles)-c.limit:]
	}
}

// GetLatest returns up to count of the newest candles in ascending order.
// A count of zero or less returns the whole window.
func (c *Cache) GetLatest(symbol, interval string, count int) []binance.Kline {
	s := c.getSeries(symbol, interval, false)
	if s == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.candles)
	if n == 0 {
		return nil
	}
	if count <= 0 || count > n {
		count = n
	}
	out := make([]binance.Kline, count)
	copy(out, s.candles[n-count:])
	return out
}

// LastCloseTime returns the close time of the newest candle, or zero when
// the series is empty.
func (c *Cache) LastCloseTime(symbol, interval string) int64 {
	s := c.getSeries(symbol, interval, false)
	if s == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.candles) == 0 {
		return 0
	}
	return s.candles[len(s.candles)-1].CloseTime
}

// Len returns the number of candles held for a series.
func (c *Cache) Len(symbol, interval string) int {
	s := c.getSeries(symbol, interval, false)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles)
}

// Series lists every (symbol, interval) pair the cache currently tracks.
func (c *Cache) Series() [][2]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([][2]string, 0, len(c.data))
	for key := range c.data {
		out = append(out, [2]string{key.Symbol, key.Interval})
	}
	return out
}
