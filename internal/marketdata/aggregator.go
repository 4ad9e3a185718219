package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"signal-pipeline/internal/binance"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/kline"
	"signal-pipeline/internal/metrics"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
	pingInterval   = 30 * time.Second
	readTimeout    = 90 * time.Second
	bootstrapLimit = kline.DefaultLimit
	tickerRefresh  = 5 * time.Minute
)

// streamEnvelope is the combined-stream wrapper Binance sends on
// /stream?streams=... connections.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineEvent struct {
	EventType string       `json:"e"`
	Symbol    string       `json:"s"`
	Kline     klinePayload `json:"k"`
}

type klinePayload struct {
	OpenTime            int64   `json:"t"`
	CloseTime           int64   `json:"T"`
	Symbol              string  `json:"s"`
	Interval            string  `json:"i"`
	Open                float64 `json:"o,string"`
	Close               float64 `json:"c,string"`
	High                float64 `json:"h,string"`
	Low                 float64 `json:"l,string"`
	Volume              float64 `json:"v,string"`
	NumberOfTrades      int     `json:"n"`
	IsClosed            bool    `json:"x"`
	QuoteVolume         float64 `json:"q,string"`
	TakerBuyBaseVolume  float64 `json:"V,string"`
	TakerBuyQuoteVolume float64 `json:"Q,string"`
}

type streamKey struct {
	Symbol   string
	Interval string
}

// TickerSnapshot is the per-symbol market context exposed to filters.
type TickerSnapshot struct {
	Symbol             string
	LastPrice          float64
	PriceChangePercent float64
	QuoteVolume        float64
	UpdatedAt          time.Time
}

// Aggregator owns the single multiplexed kline WebSocket connection. It
// seeds the candle cache over REST, then keeps it current from the stream,
// deduplicates closed candles per (symbol, interval, close_time) and
// publishes exactly one CandleClose event per accepted candle.
type Aggregator struct {
	wsURL   string
	client  *binance.Client
	cache   *kline.Cache
	bus     *events.Bus
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu        sync.RWMutex
	symbols   []string
	intervals []string
	lastClose map[streamKey]int64
	tickers   map[string]TickerSnapshot

	connMu sync.Mutex
	conn   *websocket.Conn

	connected    bool
	connectedMu  sync.RWMutex
	disconnected time.Time
	lastEvent    time.Time

	readyOnce sync.Once
	ready     chan struct{}
	resub     chan struct{}
}

// NewAggregator creates the market-data aggregator for the given symbol and
// interval sets.
func NewAggregator(wsURL string, client *binance.Client, cache *kline.Cache, bus *events.Bus, m *metrics.Metrics, log zerolog.Logger, symbols, intervals []string) *Aggregator {
	return &Aggregator{
		wsURL:        wsURL,
		client:       client,
		cache:        cache,
		bus:          bus,
		metrics:      m,
		log:          log.With().Str("component", "Aggregator").Logger(),
		symbols:      append([]string(nil), symbols...),
		intervals:    append([]string(nil), intervals...),
		lastClose:    make(map[streamKey]int64),
		tickers:      make(map[string]TickerSnapshot),
		disconnected: time.Now(),
		ready:        make(chan struct{}),
		resub:        make(chan struct{}, 1),
	}
}

// Bootstrap seeds the candle cache over REST for every (symbol, interval)
// pair and primes the ticker cache. Run before the stream loop so filters
// see a full window from the first closed candle.
func (a *Aggregator) Bootstrap(ctx context.Context) error {
	a.mu.RLock()
	symbols := append([]string(nil), a.symbols...)
	intervals := append([]string(nil), a.intervals...)
	a.mu.RUnlock()

	for _, symbol := range symbols {
		for _, interval := range intervals {
			klines, err := a.client.GetKlines(ctx, symbol, interval, bootstrapLimit)
			if err != nil {
				return fmt.Errorf("bootstrap %s %s: %w", symbol, interval, err)
			}
			a.cache.BulkSet(symbol, interval, klines)

			if len(klines) > 0 {
				a.mu.Lock()
				a.lastClose[streamKey{symbol, interval}] = klines[len(klines)-1].CloseTime
				a.mu.Unlock()
			}
			a.log.Info().Str("symbol", symbol).Str("interval", interval).Int("count", len(klines)).Msg("Seeded candles")
		}
	}

	if err := a.refreshTickers(ctx); err != nil {
		// Ticker context is advisory; a failed refresh does not block startup.
		a.log.Warn().Err(err).Msg("Ticker bootstrap failed")
	}
	return nil
}

// Run drives the connect/read/reconnect loop until the context is
// cancelled. Backoff doubles from 1s to a 60s cap and resets on a
// successful connection.
func (a *Aggregator) Run(ctx context.Context) {
	go a.tickerLoop(ctx)

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := a.connect(ctx)
		if err != nil {
			a.log.Warn().Err(err).Dur("retry_in", backoff).Msg("Connect failed")
			a.metrics.WSReconnects.Inc()
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		a.setConnected(true)
		a.readyOnce.Do(func() { close(a.ready) })
		a.bus.Publish(events.EventStreamReconnected, nil)

		a.readUntilClosed(ctx, conn)
		a.setConnected(false)

		if ctx.Err() != nil {
			return
		}
		a.log.Warn().Msg("Stream closed, reconnecting")
		a.metrics.WSReconnects.Inc()
	}
}

// Ready is closed after the first successful WebSocket connection.
func (a *Aggregator) Ready() <-chan struct{} {
	return a.ready
}

// Resubscribe rebuilds the stream list from the current symbol set by
// forcing a reconnect. Used after a strategy reload changes subscriptions.
func (a *Aggregator) Resubscribe(symbols []string) {
	a.mu.Lock()
	a.symbols = append([]string(nil), symbols...)
	a.mu.Unlock()

	a.connMu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.connMu.Unlock()
}

// IsConnected reports the current stream state.
func (a *Aggregator) IsConnected() bool {
	a.connectedMu.RLock()
	defer a.connectedMu.RUnlock()
	return a.connected
}

// DownSince returns how long the stream has been disconnected, zero when
// connected.
func (a *Aggregator) DownSince() time.Duration {
	a.connectedMu.RLock()
	defer a.connectedMu.RUnlock()
	if a.connected {
		return 0
	}
	return time.Since(a.disconnected)
}

// LastEventAt returns the arrival time of the last stream message.
func (a *Aggregator) LastEventAt() time.Time {
	a.connectedMu.RLock()
	defer a.connectedMu.RUnlock()
	return a.lastEvent
}

// Ticker returns the cached 24h snapshot for a symbol.
func (a *Aggregator) Ticker(symbol string) (TickerSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.tickers[symbol]
	return t, ok
}

func (a *Aggregator) setConnected(v bool) {
	a.connectedMu.Lock()
	defer a.connectedMu.Unlock()
	if a.connected && !v {
		a.disconnected = time.Now()
	}
	a.connected = v
}

func (a *Aggregator) connect(ctx context.Context) (*websocket.Conn, error) {
	a.mu.RLock()
	streams := buildStreamList(a.symbols, a.intervals)
	a.mu.RUnlock()

	url := a.wsURL + "/stream?streams=" + strings.Join(streams, "/")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.wsURL, err)
	}

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()

	a.log.Info().Int("streams", len(streams)).Msg("Stream connected")
	return conn, nil
}

// buildStreamList produces the combined-stream names, one per
// (symbol, interval), in the exchange's lowercase sym@kline_tf form.
func buildStreamList(symbols, intervals []string) []string {
	streams := make([]string, 0, len(symbols)*len(intervals))
	for _, symbol := range symbols {
		for _, interval := range intervals {
			streams = append(streams, strings.ToLower(symbol)+"@kline_"+interval)
		}
	}
	return streams
}

func (a *Aggregator) readUntilClosed(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.log.Warn().Err(err).Msg("Read error")
			}
			return
		}

		a.connectedMu.Lock()
		a.lastEvent = time.Now()
		a.connectedMu.Unlock()

		a.handleMessage(message)
	}
}

func (a *Aggregator) handleMessage(message []byte) {
	var envelope streamEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		a.log.Warn().Err(err).Msg("Malformed stream message")
		return
	}

	var event klineEvent
	if err := json.Unmarshal(envelope.Data, &event); err != nil || event.EventType != "kline" {
		return
	}
	a.handleKline(event.Symbol, event.Kline)
}

// handleKline applies one stream kline payload: open candles are ignored,
// closed candles pass the per-stream close-time dedupe exactly once and
// are cached and published.
func (a *Aggregator) handleKline(symbol string, p klinePayload) {
	if !p.IsClosed {
		return
	}

	k := binance.Kline{
		OpenTime:                 p.OpenTime,
		CloseTime:                p.CloseTime,
		Open:                     p.Open,
		High:                     p.High,
		Low:                      p.Low,
		Close:                    p.Close,
		Volume:                   p.Volume,
		QuoteAssetVolume:         p.QuoteVolume,
		NumberOfTrades:           p.NumberOfTrades,
		TakerBuyBaseAssetVolume:  p.TakerBuyBaseVolume,
		TakerBuyQuoteAssetVolume: p.TakerBuyQuoteVolume,
		IsClosed:                 true,
	}
	k.Enrich()

	key := streamKey{symbol, p.Interval}
	a.mu.Lock()
	if last, ok := a.lastClose[key]; ok && p.CloseTime <= last {
		a.mu.Unlock()
		a.metrics.CandlesDeduped.Inc()
		return
	}
	a.lastClose[key] = p.CloseTime

	if t, ok := a.tickers[symbol]; ok {
		t.LastPrice = k.Close
		t.UpdatedAt = time.Now()
		a.tickers[symbol] = t
	} else {
		a.tickers[symbol] = TickerSnapshot{Symbol: symbol, LastPrice: k.Close, UpdatedAt: time.Now()}
	}
	a.mu.Unlock()

	a.cache.AppendOrUpdate(symbol, p.Interval, k)
	a.metrics.CandlesProcessed.WithLabelValues(p.Interval).Inc()

	a.bus.Publish(events.EventCandleClose, events.CandleClose{
		Symbol:   symbol,
		Interval: p.Interval,
		Kline:    k,
	})
}

func (a *Aggregator) tickerLoop(ctx context.Context) {
	ticker := time.NewTicker(tickerRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.refreshTickers(ctx); err != nil {
				a.log.Warn().Err(err).Msg("Ticker refresh failed")
			}
		}
	}
}

func (a *Aggregator) refreshTickers(ctx context.Context) error {
	tickers, err := a.client.Get24hrTickers(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	wanted := make(map[string]bool, len(a.symbols))
	for _, s := range a.symbols {
		wanted[s] = true
	}
	for _, t := range tickers {
		if !wanted[t.Symbol] {
			continue
		}
		a.tickers[t.Symbol] = TickerSnapshot{
			Symbol:             t.Symbol,
			LastPrice:          t.LastPrice,
			PriceChangePercent: t.PriceChangePercent,
			QuoteVolume:        t.QuoteVolume,
			UpdatedAt:          time.Now(),
		}
	}
	return nil
}
