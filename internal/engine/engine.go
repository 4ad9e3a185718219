package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-pipeline/config"
	"signal-pipeline/internal/binance"
	"signal-pipeline/internal/database"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/executor"
	"signal-pipeline/internal/kline"
	"signal-pipeline/internal/lifecycle"
	"signal-pipeline/internal/marketdata"
	"signal-pipeline/internal/metrics"
	"signal-pipeline/internal/monitor"
	"signal-pipeline/internal/oracle"
	sandbox "signal-pipeline/internal/runtime"
	"signal-pipeline/internal/scheduler"
	"signal-pipeline/internal/strategy"
	"signal-pipeline/internal/vault"
)

const (
	// ConnectBudget bounds how long startup waits for the first WebSocket
	// connection before giving up.
	ConnectBudget = 2 * time.Minute

	// HeartbeatInterval is how often liveness is mirrored to Redis.
	HeartbeatInterval = 30 * time.Second

	// StopTimeout bounds the graceful shutdown.
	StopTimeout = 30 * time.Second
)

// ErrStreamUnavailable is returned when the initial WebSocket connection
// cannot be established within the budget.
var ErrStreamUnavailable = errors.New("market stream unavailable")

// Engine wires the pipeline together and owns its lifecycle.
type Engine struct {
	cfg     *config.Config
	logger  zerolog.Logger
	bus     *events.Bus
	metrics *metrics.Metrics
	cache   *kline.Cache

	aggregator *marketdata.Aggregator
	store      database.Store
	gateway    *database.Gateway
	redis      *database.RedisState
	exec       executor.Executor
	live       *executor.LiveExecutor
	monitor    *monitor.Monitor
	scheduler  *scheduler.Scheduler
	manager    *lifecycle.Manager

	db *database.DB

	symMu   sync.Mutex
	watched []string

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// New builds the engine from configuration. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	m := metrics.New()
	bus := events.NewBus(func(et events.EventType) {
		m.BusDrops.WithLabelValues(string(et)).Inc()
	})
	cache := kline.NewCache(kline.DefaultLimit)

	e := &Engine{
		cfg:      cfg,
		logger:   logger.With().Str("component", "Engine").Logger(),
		bus:      bus,
		metrics:  m,
		cache:    cache,
		shutdown: make(chan struct{}),
	}
	e.watched = append([]string(nil), cfg.Market.Symbols...)
	sort.Strings(e.watched)

	apiKey, secretKey, err := resolveCredentials(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client := binance.NewClient(apiKey, secretKey, cfg.Binance.BaseURL, binance.NewRateLimiter(10))

	if err := e.initStore(ctx, logger, m); err != nil {
		return nil, err
	}

	if cfg.Store.RedisAddr != "" {
		redis, err := database.NewRedisState(cfg.Store.RedisAddr, cfg.Server.MachineID, logger)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Redis unavailable, heartbeats disabled")
		} else {
			e.redis = redis
		}
	}

	e.aggregator = marketdata.NewAggregator(cfg.Market.WSURL, client, cache, bus, m, logger,
		cfg.Market.Symbols, cfg.Market.Intervals)

	if cfg.Trading.PaperOnly {
		if cfg.Trading.ForcedPaper {
			e.logger.Warn().Msg("No exchange credentials, falling back to paper trading")
		}
		e.exec = executor.NewPaperExecutor(cfg.Trading.PaperBalance, e.store, bus, m, logger)
	} else {
		live := executor.NewLiveExecutor(client, e.store, bus, m, logger)
		e.live = live
		e.exec = live
	}

	orc := oracle.NewClient(cfg.Oracle.URL)
	e.manager = lifecycle.NewManager(e.store, orc, e.exec, cache, e.aggregator, bus, m, logger)
	e.scheduler = scheduler.NewScheduler(bus, cache, e.aggregator, e.store, sandbox.NewSandbox(), e.manager, m, logger)
	e.monitor = monitor.NewMonitor(e.watermarker(), e.aggregator, m, logger)
	return e, nil
}

// resolveCredentials prefers Vault, falling back to environment keys.
func resolveCredentials(ctx context.Context, cfg *config.Config) (string, string, error) {
	vc, err := vault.NewClient(cfg.Vault)
	if err != nil {
		return "", "", fmt.Errorf("vault: %w", err)
	}
	if vc.Enabled() {
		creds, err := vc.Credentials(ctx)
		if err == nil {
			return creds.APIKey, creds.SecretKey, nil
		}
		if cfg.Binance.APIKey == "" {
			return "", "", fmt.Errorf("vault credentials: %w", err)
		}
	}
	return cfg.Binance.APIKey, cfg.Binance.SecretKey, nil
}

func (e *Engine) initStore(ctx context.Context, logger zerolog.Logger, m *metrics.Metrics) error {
	fallback := database.NewMemoryStore()
	if e.cfg.Store.DatabaseURL == "" {
		e.logger.Warn().Msg("No DATABASE_URL, running on the in-memory store")
		e.store = fallback
		return nil
	}

	db, err := database.NewDB(e.cfg.Store.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return fmt.Errorf("migrations: %w", err)
	}

	e.db = db
	e.gateway = database.NewGateway(database.NewRepository(db), fallback, logger, func() {
		m.StoreFallbacks.Inc()
	})
	e.store = e.gateway
	return nil
}

// watermarker narrows the executor to the monitor's surface.
func (e *Engine) watermarker() monitor.Executor {
	if e.live != nil {
		return e.live
	}
	return e.exec.(*executor.PaperExecutor)
}

// Start bootstraps market data, loads strategies and launches every loop.
// It returns ErrStreamUnavailable when the stream cannot connect in time.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.aggregator.Bootstrap(runCtx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if _, err := e.ReloadStrategies(runCtx); err != nil {
		e.logger.Warn().Err(err).Msg("Initial strategy load failed")
	}

	e.spawn(func() { e.aggregator.Run(runCtx) })
	e.spawn(func() { e.scheduler.Run(runCtx) })
	e.spawn(func() { e.manager.Run(runCtx) })
	e.spawn(func() { e.monitor.Run(runCtx) })
	if e.live != nil {
		e.spawn(func() { e.live.RunReconciler(runCtx) })
	}
	if e.redis != nil {
		e.spawn(func() { e.heartbeatLoop(runCtx) })
	}

	select {
	case <-e.aggregator.Ready():
	case <-time.After(ConnectBudget):
		cancel()
		return ErrStreamUnavailable
	case <-runCtx.Done():
		return runCtx.Err()
	}

	e.logger.Info().
		Strs("symbols", e.cfg.Market.Symbols).
		Strs("intervals", e.cfg.Market.Intervals).
		Str("mode", e.exec.Mode()).
		Msg("Pipeline running")
	return nil
}

// Stop cancels every loop and waits up to 30 seconds for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(StopTimeout):
		e.logger.Warn().Msg("Shutdown timed out, abandoning workers")
	}

	if e.redis != nil {
		e.redis.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
	e.logger.Info().Msg("Pipeline stopped")
}

// ReloadStrategies refetches the enabled strategies and resubscribes the
// stream when the watched symbol set changed.
func (e *Engine) ReloadStrategies(ctx context.Context) (int, error) {
	n, err := e.scheduler.Reload(ctx)
	if err != nil {
		return 0, err
	}

	list, err := e.store.ListEnabledStrategies(ctx)
	if err != nil {
		return n, nil
	}
	e.manager.TrackStrategies(list)

	// Only force a reconnect when the watched symbol set actually changed.
	symbols := e.watchedSymbols(list)
	e.symMu.Lock()
	changed := !equalStrings(symbols, e.watched)
	if changed {
		e.watched = symbols
	}
	e.symMu.Unlock()
	if changed {
		e.logger.Info().Strs("symbols", symbols).Msg("Symbol set changed, resubscribing")
		e.aggregator.Resubscribe(symbols)
	}
	return n, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// watchedSymbols merges the configured symbols with every strategy symbol.
func (e *Engine) watchedSymbols(list []strategy.Strategy) []string {
	seen := make(map[string]bool)
	for _, s := range e.cfg.Market.Symbols {
		seen[s] = true
	}
	for _, st := range list {
		for _, s := range st.Symbols {
			seen[s] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// heartbeatLoop mirrors liveness and stream progress to Redis.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	candles := e.bus.Subscribe(events.EventCandleClose, events.DefaultBuffer)
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-candles:
			cc, ok := ev.Data.(events.CandleClose)
			if !ok {
				continue
			}
			if err := e.redis.SetLastClose(ctx, cc.Symbol, cc.Interval, cc.Kline.CloseTime); err != nil {
				e.logger.Warn().Err(err).Msg("Last-close write failed")
			}
		case <-ticker.C:
			streams := map[string]time.Time{"kline": e.aggregator.LastEventAt()}
			if err := e.redis.WriteHeartbeat(ctx, streams); err != nil {
				e.logger.Warn().Err(err).Msg("Heartbeat write failed")
			}
		}
	}
}

// Metrics exposes the engine's metric registry to the ops server.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// StreamConnected reports whether the WebSocket is up.
func (e *Engine) StreamConnected() bool {
	return e.aggregator.IsConnected()
}

// StreamDownFor reports how long the stream has been down.
func (e *Engine) StreamDownFor() time.Duration {
	return e.aggregator.DownSince()
}

// StoreHealthy reports whether the primary store is reachable.
func (e *Engine) StoreHealthy() bool {
	if e.gateway == nil {
		return true
	}
	return e.gateway.Healthy()
}

// RequestShutdown asks the process to exit cleanly.
func (e *Engine) RequestShutdown() {
	e.once.Do(func() { close(e.shutdown) })
}

// ShutdownRequested is closed when an HTTP shutdown was requested.
func (e *Engine) ShutdownRequested() <-chan struct{} {
	return e.shutdown
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}
