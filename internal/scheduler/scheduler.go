package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-pipeline/internal/binance"
	"signal-pipeline/internal/database"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/kline"
	"signal-pipeline/internal/marketdata"
	"signal-pipeline/internal/metrics"
	sandbox "signal-pipeline/internal/runtime"
	"signal-pipeline/internal/strategy"
)

// MaxInFlightPerStrategy caps concurrent evaluations of one strategy.
const MaxInFlightPerStrategy = 10

// SignalSink receives edge-triggered matches. The lifecycle manager
// implements it.
type SignalSink interface {
	OnMatch(ctx context.Context, st strategy.Strategy, symbol, interval string, candleTime int64)
}

// StrategyStore is the slice of the persistence gateway the scheduler needs.
type StrategyStore interface {
	ListEnabledStrategies(ctx context.Context) ([]strategy.Strategy, error)
	UpdateStrategyStatus(ctx context.Context, id string, enabled bool, reason string) error
	UpdateStrategyErrors(ctx context.Context, id string, n int) error
	ListSignalsByState(ctx context.Context, states ...string) ([]database.Signal, error)
	AdvanceSignalState(ctx context.Context, id, from, to string) (bool, error)
}

// TickerSource supplies the per-symbol market snapshot filters may read.
type TickerSource interface {
	Ticker(symbol string) (marketdata.TickerSnapshot, bool)
}

type edgeKey struct {
	strategyID string
	symbol     string
}

type evalJob struct {
	st         strategy.Strategy
	symbol     string
	interval   string
	candleTime int64
}

// Scheduler fans closed candles out to strategy filters over a fixed worker
// pool. Evaluation is edge-triggered: a signal is emitted only when a
// filter flips from no-match to match for a (strategy, symbol) pair.
// Strategies that error on five consecutive evaluations are disabled and
// their in-flight signals expired.
type Scheduler struct {
	bus     *events.Bus
	cache   *kline.Cache
	tickers TickerSource
	store   StrategyStore
	sandbox *sandbox.Sandbox
	sink    SignalSink
	metrics *metrics.Metrics
	logger  zerolog.Logger
	workers int

	mu         sync.RWMutex
	strategies map[string]*strategy.Strategy
	semaphores map[string]chan struct{}

	edgeMu    sync.Mutex
	prevMatch map[edgeKey]bool
	edgeLocks map[edgeKey]*sync.Mutex
}

// NewScheduler creates a scheduler with a CPU-count worker pool.
func NewScheduler(bus *events.Bus, cache *kline.Cache, tickers TickerSource, store StrategyStore, sb *sandbox.Sandbox, sink SignalSink, m *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		bus:        bus,
		cache:      cache,
		tickers:    tickers,
		store:      store,
		sandbox:    sb,
		sink:       sink,
		metrics:    m,
		logger:     logger.With().Str("component", "Scheduler").Logger(),
		workers:    runtime.NumCPU(),
		strategies: make(map[string]*strategy.Strategy),
		semaphores: make(map[string]chan struct{}),
		prevMatch:  make(map[edgeKey]bool),
		edgeLocks:  make(map[edgeKey]*sync.Mutex),
	}
}

// Reload replaces the active strategy set from the store. Strategies that
// fail validation are skipped. Returns the number of active strategies.
func (s *Scheduler) Reload(ctx context.Context) (int, error) {
	list, err := s.store.ListEnabledStrategies(ctx)
	if err != nil {
		return 0, err
	}

	active := make(map[string]*strategy.Strategy, len(list))
	for i := range list {
		st := list[i]
		if err := st.Validate(); err != nil {
			s.logger.Warn().Err(err).Str("strategy_id", st.ID).Msg("Skipping invalid strategy")
			continue
		}
		active[st.ID] = &st
	}

	s.mu.Lock()
	for id := range s.strategies {
		if _, ok := active[id]; !ok {
			s.sandbox.Invalidate(id)
			delete(s.semaphores, id)
		}
	}
	s.strategies = active
	for id := range active {
		if _, ok := s.semaphores[id]; !ok {
			s.semaphores[id] = make(chan struct{}, MaxInFlightPerStrategy)
		}
	}
	n := len(s.strategies)
	s.mu.Unlock()

	s.metrics.StrategiesActive.Set(float64(n))
	s.logger.Info().Int("strategies", n).Msg("Strategies loaded")
	return n, nil
}

// Run consumes candle-close events until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	candles := s.bus.Subscribe(events.EventCandleClose, events.DefaultBuffer)
	jobs := make(chan evalJob, s.workers*2)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				s.evaluate(ctx, job)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case ev := <-candles:
			cc, ok := ev.Data.(events.CandleClose)
			if !ok {
				continue
			}
			s.dispatch(ctx, cc, jobs)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, cc events.CandleClose, jobs chan<- evalJob) {
	s.mu.RLock()
	matched := make([]evalJob, 0, 4)
	for _, st := range s.strategies {
		if st.TriggerInterval != cc.Interval || !st.WatchesSymbol(cc.Symbol) {
			continue
		}
		matched = append(matched, evalJob{
			st:         *st,
			symbol:     cc.Symbol,
			interval:   cc.Interval,
			candleTime: cc.Kline.OpenTime,
		})
	}
	s.mu.RUnlock()

	for _, job := range matched {
		select {
		case jobs <- job:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context, job evalJob) {
	// The cap bounds concurrency without shedding work: a worker waits for
	// a slot rather than dropping the candle.
	if !s.acquire(ctx, job.st.ID) {
		return
	}
	defer s.release(job.st.ID)

	// Evaluations for one (strategy, symbol) run in candle order so the
	// edge detection below sees a consistent match history.
	lock := s.edgeLock(edgeKey{job.st.ID, job.symbol})
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	match, err := s.runFilter(&job.st, job.symbol, job.interval)
	s.metrics.EvaluationsTotal.Inc()
	s.metrics.EvaluationDur.Observe(time.Since(start).Seconds())

	if err != nil {
		s.onFilterError(ctx, job.st.ID, err)
		return
	}
	s.onFilterSuccess(ctx, job.st.ID)

	key := edgeKey{job.st.ID, job.symbol}
	s.edgeMu.Lock()
	prev := s.prevMatch[key]
	s.prevMatch[key] = match
	s.edgeMu.Unlock()

	if match && !prev {
		s.metrics.SignalsEmitted.Inc()
		s.logger.Info().
			Str("strategy_id", job.st.ID).
			Str("symbol", job.symbol).
			Int64("candle_time", job.candleTime).
			Msg("Filter match edge")
		s.sink.OnMatch(ctx, job.st, job.symbol, job.interval, job.candleTime)
	}
}

func (s *Scheduler) runFilter(st *strategy.Strategy, symbol, interval string) (bool, error) {
	ec := strategy.EvalContext{
		Symbol:   symbol,
		Interval: interval,
		Candles: func(iv string, n int) []binance.Kline {
			return s.cache.GetLatest(symbol, iv, n)
		},
		Ticker: func() (strategy.TickerView, bool) {
			t, ok := s.tickers.Ticker(symbol)
			if !ok {
				return strategy.TickerView{}, false
			}
			return strategy.TickerView{
				LastPrice:          t.LastPrice,
				PriceChangePercent: t.PriceChangePercent,
				QuoteVolume:        t.QuoteVolume,
			}, true
		},
	}

	if st.FilterLanguage == strategy.LanguageNative {
		filter, err := strategy.LookupNative(st.FilterSource)
		if err != nil {
			return false, err
		}
		return filter(ec, st.BarHistory())
	}
	return s.sandbox.Evaluate(st, ec)
}

func (s *Scheduler) onFilterError(ctx context.Context, strategyID string, evalErr error) {
	s.metrics.StrategyErrors.Inc()

	s.mu.Lock()
	st, ok := s.strategies[strategyID]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.ConsecutiveErrors++
	errs := st.ConsecutiveErrors
	disable := errs >= strategy.MaxConsecutiveErrors
	if disable {
		delete(s.strategies, strategyID)
		delete(s.semaphores, strategyID)
	}
	n := len(s.strategies)
	s.mu.Unlock()

	s.logger.Warn().
		Err(evalErr).
		Str("strategy_id", strategyID).
		Int("consecutive_errors", errs).
		Msg("Filter evaluation failed")

	if !disable {
		if err := s.store.UpdateStrategyErrors(ctx, strategyID, errs); err != nil {
			s.logger.Warn().Err(err).Str("strategy_id", strategyID).Msg("Error count update failed")
		}
		return
	}

	s.metrics.StrategiesActive.Set(float64(n))
	s.sandbox.Invalidate(strategyID)
	s.logger.Error().
		Str("strategy_id", strategyID).
		Msg("Strategy disabled after repeated filter errors")

	reason := "disabled after repeated filter errors: " + evalErr.Error()
	if err := s.store.UpdateStrategyStatus(ctx, strategyID, false, reason); err != nil {
		s.logger.Warn().Err(err).Str("strategy_id", strategyID).Msg("Strategy disable update failed")
	}
	s.expireInFlight(ctx, strategyID)
}

func (s *Scheduler) onFilterSuccess(ctx context.Context, strategyID string) {
	s.mu.Lock()
	st, ok := s.strategies[strategyID]
	reset := ok && st.ConsecutiveErrors > 0
	if reset {
		st.ConsecutiveErrors = 0
	}
	s.mu.Unlock()

	if reset {
		if err := s.store.UpdateStrategyErrors(ctx, strategyID, 0); err != nil {
			s.logger.Warn().Err(err).Str("strategy_id", strategyID).Msg("Error count reset failed")
		}
	}
}

// expireInFlight expires every non-terminal signal of a disabled strategy.
func (s *Scheduler) expireInFlight(ctx context.Context, strategyID string) {
	signals, err := s.store.ListSignalsByState(ctx,
		database.SignalStateNew, database.SignalStateMonitoring, database.SignalStateReady)
	if err != nil {
		s.logger.Warn().Err(err).Msg("In-flight signal listing failed")
		return
	}
	for _, sig := range signals {
		if sig.StrategyID != strategyID {
			continue
		}
		if ok, err := s.store.AdvanceSignalState(ctx, sig.ID, sig.State, database.SignalStateExpired); err != nil {
			s.logger.Warn().Err(err).Str("signal_id", sig.ID).Msg("Signal expire failed")
		} else if ok {
			s.bus.Publish(events.EventSignalStateChanged, events.SignalStateChanged{
				SignalID: sig.ID,
				From:     sig.State,
				To:       database.SignalStateExpired,
				Reason:   "strategy disabled",
			})
		}
	}
}

// acquire blocks until a per-strategy slot frees up or the context ends.
func (s *Scheduler) acquire(ctx context.Context, strategyID string) bool {
	s.mu.RLock()
	sem, ok := s.semaphores[strategyID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) release(strategyID string) {
	s.mu.RLock()
	sem, ok := s.semaphores[strategyID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case <-sem:
	default:
	}
}

func (s *Scheduler) edgeLock(key edgeKey) *sync.Mutex {
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()
	lock, ok := s.edgeLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.edgeLocks[key] = lock
	}
	return lock
}
