package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"market-intel-backend/config"
	"market-intel-backend/internal/alert"
	"market-intel-backend/internal/logging"
	"market-intel-backend/internal/market"
	"market-intel-backend/internal/signal"
)

// maxWorkers caps concurrent refresh/detect tasks so the provider and
// database are not swamped by a wide symbol list.
const maxWorkers = 5

// latestFetchCount is how many bars an incremental refresh asks for;
// enough to cover a missed tick without refetching the series.
const latestFetchCount = 3

// SignalStore persists detected signals.
type SignalStore interface {
	SaveSignalWithOutcome(ctx context.Context, s *signal.Signal, dedupWindow time.Duration) error
	MarkAlertSent(ctx context.Context, signalID int64) error
}

// OutcomeTicker runs one outcome pass.
type OutcomeTicker interface {
	Tick(ctx context.Context) error
}

// PatternRunner runs one full pattern pass.
type PatternRunner interface {
	Run(ctx context.Context) (int, error)
}

// PoolChecker samples and adjusts the connection pool.
type PoolChecker interface {
	Check()
}

// Alerter dispatches alerts; nil disables alerting.
type Alerter interface {
	Dispatch(sev alert.Severity, component, title, message string) bool
}

// PriceRecorder mirrors the latest close into the shared price store.
type PriceRecorder interface {
	Set(ctx context.Context, symbol string, price float64, ts time.Time) error
}

// Detector evaluates signal rules over a bar series.
type Detector interface {
	Evaluate(key market.SeriesKey, bars []market.Bar) []signal.Signal
}

// Scheduler is the single time source of the pipeline. It refreshes
// each (symbol, timeframe) series on its natural cadence, runs the
// detector after every new bar, and drives the outcome tracker, pool
// manager and daily pattern pass.
type Scheduler struct {
	cfg      *config.Config
	cache    *market.Cache
	provider market.Provider
	detector Detector
	store    SignalStore
	tracker  OutcomeTicker
	patterns PatternRunner
	pool     PoolChecker
	alerts   Alerter
	prices   PriceRecorder
	log      *logging.Logger

	sem      chan struct{}
	cron     *cron.Cron
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewScheduler wires the pipeline tasks together. tracker, patterns,
// pool, alerts and prices may be nil; the matching task is skipped.
func NewScheduler(
	cfg *config.Config,
	cache *market.Cache,
	provider market.Provider,
	detector Detector,
	store SignalStore,
	tracker OutcomeTicker,
	patterns PatternRunner,
	pool PoolChecker,
	alerts Alerter,
	prices PriceRecorder,
	log *logging.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		cache:    cache,
		provider: provider,
		detector: detector,
		store:    store,
		tracker:  tracker,
		patterns: patterns,
		pool:     pool,
		alerts:   alerts,
		prices:   prices,
		log:      log.WithComponent("scheduler"),
		sem:      make(chan struct{}, maxWorkers),
		stopChan: make(chan struct{}),
	}
}

// Start launches every periodic task. The context cancels them as a
// group; Stop waits for in-flight work.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, symbol := range s.cfg.DetectorConfig.Symbols {
		for _, tf := range s.cfg.DetectorConfig.Timeframes {
			dur, ok := market.TimeframeDuration(tf)
			if !ok {
				return fmt.Errorf("unsupported timeframe %q", tf)
			}
			key := market.SeriesKey{Symbol: symbol, Timeframe: tf}
			s.wg.Add(1)
			go s.refreshLoop(ctx, key, dur)
		}
	}

	if s.tracker != nil {
		interval := time.Duration(s.cfg.OutcomeConfig.TickSeconds) * time.Second
		s.periodic(ctx, "outcome-tick", interval, func() {
			if err := s.tracker.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("outcome tick failed", "error", err)
			}
		})
	}

	if s.pool != nil {
		s.periodic(ctx, "pool-check", s.cfg.PoolConfig.AdjustmentInterval, func() {
			s.pool.Check()
		})
	}

	if s.patterns != nil {
		s.cron = cron.New()
		_, err := s.cron.AddFunc("0 0 * * *", func() {
			if _, err := s.patterns.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("pattern run failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule pattern run: %w", err)
		}
		s.cron.Start()
	}

	s.log.Info("scheduler started",
		"symbols", len(s.cfg.DetectorConfig.Symbols),
		"timeframes", len(s.cfg.DetectorConfig.Timeframes),
		"workers", maxWorkers)
	return nil
}

// Stop halts all periodic tasks and waits for running ones to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
}

func (s *Scheduler) periodic(ctx context.Context, name string, interval time.Duration, task func()) {
	if interval <= 0 {
		s.log.Warn("periodic task disabled, no interval", "task", name)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				task()
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) refreshLoop(ctx context.Context, key market.SeriesKey, cadence time.Duration) {
	defer s.wg.Done()

	// Cold-start load, then tick on the bar cadence.
	s.withWorker(ctx, func() { s.Refresh(ctx, key) })

	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.withWorker(ctx, func() { s.Refresh(ctx, key) })
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// withWorker runs task under the worker semaphore. A free slot is
// taken even when shutdown has begun; Stop waits for the task.
func (s *Scheduler) withWorker(ctx context.Context, task func()) {
	select {
	case s.sem <- struct{}{}:
	default:
		select {
		case s.sem <- struct{}{}:
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
	defer func() { <-s.sem }()
	task()
}

// Refresh brings one series up to date and runs the detector when a new
// bar arrived. A cold or stale series is reloaded whole; otherwise only
// the newest bars are fetched and appended.
func (s *Scheduler) Refresh(ctx context.Context, key market.SeriesKey) {
	cached := s.cache.GetSeries(key.Symbol, key.Timeframe)

	if len(cached) == 0 || !s.cache.Fresh(key.Symbol, key.Timeframe) {
		bars, err := s.provider.GetBars(ctx, key.Symbol, key.Timeframe, s.cfg.CacheConfig.MaxBarsPerSeries)
		if err != nil {
			s.log.Warn("series reload failed", "series", key.String(), "error", err)
			return
		}
		if len(bars) == 0 {
			return
		}
		s.cache.Replace(key.Symbol, key.Timeframe, bars)
		s.recordPrice(ctx, bars[len(bars)-1])
		s.Detect(ctx, key)
		return
	}

	bars, err := s.provider.GetBars(ctx, key.Symbol, key.Timeframe, latestFetchCount)
	if err != nil {
		s.log.Warn("series refresh failed", "series", key.String(), "error", err)
		return
	}

	appended := false
	for _, bar := range bars {
		switch err := s.cache.Append(bar); {
		case err == nil:
			appended = true
		case errors.Is(err, market.ErrStaleBar):
			// Already have it.
		default:
			s.log.Warn("bar rejected", "series", key.String(), "error", err)
		}
	}
	if !appended {
		return
	}
	s.recordPrice(ctx, bars[len(bars)-1])
	s.Detect(ctx, key)
}

// OnBar handles a streamed bar: append, then detect. Runs on a worker
// so a slow database cannot stall the stream reader.
func (s *Scheduler) OnBar(ctx context.Context, bar market.Bar) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.withWorker(ctx, func() {
			switch err := s.cache.Append(bar); {
			case err == nil:
				s.recordPrice(ctx, bar)
				s.Detect(ctx, market.SeriesKey{Symbol: bar.Symbol, Timeframe: bar.Timeframe})
			case errors.Is(err, market.ErrStaleBar):
			default:
				s.log.Warn("streamed bar rejected",
					"symbol", bar.Symbol, "timeframe", bar.Timeframe, "error", err)
			}
		})
	}()
}

func (s *Scheduler) recordPrice(ctx context.Context, bar market.Bar) {
	if s.prices == nil {
		return
	}
	if err := s.prices.Set(ctx, bar.Symbol, bar.Close, bar.Ts); err != nil {
		s.log.Debug("price store update failed", "symbol", bar.Symbol, "error", err)
	}
}

// Detect runs the rule set over the cached series and persists every
// proposed signal. Duplicates inside the dedup window are dropped
// silently; persisted signals are alerted and marked.
func (s *Scheduler) Detect(ctx context.Context, key market.SeriesKey) {
	bars := s.cache.GetSeries(key.Symbol, key.Timeframe)
	if len(bars) < 2 {
		return
	}

	for _, sig := range s.detector.Evaluate(key, bars) {
		s.persist(ctx, sig)
	}
}

func (s *Scheduler) persist(ctx context.Context, sig signal.Signal) {
	window := s.cfg.DetectorConfig.DedupWindow(sig.SignalType)
	err := s.store.SaveSignalWithOutcome(ctx, &sig, window)
	if errors.Is(err, signal.ErrDuplicateSignal) {
		s.log.Debug("duplicate signal dropped",
			"symbol", sig.Symbol, "type", sig.SignalType, "window", window)
		return
	}
	if err != nil {
		s.log.Error("signal persist failed",
			"symbol", sig.Symbol, "type", sig.SignalType, "error", err)
		return
	}

	s.log.Info("signal detected",
		"symbol", sig.Symbol, "type", sig.SignalType,
		"timeframe", sig.Timeframe, "price", sig.CurrentPrice)

	if s.alerts == nil {
		return
	}
	title := fmt.Sprintf("%s %s", sig.Symbol, sig.SignalType)
	message := fmt.Sprintf("%s on %s at %.8g (%s market)",
		sig.SignalType, sig.Timeframe, sig.CurrentPrice, sig.MarketCondition)
	if sig.SignalStrength != nil {
		message += fmt.Sprintf(", strength %.2f%%", *sig.SignalStrength)
	}
	if !s.alerts.Dispatch(alert.SeverityInfo, "signal-detector", title, message) {
		return
	}
	if err := s.store.MarkAlertSent(ctx, sig.ID); err != nil {
		s.log.Warn("mark alert sent failed", "signal_id", sig.ID, "error", err)
	}
}
