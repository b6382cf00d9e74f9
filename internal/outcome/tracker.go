package outcome

import (
	"context"
	"errors"
	"sync"
	"time"

	"market-intel-backend/config"
	"market-intel-backend/internal/logging"
	"market-intel-backend/internal/signal"
)

// maxPriceAge bounds how stale a cached or stored price may be before
// the tracker falls through to the next source in the chain.
const maxPriceAge = 5 * time.Minute

// Store is the persistence surface the tracker drives.
type Store interface {
	OpenOutcomes(ctx context.Context) ([]*signal.Outcome, error)
	FindByID(ctx context.Context, id int64) (*signal.Signal, error)
	UpdateOutcome(ctx context.Context, o *signal.Outcome) error
}

// CachedPrices reads the in-memory bar cache.
type CachedPrices interface {
	LatestPrice(symbol string) (float64, time.Time, bool)
}

// StoredPrices reads the shared last-price store.
type StoredPrices interface {
	Get(ctx context.Context, symbol string) (float64, time.Time, bool)
}

// LivePrices is the provider fallback when both stores miss.
type LivePrices interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// Tracker fills outcome price slots as signals age past their horizons.
// Each slot is written once; returns are always recomputed from the
// signal's entry price so a row is internally consistent after every
// update.
type Tracker struct {
	store    Store
	cache    CachedPrices
	prices   StoredPrices
	provider LivePrices
	log      *logging.Logger

	interval time.Duration
	now      func() time.Time

	lockMu sync.Mutex
	locks  map[int64]*sync.Mutex

	filled    int64
	completed int64
	statsMu   sync.Mutex

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewTracker creates a tracker. cache, prices and provider may each be
// nil; the price chain skips absent sources.
func NewTracker(cfg *config.OutcomeConfig, store Store, cache CachedPrices, prices StoredPrices, provider LivePrices, log *logging.Logger) *Tracker {
	interval := time.Duration(cfg.TickSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Tracker{
		store:    store,
		cache:    cache,
		prices:   prices,
		provider: provider,
		log:      log.WithComponent("outcome-tracker"),
		interval: interval,
		now:      time.Now,
		locks:    make(map[int64]*sync.Mutex),
		stopChan: make(chan struct{}),
	}
}

// Start runs the tick loop until Stop or context cancellation.
func (t *Tracker) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.Tick(ctx); err != nil {
					t.log.Error("outcome tick failed", "error", err)
				}
			case <-t.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the tick loop and waits for the current tick to finish.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
	t.wg.Wait()
}

// Tick processes every open outcome once, in ascending signal id order.
// A failure on one outcome is logged and does not block the rest.
func (t *Tracker) Tick(ctx context.Context) error {
	outcomes, err := t.store.OpenOutcomes(ctx)
	if err != nil {
		return err
	}

	for _, o := range outcomes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := t.process(ctx, o); err != nil {
			t.log.Warn("outcome update failed",
				"signal_id", o.SignalID, "error", err)
		}
	}
	return nil
}

func (t *Tracker) lockFor(signalID int64) *sync.Mutex {
	t.lockMu.Lock()
	defer t.lockMu.Unlock()
	mu, ok := t.locks[signalID]
	if !ok {
		mu = &sync.Mutex{}
		t.locks[signalID] = mu
	}
	return mu
}

func (t *Tracker) process(ctx context.Context, o *signal.Outcome) error {
	mu := t.lockFor(o.SignalID)
	mu.Lock()
	defer mu.Unlock()

	sig, err := t.store.FindByID(ctx, o.SignalID)
	if errors.Is(err, signal.ErrSignalMissing) {
		t.log.Warn("outcome orphaned, signal row gone", "signal_id", o.SignalID)
		return nil
	}
	if err != nil {
		return err
	}

	elapsed := t.now().Sub(sig.TriggeredAt)

	var (
		price   float64
		haveP   bool
		tried   bool
		changed bool
	)
	for _, s := range slots(o) {
		if elapsed < s.horizon.Elapsed {
			break
		}
		if *s.price != nil {
			continue
		}
		if !tried {
			price, haveP = t.price(ctx, sig.Symbol)
			tried = true
		}
		if !haveP {
			// Slot stays null; the next tick retries.
			continue
		}
		*s.price = signal.Float(price)
		changed = true
	}

	if !changed {
		return nil
	}

	for _, s := range slots(o) {
		if *s.price != nil {
			*s.ret = signal.Float(signal.Return(sig.CurrentPrice, **s.price))
		}
	}
	o.IsComplete = o.Price1M != nil

	if err := t.store.UpdateOutcome(ctx, o); err != nil {
		return err
	}

	t.statsMu.Lock()
	t.filled++
	if o.IsComplete {
		t.completed++
	}
	t.statsMu.Unlock()

	if o.IsComplete {
		t.releaseLock(o.SignalID)
		t.log.Info("outcome complete", "signal_id", o.SignalID)
	}
	return nil
}

func (t *Tracker) releaseLock(signalID int64) {
	t.lockMu.Lock()
	delete(t.locks, signalID)
	t.lockMu.Unlock()
}

// price walks the source chain: fresh cache bar, then the shared price
// store, then a live provider call.
func (t *Tracker) price(ctx context.Context, symbol string) (float64, bool) {
	now := t.now()

	if t.cache != nil {
		if p, ts, ok := t.cache.LatestPrice(symbol); ok && now.Sub(ts) <= maxPriceAge {
			return p, true
		}
	}
	if t.prices != nil {
		if p, ts, ok := t.prices.Get(ctx, symbol); ok && now.Sub(ts) <= maxPriceAge {
			return p, true
		}
	}
	if t.provider != nil {
		p, _, err := t.provider.GetCurrentPrice(ctx, symbol)
		if err != nil {
			t.log.Warn("price lookup failed", "symbol", symbol, "error", err)
			return 0, false
		}
		return p, true
	}
	return 0, false
}

// Stats returns the number of outcome rows updated and completed since
// start.
func (t *Tracker) Stats() (filled, completed int64) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.filled, t.completed
}

type horizonSlot struct {
	horizon signal.Horizon
	price   **float64
	ret     **float64
}

// slots pairs each horizon with its outcome fields, in fill order.
func slots(o *signal.Outcome) []horizonSlot {
	return []horizonSlot{
		{signal.Horizons[0], &o.Price1H, &o.Return1H},
		{signal.Horizons[1], &o.Price4H, &o.Return4H},
		{signal.Horizons[2], &o.Price1D, &o.Return1D},
		{signal.Horizons[3], &o.Price1W, &o.Return1W},
		{signal.Horizons[4], &o.Price1M, &o.Return1M},
	}
}
