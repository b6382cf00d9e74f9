package outcome

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"market-intel-backend/config"
	"market-intel-backend/internal/logging"
	"market-intel-backend/internal/signal"
)

type fakeStore struct {
	mu       sync.Mutex
	signals  map[int64]*signal.Signal
	outcomes map[int64]*signal.Outcome
	updates  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		signals:  make(map[int64]*signal.Signal),
		outcomes: make(map[int64]*signal.Outcome),
	}
}

func (f *fakeStore) add(sig *signal.Signal, o *signal.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sig != nil {
		f.signals[sig.ID] = sig
	}
	f.outcomes[o.SignalID] = o
}

func (f *fakeStore) OpenOutcomes(ctx context.Context) ([]*signal.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*signal.Outcome
	for _, o := range f.outcomes {
		if !o.IsComplete {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalID < out[j].SignalID })
	return out, nil
}

func (f *fakeStore) FindByID(ctx context.Context, id int64) (*signal.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sig, ok := f.signals[id]
	if !ok {
		return nil, fmt.Errorf("signal %d: %w", id, signal.ErrSignalMissing)
	}
	return sig, nil
}

func (f *fakeStore) UpdateOutcome(ctx context.Context, o *signal.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return nil
}

type fakeProvider struct {
	mu    sync.Mutex
	price float64
	err   error
	calls int
}

func (f *fakeProvider) GetCurrentPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, time.Time{}, f.err
	}
	return f.price, time.Now(), nil
}

type fakeCache struct {
	price float64
	ts    time.Time
	ok    bool
}

func (f *fakeCache) LatestPrice(symbol string) (float64, time.Time, bool) {
	return f.price, f.ts, f.ok
}

func newTracker(store *fakeStore, cache CachedPrices, provider LivePrices) *Tracker {
	cfg := &config.OutcomeConfig{TickSeconds: 300}
	return NewTracker(cfg, store, cache, nil, provider, logging.Default())
}

func TestTickFillsDueHorizonsInOrder(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.add(
		&signal.Signal{ID: 1, Symbol: "BTCUSDT", CurrentPrice: 100, TriggeredAt: now.Add(-5 * time.Hour)},
		&signal.Outcome{ID: 10, SignalID: 1},
	)
	provider := &fakeProvider{price: 103}
	tr := newTracker(store, nil, provider)
	tr.now = func() time.Time { return now }

	if err := tr.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	o := store.outcomes[1]
	if o.Price1H == nil || *o.Price1H != 103 {
		t.Errorf("price_1h = %v, want 103", o.Price1H)
	}
	if o.Price4H == nil || *o.Price4H != 103 {
		t.Errorf("price_4h = %v, want 103", o.Price4H)
	}
	if o.Return1H == nil || *o.Return1H != 3.0 {
		t.Errorf("return_1h = %v, want 3.0", o.Return1H)
	}
	if o.Price1D != nil || o.Price1W != nil || o.Price1M != nil {
		t.Error("horizons past elapsed time must stay null")
	}
	if o.IsComplete {
		t.Error("outcome must not be complete before the final horizon")
	}
	if store.updates != 1 {
		t.Errorf("updates = %d, want 1", store.updates)
	}
	// One price lookup serves all due slots.
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls)
	}
}

func TestPriceSlotsAreWriteOnce(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.add(
		&signal.Signal{ID: 1, Symbol: "BTCUSDT", CurrentPrice: 100, TriggeredAt: now.Add(-5 * time.Hour)},
		&signal.Outcome{ID: 10, SignalID: 1, Price1H: signal.Float(101)},
	)
	tr := newTracker(store, nil, &fakeProvider{price: 103})
	tr.now = func() time.Time { return now }

	if err := tr.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	o := store.outcomes[1]
	if *o.Price1H != 101 {
		t.Errorf("filled slot overwritten: price_1h = %v", *o.Price1H)
	}
	if o.Return1H == nil || *o.Return1H != 1.0 {
		t.Errorf("return_1h = %v, want 1.0 recomputed from entry", o.Return1H)
	}
	if o.Price4H == nil || *o.Price4H != 103 {
		t.Errorf("price_4h = %v, want 103", o.Price4H)
	}
}

func TestCompletionAtFinalHorizon(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.add(
		&signal.Signal{ID: 1, Symbol: "ETHUSDT", CurrentPrice: 200, TriggeredAt: now.Add(-31 * 24 * time.Hour)},
		&signal.Outcome{ID: 10, SignalID: 1},
	)
	tr := newTracker(store, nil, &fakeProvider{price: 220})
	tr.now = func() time.Time { return now }

	if err := tr.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	o := store.outcomes[1]
	for name, p := range map[string]*float64{
		"1h": o.Price1H, "4h": o.Price4H, "1d": o.Price1D, "1w": o.Price1W, "1m": o.Price1M,
	} {
		if p == nil || *p != 220 {
			t.Errorf("price_%s = %v, want 220", name, p)
		}
	}
	if !o.IsComplete {
		t.Error("outcome must be complete once the final slot fills")
	}
	if o.Return1M == nil || *o.Return1M != 10.0 {
		t.Errorf("return_1m = %v, want 10.0", o.Return1M)
	}
	_, completed := tr.Stats()
	if completed != 1 {
		t.Errorf("completed = %d, want 1", completed)
	}
}

func TestOrphanedOutcomeIsSkipped(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// Outcome 7 has no signal row; outcome 9 is healthy.
	store.add(nil, &signal.Outcome{ID: 70, SignalID: 7})
	store.add(
		&signal.Signal{ID: 9, Symbol: "BTCUSDT", CurrentPrice: 100, TriggeredAt: now.Add(-2 * time.Hour)},
		&signal.Outcome{ID: 90, SignalID: 9},
	)
	tr := newTracker(store, nil, &fakeProvider{price: 104})
	tr.now = func() time.Time { return now }

	if err := tr.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	if store.outcomes[7].Price1H != nil {
		t.Error("orphaned outcome must not be filled")
	}
	if store.outcomes[9].Price1H == nil {
		t.Error("healthy outcome after the orphan must still be processed")
	}
}

func TestLookupFailureLeavesSlotsNull(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.add(
		&signal.Signal{ID: 1, Symbol: "BTCUSDT", CurrentPrice: 100, TriggeredAt: now.Add(-5 * time.Hour)},
		&signal.Outcome{ID: 10, SignalID: 1},
	)
	tr := newTracker(store, nil, &fakeProvider{err: errors.New("provider down")})
	tr.now = func() time.Time { return now }

	if err := tr.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	o := store.outcomes[1]
	if o.Price1H != nil || o.Price4H != nil {
		t.Error("slots must stay null when no price source answers")
	}
	if store.updates != 0 {
		t.Errorf("no update should be written, got %d", store.updates)
	}
}

func TestPriceChainPrefersFreshCache(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.add(
		&signal.Signal{ID: 1, Symbol: "BTCUSDT", CurrentPrice: 100, TriggeredAt: now.Add(-2 * time.Hour)},
		&signal.Outcome{ID: 10, SignalID: 1},
	)
	cache := &fakeCache{price: 102, ts: now.Add(-time.Minute), ok: true}
	provider := &fakeProvider{price: 999}
	tr := newTracker(store, cache, provider)
	tr.now = func() time.Time { return now }

	if err := tr.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	if o := store.outcomes[1]; o.Price1H == nil || *o.Price1H != 102 {
		t.Errorf("price_1h = %v, want cache price 102", o.Price1H)
	}
	if provider.calls != 0 {
		t.Errorf("provider must not be consulted when the cache is fresh, calls = %d", provider.calls)
	}
}

func TestStaleCacheFallsThrough(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.add(
		&signal.Signal{ID: 1, Symbol: "BTCUSDT", CurrentPrice: 100, TriggeredAt: now.Add(-2 * time.Hour)},
		&signal.Outcome{ID: 10, SignalID: 1},
	)
	cache := &fakeCache{price: 102, ts: now.Add(-time.Hour), ok: true}
	provider := &fakeProvider{price: 105}
	tr := newTracker(store, cache, provider)
	tr.now = func() time.Time { return now }

	if err := tr.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	if o := store.outcomes[1]; o.Price1H == nil || *o.Price1H != 105 {
		t.Errorf("price_1h = %v, want provider price 105", o.Price1H)
	}
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls)
	}
}

func TestYoungSignalUntouched(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.add(
		&signal.Signal{ID: 1, Symbol: "BTCUSDT", CurrentPrice: 100, TriggeredAt: now.Add(-30 * time.Minute)},
		&signal.Outcome{ID: 10, SignalID: 1},
	)
	provider := &fakeProvider{price: 101}
	tr := newTracker(store, nil, provider)
	tr.now = func() time.Time { return now }

	if err := tr.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	if store.updates != 0 || provider.calls != 0 {
		t.Errorf("nothing due: updates = %d, provider calls = %d", store.updates, provider.calls)
	}
}
