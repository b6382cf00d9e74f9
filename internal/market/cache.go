package market

import (
	"sync"
	"time"
)

// series is one cached bar series. A single refresh task writes it;
// readers copy under the read lock.
type series struct {
	mu        sync.RWMutex
	bars      []Bar
	updatedAt time.Time
}

// Cache is the in-memory TTL-bounded store of recent bars per
// (symbol, timeframe). Capacity must cover the largest indicator period
// plus one so detectors always see a previous value.
type Cache struct {
	mu      sync.RWMutex
	entries map[SeriesKey]*series

	maxBars int
	ttl     time.Duration
	now     func() time.Time

	statsMu sync.Mutex
	hits    int64
	misses  int64
}

// NewCache creates a cache keeping up to maxBars bars per series, with
// entries considered stale after ttl.
func NewCache(maxBars int, ttl time.Duration) *Cache {
	if maxBars <= 0 {
		maxBars = 400
	}
	return &Cache{
		entries: make(map[SeriesKey]*series),
		maxBars: maxBars,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *Cache) lookup(key SeriesKey, create bool) *series {
	c.mu.RLock()
	s, ok := c.entries[key]
	c.mu.RUnlock()
	if ok || !create {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.entries[key]; ok {
		return s
	}
	s = &series{}
	c.entries[key] = s
	return s
}

// GetSeries returns a copy of the cached bars, oldest first. The slice
// may be empty when nothing has been appended yet.
func (c *Cache) GetSeries(symbol, timeframe string) []Bar {
	s := c.lookup(SeriesKey{Symbol: symbol, Timeframe: timeframe}, false)
	if s == nil {
		c.recordMiss()
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.bars) == 0 {
		c.recordMiss()
		return nil
	}
	c.recordHit()
	out := make([]Bar, len(s.bars))
	copy(out, s.bars)
	return out
}

// Append adds a bar to its series. Bars must arrive in strictly
// increasing ts order; anything else returns ErrStaleBar and leaves the
// series unchanged. The oldest bar is evicted once the series is full.
func (c *Cache) Append(bar Bar) error {
	if err := bar.Validate(); err != nil {
		return err
	}

	s := c.lookup(SeriesKey{Symbol: bar.Symbol, Timeframe: bar.Timeframe}, true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.bars); n > 0 && !bar.Ts.After(s.bars[n-1].Ts) {
		return ErrStaleBar
	}
	s.bars = append(s.bars, bar)
	if len(s.bars) > c.maxBars {
		s.bars = s.bars[len(s.bars)-c.maxBars:]
	}
	s.updatedAt = c.now()
	return nil
}

// Replace installs a full series snapshot, used on cold start or after a
// TTL reload. Bars must already be in ascending ts order.
func (c *Cache) Replace(symbol, timeframe string, bars []Bar) {
	s := c.lookup(SeriesKey{Symbol: symbol, Timeframe: timeframe}, true)

	cp := make([]Bar, len(bars))
	copy(cp, bars)
	if len(cp) > c.maxBars {
		cp = cp[len(cp)-c.maxBars:]
	}

	s.mu.Lock()
	s.bars = cp
	s.updatedAt = c.now()
	s.mu.Unlock()
}

// Fresh reports whether the series was updated within the TTL.
func (c *Cache) Fresh(symbol, timeframe string) bool {
	s := c.lookup(SeriesKey{Symbol: symbol, Timeframe: timeframe}, false)
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.updatedAt.IsZero() {
		return false
	}
	return c.now().Sub(s.updatedAt) < c.ttl
}

// LatestPrice returns the most recent close for the symbol, taken from
// the finest cached timeframe, with the bar's timestamp.
func (c *Cache) LatestPrice(symbol string) (float64, time.Time, bool) {
	c.mu.RLock()
	keys := make([]SeriesKey, 0, 4)
	for k := range c.entries {
		if k.Symbol == symbol {
			keys = append(keys, k)
		}
	}
	c.mu.RUnlock()

	var (
		found bool
		best  SeriesKey
	)
	for _, k := range keys {
		if !found || FinerTimeframe(k.Timeframe, best.Timeframe) {
			best, found = k, true
		}
	}
	if !found {
		return 0, time.Time{}, false
	}

	s := c.lookup(best, false)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.bars) == 0 {
		return 0, time.Time{}, false
	}
	last := s.bars[len(s.bars)-1]
	return last.Close, last.Ts, true
}

// Stats returns cache hit/miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) recordHit() {
	c.statsMu.Lock()
	c.hits++
	c.statsMu.Unlock()
}

func (c *Cache) recordMiss() {
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
}
