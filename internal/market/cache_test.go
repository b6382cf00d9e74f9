package market

import (
	"testing"
	"time"
)

func bar(symbol, tf string, ts time.Time, close float64) Bar {
	return Bar{
		Symbol:    symbol,
		Timeframe: tf,
		Ts:        ts,
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
		Volume:    1000,
	}
}

func TestAppendAndGetSeries(t *testing.T) {
	c := NewCache(400, time.Minute)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := c.Append(bar("^IXIC", "1d", base.AddDate(0, 0, i), 100+float64(i))); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	got := c.GetSeries("^IXIC", "1d")
	if len(got) != 5 {
		t.Fatalf("expected 5 bars, got %d", len(got))
	}
	if got[4].Close != 104 {
		t.Errorf("expected last close 104, got %f", got[4].Close)
	}
}

func TestAppendRejectsStaleBar(t *testing.T) {
	c := NewCache(400, time.Minute)
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	if err := c.Append(bar("BTCUSDT", "1m", ts, 50000)); err != nil {
		t.Fatalf("first append failed: %v", err)
	}

	// Same timestamp
	if err := c.Append(bar("BTCUSDT", "1m", ts, 50001)); err != ErrStaleBar {
		t.Errorf("expected ErrStaleBar for equal ts, got %v", err)
	}
	// Earlier timestamp
	if err := c.Append(bar("BTCUSDT", "1m", ts.Add(-time.Minute), 49999)); err != ErrStaleBar {
		t.Errorf("expected ErrStaleBar for earlier ts, got %v", err)
	}

	if got := c.GetSeries("BTCUSDT", "1m"); len(got) != 1 {
		t.Errorf("series should be unchanged after stale appends, have %d bars", len(got))
	}
}

func TestAppendEvictsOldest(t *testing.T) {
	c := NewCache(3, time.Minute)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := c.Append(bar("ETHUSDT", "1m", base.Add(time.Duration(i)*time.Minute), float64(i))); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	got := c.GetSeries("ETHUSDT", "1m")
	if len(got) != 3 {
		t.Fatalf("expected 3 bars after eviction, got %d", len(got))
	}
	if got[0].Close != 2 {
		t.Errorf("expected oldest surviving close 2, got %f", got[0].Close)
	}
}

func TestAppendValidatesBar(t *testing.T) {
	c := NewCache(10, time.Minute)
	b := Bar{
		Symbol: "BTCUSDT", Timeframe: "1m",
		Ts:   time.Now(),
		Open: 100, High: 90, Low: 80, Close: 95, Volume: 1,
	}
	if err := c.Append(b); err == nil {
		t.Error("expected validation error for high below body")
	}
}

func TestLatestPricePrefersFinestTimeframe(t *testing.T) {
	c := NewCache(10, time.Minute)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := c.Append(bar("^IXIC", "1d", base.Add(-12*time.Hour), 23000)); err != nil {
		t.Fatalf("append 1d: %v", err)
	}
	if err := c.Append(bar("^IXIC", "1m", base, 23050.75)); err != nil {
		t.Fatalf("append 1m: %v", err)
	}

	price, ts, ok := c.LatestPrice("^IXIC")
	if !ok {
		t.Fatal("expected a latest price")
	}
	if price != 23050.75 {
		t.Errorf("expected latest price from 1m series, got %f", price)
	}
	if !ts.Equal(base) {
		t.Errorf("expected ts %v, got %v", base, ts)
	}
}

func TestFreshRespectsTTL(t *testing.T) {
	c := NewCache(10, time.Minute)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if c.Fresh("BTCUSDT", "1m") {
		t.Error("empty series should not be fresh")
	}

	if err := c.Append(bar("BTCUSDT", "1m", now, 100)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if !c.Fresh("BTCUSDT", "1m") {
		t.Error("just-updated series should be fresh")
	}

	now = now.Add(2 * time.Minute)
	if c.Fresh("BTCUSDT", "1m") {
		t.Error("series past TTL should not be fresh")
	}
}
