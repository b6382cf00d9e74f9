package indicator

import (
	"math"
	"testing"
	"time"

	"market-intel-backend/internal/market"
)

func makeBars(n int, seed float64) []market.Bar {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, n)
	price := seed
	for i := range bars {
		// Deterministic wiggle so highs, lows and closes differ.
		price += math.Sin(float64(i)*0.7) * 2
		bars[i] = market.Bar{
			Symbol:    "BTCUSDT",
			Timeframe: "1h",
			Ts:        base.Add(time.Duration(i) * time.Hour),
			Open:      price - 0.5,
			High:      price + 1.5,
			Low:       price - 1.5,
			Close:     price,
			Volume:    1000 + float64(i%7)*50,
		}
	}
	return bars
}

func seriesEqual(t *testing.T, name string, got, want []float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: length %d, want %d", name, len(got), len(want))
	}
	for i := range got {
		if math.IsNaN(got[i]) != math.IsNaN(want[i]) {
			t.Fatalf("%s[%d]: NaN mismatch: got %v, want %v", name, i, got[i], want[i])
		}
		if !math.IsNaN(got[i]) && math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("%s[%d]: got %v, want %v", name, i, got[i], want[i])
		}
	}
}

func TestEngineExtensionMatchesFullCompute(t *testing.T) {
	bars := makeBars(120, 100)
	key := market.SeriesKey{Symbol: "BTCUSDT", Timeframe: "1h"}
	e := NewEngine()

	// Materialise on a prefix, then feed the rest one bar at a time the
	// way the scheduler does after each append.
	e.SMA(key, bars[:60], 20)
	e.EMA(key, bars[:60], 20)
	e.VWAP(key, bars[:60])
	e.RSI(key, bars[:60], 14)
	e.Bollinger(key, bars[:60], 20, 2)
	e.MACD(key, bars[:60], 12, 26, 9)
	e.Stochastic(key, bars[:60], 14, 3)

	for n := 61; n <= len(bars); n++ {
		e.SMA(key, bars[:n], 20)
		e.EMA(key, bars[:n], 20)
		e.VWAP(key, bars[:n])
		e.RSI(key, bars[:n], 14)
		e.Bollinger(key, bars[:n], 20, 2)
		e.MACD(key, bars[:n], 12, 26, 9)
		e.Stochastic(key, bars[:n], 14, 3)
	}

	closes := Closes(bars)
	seriesEqual(t, "sma", e.SMA(key, bars, 20), SMA(closes, 20))
	seriesEqual(t, "ema", e.EMA(key, bars, 20), EMA(closes, 20))
	seriesEqual(t, "vwap", e.VWAP(key, bars), VWAP(bars))
	seriesEqual(t, "rsi", e.RSI(key, bars, 14), RSI(closes, 14))

	bb := e.Bollinger(key, bars, 20, 2)
	bbFull := Bollinger(closes, 20, 2)
	seriesEqual(t, "bb.upper", bb.Upper, bbFull.Upper)
	seriesEqual(t, "bb.lower", bb.Lower, bbFull.Lower)

	macd := e.MACD(key, bars, 12, 26, 9)
	macdFull := MACD(closes, 12, 26, 9)
	seriesEqual(t, "macd", macd.MACD, macdFull.MACD)
	seriesEqual(t, "macd.signal", macd.Signal, macdFull.Signal)
	seriesEqual(t, "macd.histogram", macd.Histogram, macdFull.Histogram)

	stoch := e.Stochastic(key, bars, 14, 3)
	stochFull := Stochastic(bars, 14, 3)
	seriesEqual(t, "stoch.k", stoch.K, stochFull.K)
	seriesEqual(t, "stoch.d", stoch.D, stochFull.D)
}

func TestEngineCacheHit(t *testing.T) {
	bars := makeBars(50, 200)
	key := market.SeriesKey{Symbol: "BTCUSDT", Timeframe: "1h"}
	e := NewEngine()

	e.SMA(key, bars, 20)
	hits, misses := e.Stats()
	if hits != 0 || misses != 1 {
		t.Fatalf("after first call: hits=%d misses=%d", hits, misses)
	}

	e.SMA(key, bars, 20)
	hits, _ = e.Stats()
	if hits != 1 {
		t.Errorf("unchanged source should hit the cache, hits=%d", hits)
	}

	// Different params are a distinct entry.
	e.SMA(key, bars, 50)
	_, misses = e.Stats()
	if misses != 2 {
		t.Errorf("new params should miss, misses=%d", misses)
	}
}

func TestEngineInvalidatesOnSeriesIdentityChange(t *testing.T) {
	key := market.SeriesKey{Symbol: "ETHUSDT", Timeframe: "1d"}
	e := NewEngine()

	old := makeBars(40, 100)
	e.SMA(key, old, 10)

	// Full reload: same key, different first timestamp.
	reloaded := makeBars(40, 300)
	for i := range reloaded {
		reloaded[i].Ts = reloaded[i].Ts.Add(24 * time.Hour)
	}
	got := e.SMA(key, reloaded, 10)
	seriesEqual(t, "sma after reload", got, SMA(Closes(reloaded), 10))

	_, misses := e.Stats()
	if misses != 2 {
		t.Errorf("identity change should recompute, misses=%d", misses)
	}
}

func TestRSIWilderValues(t *testing.T) {
	// Known ascending series: all gains, RSI pins at 100.
	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 100 + float64(i)
	}
	rsi := RSI(prices, 14)
	if !Valid(rsi[len(rsi)-1]) || rsi[len(rsi)-1] != 100 {
		t.Errorf("monotone gains should give RSI 100, got %v", rsi[len(rsi)-1])
	}
	for i := 0; i < 14; i++ {
		if Valid(rsi[i]) {
			t.Errorf("rsi[%d] should be undefined", i)
		}
	}
}

func TestMACDSignalIsEMAOfMACD(t *testing.T) {
	bars := makeBars(100, 150)
	closes := Closes(bars)
	res := MACD(closes, 12, 26, 9)

	// The signal line must track the MACD line, not scale it: histogram
	// changes sign as the lines cross.
	sawPositive, sawNegative := false, false
	for _, h := range res.Histogram {
		if !Valid(h) {
			continue
		}
		if h > 0 {
			sawPositive = true
		}
		if h < 0 {
			sawNegative = true
		}
	}
	if !sawPositive || !sawNegative {
		t.Error("expected histogram to cross zero over an oscillating series")
	}
}

func TestVWAPWeightsByVolume(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []market.Bar{
		{Symbol: "X", Timeframe: "1m", Ts: base, High: 10, Low: 10, Close: 10, Open: 10, Volume: 100},
		{Symbol: "X", Timeframe: "1m", Ts: base.Add(time.Minute), High: 20, Low: 20, Close: 20, Open: 20, Volume: 300},
	}
	v := VWAP(bars)
	want := (10*100 + 20*300) / 400.0
	if math.Abs(v[1]-want) > 1e-9 {
		t.Errorf("vwap[1] = %v, want %v", v[1], want)
	}
}
