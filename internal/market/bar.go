// Package market holds the bar model, the per-series price cache and the
// price provider contract the pipeline consumes.
package market

import (
	"errors"
	"fmt"
	"time"
)

// ErrStaleBar reports an append whose timestamp does not advance the
// series. It is a normal outcome of the refresh loop, not a fault.
var ErrStaleBar = errors.New("stale bar: timestamp does not advance series")

// ErrDataSourceUnavailable reports provider retry exhaustion.
var ErrDataSourceUnavailable = errors.New("data source unavailable")

// Bar is one OHLCV record for a symbol at a timeframe. Bars are
// immutable once appended.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Ts        time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate checks the OHLCV invariant: high >= max(open, close),
// low <= min(open, close), volume >= 0.
func (b Bar) Validate() error {
	hi, lo := b.Open, b.Open
	if b.Close > hi {
		hi = b.Close
	}
	if b.Close < lo {
		lo = b.Close
	}
	if b.High < hi {
		return fmt.Errorf("bar %s/%s at %s: high %.8f below body %.8f", b.Symbol, b.Timeframe, b.Ts.Format(time.RFC3339), b.High, hi)
	}
	if b.Low > lo {
		return fmt.Errorf("bar %s/%s at %s: low %.8f above body %.8f", b.Symbol, b.Timeframe, b.Ts.Format(time.RFC3339), b.Low, lo)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s/%s at %s: negative volume", b.Symbol, b.Timeframe, b.Ts.Format(time.RFC3339))
	}
	return nil
}

// SeriesKey identifies one (symbol, timeframe) series.
type SeriesKey struct {
	Symbol    string
	Timeframe string
}

func (k SeriesKey) String() string {
	return k.Symbol + ":" + k.Timeframe
}

// TimeframeDuration maps supported timeframe labels to bar durations.
func TimeframeDuration(tf string) (time.Duration, bool) {
	switch tf {
	case "1m":
		return time.Minute, true
	case "5m":
		return 5 * time.Minute, true
	case "15m":
		return 15 * time.Minute, true
	case "1h":
		return time.Hour, true
	case "4h":
		return 4 * time.Hour, true
	case "1d":
		return 24 * time.Hour, true
	default:
		return 0, false
	}
}

// FinerTimeframe reports whether a is a finer granularity than b.
func FinerTimeframe(a, b string) bool {
	da, okA := TimeframeDuration(a)
	db, okB := TimeframeDuration(b)
	if !okA || !okB {
		return false
	}
	return da < db
}
