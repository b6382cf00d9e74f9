package signal

import (
	"errors"
	"time"
)

// ErrDuplicateSignal reports that an equal (symbol, signal_type) signal
// already exists inside the deduplication window. A normal outcome of
// the detection loop, not a failure.
var ErrDuplicateSignal = errors.New("duplicate signal inside dedup window")

// ErrSignalMissing reports an outcome whose paired signal row is gone.
var ErrSignalMissing = errors.New("signal not found")

// MarketCondition classifies the broad trend at detection time.
type MarketCondition string

const (
	MarketBullish  MarketCondition = "bullish"
	MarketBearish  MarketCondition = "bearish"
	MarketSideways MarketCondition = "sideways"
)

// Signal types emitted by the detector.
const (
	TypeMA20BreakoutUp    = "MA20_breakout_up"
	TypeMA20BreakoutDown  = "MA20_breakout_down"
	TypeMA50BreakoutUp    = "MA50_breakout_up"
	TypeMA50BreakoutDown  = "MA50_breakout_down"
	TypeMA200BreakoutUp   = "MA200_breakout_up"
	TypeMA200BreakoutDown = "MA200_breakout_down"
	TypeGoldenCross       = "golden_cross"
	TypeDeadCross         = "dead_cross"
	TypeRSIOverbought     = "RSI_overbought"
	TypeRSIOversold       = "RSI_oversold"
	TypeRSIBull50Cross    = "RSI_bull_50_cross"
	TypeRSIBear50Cross    = "RSI_bear_50_cross"
	TypeBBBreakUpper      = "BB_break_upper"
	TypeBBBreakLower      = "BB_break_lower"
	TypeBBTouchUpper      = "BB_touch_upper"
	TypeBBTouchLower      = "BB_touch_lower"
	TypeSentimentChange   = "sentiment_change"
)

// Signal is one emitted detection event. Created once, never mutated
// afterwards except AlertSent.
type Signal struct {
	ID                int64                  `json:"id"`
	Symbol            string                 `json:"symbol"`
	SignalType        string                 `json:"signal_type"`
	Timeframe         string                 `json:"timeframe"`
	TriggeredAt       time.Time              `json:"triggered_at"`
	CurrentPrice      float64                `json:"current_price"`
	IndicatorValue    *float64               `json:"indicator_value,omitempty"`
	SignalStrength    *float64               `json:"signal_strength,omitempty"`
	Volume            *float64               `json:"volume,omitempty"`
	MarketCondition   MarketCondition        `json:"market_condition"`
	AlertSent         bool                   `json:"alert_sent"`
	AdditionalContext map[string]interface{} `json:"additional_context,omitempty"`
}

// Outcome is the 1:1 realised-return record for a signal. Horizon
// slots are write-once from nil to a price; returns derive from the
// slot price and the signal's entry price.
type Outcome struct {
	ID       int64 `json:"id"`
	SignalID int64 `json:"signal_id"`

	Price1H *float64 `json:"price_1h"`
	Price4H *float64 `json:"price_4h"`
	Price1D *float64 `json:"price_1d"`
	Price1W *float64 `json:"price_1w"`
	Price1M *float64 `json:"price_1m"`

	Return1H *float64 `json:"return_1h"`
	Return4H *float64 `json:"return_4h"`
	Return1D *float64 `json:"return_1d"`
	Return1W *float64 `json:"return_1w"`
	Return1M *float64 `json:"return_1m"`

	IsComplete bool      `json:"is_complete"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Pattern is a recurring signal grouping for one symbol with its
// aggregate 1-day outcome statistics.
type Pattern struct {
	ID               int64     `json:"id"`
	Symbol           string    `json:"symbol"`
	PatternSignature string    `json:"pattern_signature"`
	SignalTypes      []string  `json:"signal_types"`
	ComponentIDs     []int64   `json:"component_signal_ids"`
	DiscoveredAt     time.Time `json:"discovered_at"`
	SampleCount      int       `json:"sample_count"`
	AvgReturn1D      float64   `json:"avg_return_1d"`
	SuccessRate1D    float64   `json:"success_rate_1d"`
}

// Filter narrows listings of recent signals. Zero values match all.
type Filter struct {
	Symbol     string
	SignalType string
	Timeframe  string
	Since      time.Time
}

// Horizon is one outcome measurement point.
type Horizon struct {
	Name    string
	Elapsed time.Duration
}

// Horizons lists the outcome horizons in strict fill order.
var Horizons = []Horizon{
	{Name: "1h", Elapsed: time.Hour},
	{Name: "4h", Elapsed: 4 * time.Hour},
	{Name: "1d", Elapsed: 24 * time.Hour},
	{Name: "1w", Elapsed: 7 * 24 * time.Hour},
	{Name: "1m", Elapsed: 30 * 24 * time.Hour},
}

// Return computes the percentage return of price against entry.
func Return(entry, price float64) float64 {
	return (price - entry) / entry * 100
}

func Float(v float64) *float64 { return &v }
