package signal

import (
	"math"
	"sync"

	"market-intel-backend/config"
	"market-intel-backend/internal/indicator"
	"market-intel-backend/internal/logging"
	"market-intel-backend/internal/market"
)

// Detector evaluates the rule set against the latest two bars of a
// series and returns proposed signals in rule order: MA breakouts,
// crosses, RSI bands, Bollinger, composite sentiment. Deduplication
// happens at the store, not here.
type Detector struct {
	cfg    *config.DetectorConfig
	engine *indicator.Engine
	log    *logging.Logger

	mu            sync.Mutex
	lastSentiment map[market.SeriesKey]string
}

var breakoutPeriods = []int{20, 50, 200}

const (
	crossShortPeriod = 50
	crossLongPeriod  = 200

	rsiPeriod       = 14
	bbPeriod        = 20
	bbStdDev        = 2.0
	bbTouchEpsilon  = 0.01
	rsi50CrossWidth = 3.0

	// Relative distance from the long MA below which the market reads
	// as sideways.
	trendBand = 0.001
)

// NewDetector creates a detector backed by the given indicator engine.
func NewDetector(cfg *config.DetectorConfig, engine *indicator.Engine, log *logging.Logger) *Detector {
	return &Detector{
		cfg:           cfg,
		engine:        engine,
		log:           log.WithComponent("signal-detector"),
		lastSentiment: make(map[market.SeriesKey]string),
	}
}

// Evaluate runs all rules for the series and returns proposed signals
// for the newest bar. Needs at least two bars; rules whose indicators
// are not yet defined stay silent.
func (d *Detector) Evaluate(key market.SeriesKey, bars []market.Bar) []Signal {
	if len(bars) < 2 {
		return nil
	}
	n := len(bars)
	prev, curr := bars[n-2], bars[n-1]

	smas := make(map[int][]float64, len(breakoutPeriods))
	for _, p := range breakoutPeriods {
		smas[p] = d.engine.SMA(key, bars, p)
	}

	condition := d.marketCondition(curr.Close, smas[crossLongPeriod])

	var out []Signal

	// Moving-average breakouts, shortest period first.
	for _, p := range breakoutPeriods {
		if s, ok := d.maBreakout(key, prev, curr, smas[p], p, condition); ok {
			out = append(out, s)
		}
	}

	// Golden and dead crosses, daily series only.
	if key.Timeframe == "1d" {
		if s, ok := d.maCross(prev, curr, smas[crossShortPeriod], smas[crossLongPeriod], n, condition); ok {
			out = append(out, s)
		}
	}

	rsi := d.engine.RSI(key, bars, rsiPeriod)
	if s, ok := d.rsiRules(prev, curr, rsi, n, condition); ok {
		out = append(out, s)
	}

	bb := d.engine.Bollinger(key, bars, bbPeriod, bbStdDev)
	out = append(out, d.bollingerRules(prev, curr, bb, n, condition)...)

	if s, ok := d.sentiment(key, bars, condition); ok {
		out = append(out, s)
	}

	for i := range out {
		out[i].Symbol = curr.Symbol
		out[i].Timeframe = curr.Timeframe
		out[i].TriggeredAt = curr.Ts
		out[i].CurrentPrice = curr.Close
		out[i].Volume = Float(curr.Volume)
		out[i].MarketCondition = condition
	}

	if len(out) > 0 {
		d.log.Debug("signals proposed",
			"symbol", curr.Symbol, "timeframe", curr.Timeframe, "count", len(out))
	}
	return out
}

// marketCondition classifies the trend from the close against the long
// MA. Without a defined long MA the market reads as sideways.
func (d *Detector) marketCondition(close float64, longMA []float64) MarketCondition {
	if len(longMA) == 0 {
		return MarketSideways
	}
	ma := longMA[len(longMA)-1]
	if !indicator.Valid(ma) || ma == 0 {
		return MarketSideways
	}
	rel := (close - ma) / ma
	switch {
	case rel > trendBand:
		return MarketBullish
	case rel < -trendBand:
		return MarketBearish
	default:
		return MarketSideways
	}
}

func (d *Detector) maBreakout(key market.SeriesKey, prev, curr market.Bar, sma []float64, period int, cond MarketCondition) (Signal, bool) {
	n := len(sma)
	if n < 2 || !indicator.Valid(sma[n-2]) || !indicator.Valid(sma[n-1]) {
		return Signal{}, false
	}
	prevMA, currMA := sma[n-2], sma[n-1]
	if currMA == 0 || prevMA == 0 {
		return Signal{}, false
	}

	strength := math.Abs(curr.Close-currMA) / currMA * 100
	if strength < d.cfg.MinBreakoutPct {
		return Signal{}, false
	}

	var signalType string
	switch {
	case prev.Close <= prevMA*1.01 && curr.Close > currMA:
		signalType = breakoutType(period, true)
	case prev.Close >= prevMA*0.99 && curr.Close < currMA:
		signalType = breakoutType(period, false)
	default:
		return Signal{}, false
	}

	return Signal{
		SignalType:     signalType,
		IndicatorValue: Float(currMA),
		SignalStrength: Float(strength),
		AdditionalContext: map[string]interface{}{
			"ma_period":  period,
			"prev_close": prev.Close,
		},
	}, true
}

func breakoutType(period int, up bool) string {
	switch {
	case period == 20 && up:
		return TypeMA20BreakoutUp
	case period == 20:
		return TypeMA20BreakoutDown
	case period == 50 && up:
		return TypeMA50BreakoutUp
	case period == 50:
		return TypeMA50BreakoutDown
	case up:
		return TypeMA200BreakoutUp
	default:
		return TypeMA200BreakoutDown
	}
}

func (d *Detector) maCross(prev, curr market.Bar, short, long []float64, n int, cond MarketCondition) (Signal, bool) {
	if len(short) < n || len(long) < n ||
		!indicator.Valid(short[n-2]) || !indicator.Valid(short[n-1]) ||
		!indicator.Valid(long[n-2]) || !indicator.Valid(long[n-1]) {
		return Signal{}, false
	}

	prevShort, currShort := short[n-2], short[n-1]
	prevLong, currLong := long[n-2], long[n-1]

	var signalType string
	switch {
	case prevShort <= prevLong && currShort > currLong:
		signalType = TypeGoldenCross
	case prevShort >= prevLong && currShort < currLong:
		signalType = TypeDeadCross
	default:
		return Signal{}, false
	}

	return Signal{
		SignalType:     signalType,
		IndicatorValue: Float(currShort),
		SignalStrength: Float(math.Abs(currShort-currLong) / currLong * 100),
		AdditionalContext: map[string]interface{}{
			"short_period": crossShortPeriod,
			"long_period":  crossLongPeriod,
			"long_ma":      currLong,
		},
	}, true
}

func (d *Detector) rsiRules(prev, curr market.Bar, rsi []float64, n int, cond MarketCondition) (Signal, bool) {
	if len(rsi) < n || !indicator.Valid(rsi[n-2]) || !indicator.Valid(rsi[n-1]) {
		return Signal{}, false
	}
	prevRSI, currRSI := rsi[n-2], rsi[n-1]

	var signalType string
	switch {
	case prevRSI <= 72 && currRSI > 68 && currRSI >= prevRSI+2:
		signalType = TypeRSIOverbought
	case prevRSI >= 28 && currRSI < 32 && currRSI <= prevRSI-2:
		signalType = TypeRSIOversold
	case prevRSI <= 50 && currRSI > 50 && currRSI-50 >= rsi50CrossWidth:
		signalType = TypeRSIBull50Cross
	case prevRSI >= 50 && currRSI < 50 && 50-currRSI >= rsi50CrossWidth:
		signalType = TypeRSIBear50Cross
	default:
		return Signal{}, false
	}

	return Signal{
		SignalType:     signalType,
		IndicatorValue: Float(currRSI),
		SignalStrength: Float(math.Abs(currRSI - prevRSI)),
	}, true
}

// bollingerRules evaluates band breaks and touches. A break on a band
// supersedes a touch on the same band.
func (d *Detector) bollingerRules(prev, curr market.Bar, bb indicator.BollingerSeries, n int, cond MarketCondition) []Signal {
	if len(bb.Upper) < n ||
		!indicator.Valid(bb.Upper[n-2]) || !indicator.Valid(bb.Upper[n-1]) ||
		!indicator.Valid(bb.Lower[n-2]) || !indicator.Valid(bb.Lower[n-1]) {
		return nil
	}
	prevUpper, currUpper := bb.Upper[n-2], bb.Upper[n-1]
	prevLower, currLower := bb.Lower[n-2], bb.Lower[n-1]

	var out []Signal

	switch {
	case prev.Close <= prevUpper && curr.Close > currUpper:
		out = append(out, Signal{
			SignalType:     TypeBBBreakUpper,
			IndicatorValue: Float(currUpper),
			SignalStrength: Float((curr.Close - currUpper) / currUpper * 100),
		})
	case currUpper != 0 && math.Abs(curr.Close-currUpper)/currUpper < bbTouchEpsilon:
		out = append(out, Signal{
			SignalType:     TypeBBTouchUpper,
			IndicatorValue: Float(currUpper),
			SignalStrength: Float(math.Abs(curr.Close-currUpper) / currUpper * 100),
		})
	}

	switch {
	case prev.Close >= prevLower && curr.Close < currLower:
		out = append(out, Signal{
			SignalType:     TypeBBBreakLower,
			IndicatorValue: Float(currLower),
			SignalStrength: Float((currLower - curr.Close) / currLower * 100),
		})
	case currLower != 0 && math.Abs(curr.Close-currLower)/currLower < bbTouchEpsilon:
		out = append(out, Signal{
			SignalType:     TypeBBTouchLower,
			IndicatorValue: Float(currLower),
			SignalStrength: Float(math.Abs(curr.Close-currLower) / currLower * 100),
		})
	}

	return out
}
