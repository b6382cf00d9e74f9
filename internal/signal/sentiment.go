package signal

import (
	"math"

	"market-intel-backend/internal/indicator"
	"market-intel-backend/internal/market"
)

// Composite sentiment scores the current bar across five factors, each
// in {-2,-1,0,1,2}, normalises the sum to [0,1] and classifies it. A
// sentiment_change signal is emitted only when the classification
// differs from the previous evaluation of the same series; the first
// evaluation establishes the baseline silently.

const (
	SentimentVeryBearish = "very_bearish"
	SentimentBearish     = "bearish"
	SentimentNeutral     = "neutral"
	SentimentBullish     = "bullish"
	SentimentVeryBullish = "very_bullish"
)

const (
	sentMACDFast   = 12
	sentMACDSlow   = 26
	sentMACDSignal = 9
	sentStochK     = 14
	sentStochD     = 3
	sentVolPeriod  = 20
	sentFastMA     = 20
	sentSlowMA     = 50
)

func classifySentiment(score float64) string {
	switch {
	case score < 0.20:
		return SentimentVeryBearish
	case score < 0.40:
		return SentimentBearish
	case score <= 0.60:
		return SentimentNeutral
	case score <= 0.80:
		return SentimentBullish
	default:
		return SentimentVeryBullish
	}
}

func (d *Detector) sentiment(key market.SeriesKey, bars []market.Bar, cond MarketCondition) (Signal, bool) {
	n := len(bars)
	curr := bars[n-1]

	rsi := lastValue(d.engine.RSI(key, bars, rsiPeriod))
	macd := d.engine.MACD(key, bars, sentMACDFast, sentMACDSlow, sentMACDSignal)
	stoch := d.engine.Stochastic(key, bars, sentStochK, sentStochD)
	fastMA := lastValue(d.engine.SMA(key, bars, sentFastMA))
	slowMA := lastValue(d.engine.SMA(key, bars, sentSlowMA))
	volAvg := lastValue(d.engine.VolumeSMA(key, bars, sentVolPeriod))

	factors := map[string]int{
		"rsi":      scoreRSI(rsi),
		"macd":     scoreMACD(lastValue(macd.MACD), lastValue(macd.Signal)),
		"stoch":    scoreStochastic(lastValue(stoch.K), lastValue(stoch.D)),
		"ma_trend": scoreMATrend(curr.Close, fastMA, slowMA),
		"volume":   scoreVolume(curr, volAvg),
	}

	total := 0
	for _, v := range factors {
		total += v
	}
	score := (float64(total) + 10.0) / 20.0
	class := classifySentiment(score)

	d.mu.Lock()
	prevClass, seen := d.lastSentiment[key]
	d.lastSentiment[key] = class
	d.mu.Unlock()

	if !seen || prevClass == class {
		return Signal{}, false
	}

	ctx := map[string]interface{}{
		"classification":          class,
		"previous_classification": prevClass,
	}
	for name, v := range factors {
		ctx["factor_"+name] = v
	}

	return Signal{
		SignalType:        TypeSentimentChange,
		IndicatorValue:    Float(score),
		AdditionalContext: ctx,
	}, true
}

func lastValue(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

func scoreRSI(rsi float64) int {
	if !indicator.Valid(rsi) {
		return 0
	}
	switch {
	case rsi >= 65:
		return 2
	case rsi >= 55:
		return 1
	case rsi > 45:
		return 0
	case rsi > 35:
		return -1
	default:
		return -2
	}
}

func scoreMACD(macd, signalLine float64) int {
	if !indicator.Valid(macd) || !indicator.Valid(signalLine) {
		return 0
	}
	switch {
	case macd > signalLine && macd > 0:
		return 2
	case macd > signalLine:
		return 1
	case macd < signalLine && macd < 0:
		return -2
	case macd < signalLine:
		return -1
	default:
		return 0
	}
}

func scoreStochastic(k, dLine float64) int {
	if !indicator.Valid(k) || !indicator.Valid(dLine) {
		return 0
	}
	switch {
	case k > dLine && k >= 60:
		return 2
	case k > dLine:
		return 1
	case k < dLine && k <= 40:
		return -2
	case k < dLine:
		return -1
	default:
		return 0
	}
}

func scoreMATrend(close, fastMA, slowMA float64) int {
	if !indicator.Valid(fastMA) {
		return 0
	}
	if indicator.Valid(slowMA) {
		switch {
		case close > fastMA && fastMA > slowMA:
			return 2
		case close < fastMA && fastMA < slowMA:
			return -2
		}
	}
	switch {
	case close > fastMA:
		return 1
	case close < fastMA:
		return -1
	default:
		return 0
	}
}

// scoreVolume amplifies the bar's direction when volume runs above its
// average; volume alone has no direction.
func scoreVolume(b market.Bar, volAvg float64) int {
	if !indicator.Valid(volAvg) || volAvg <= 0 {
		return 0
	}
	direction := 0
	if b.Close > b.Open {
		direction = 1
	} else if b.Close < b.Open {
		direction = -1
	}
	switch {
	case b.Volume >= volAvg*2.0:
		return 2 * direction
	case b.Volume >= volAvg*1.2:
		return direction
	default:
		return 0
	}
}
