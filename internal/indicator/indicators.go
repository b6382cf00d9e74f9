package indicator

import (
	"math"

	"market-intel-backend/internal/market"
)

// Full-series indicator computations. Each function returns a slice
// aligned with its input; positions where the indicator is not yet
// defined (fewer than period source values) hold NaN. Callers check
// with Valid before consuming a value.

// Valid reports whether an indicator value is defined.
func Valid(v float64) bool {
	return !math.IsNaN(v)
}

// Closes extracts close prices from bars.
func Closes(bars []market.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Volumes extracts volumes from bars.
func Volumes(bars []market.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA computes the simple moving average series.
func SMA(prices []float64, period int) []float64 {
	out := nanSlice(len(prices))
	if period <= 0 || len(prices) < period {
		return out
	}

	sum := 0.0
	for i, p := range prices {
		sum += p
		if i >= period {
			sum -= prices[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA computes the exponential moving average series, seeded with the
// SMA of the first period values.
func EMA(prices []float64, period int) []float64 {
	out := nanSlice(len(prices))
	if period <= 0 || len(prices) < period {
		return out
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += prices[i]
	}
	ema := sum / float64(period)
	out[period-1] = ema

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(prices); i++ {
		ema = (prices[i] * multiplier) + (ema * (1 - multiplier))
		out[i] = ema
	}
	return out
}

// VolumeSMA computes the simple moving average of volumes.
func VolumeSMA(volumes []float64, period int) []float64 {
	return SMA(volumes, period)
}

// ============================================================================
// VWAP
// ============================================================================

// VWAP computes the cumulative volume-weighted average price over the
// bar slice, using the typical price (H+L+C)/3 per bar.
func VWAP(bars []market.Bar) []float64 {
	out := nanSlice(len(bars))
	cumPV := 0.0
	cumVol := 0.0
	for i, b := range bars {
		typical := (b.High + b.Low + b.Close) / 3.0
		cumPV += typical * b.Volume
		cumVol += b.Volume
		if cumVol > 0 {
			out[i] = cumPV / cumVol
		}
	}
	return out
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// RSI computes the relative strength index series with Wilder
// smoothing. The first defined value is at index period.
func RSI(prices []float64, period int) []float64 {
	out := nanSlice(len(prices))
	if period <= 0 || len(prices) < period+1 {
		return out
	}

	gains := 0.0
	losses := 0.0
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	out[period] = rsiFromAverages(avgGain, avgLoss)

	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return out
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerSeries holds aligned band series.
type BollingerSeries struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
}

// Bollinger computes Bollinger Bands: middle is the SMA, upper and
// lower are stdDevMultiplier standard deviations around it.
func Bollinger(prices []float64, period int, stdDevMultiplier float64) BollingerSeries {
	middle := SMA(prices, period)
	upper := nanSlice(len(prices))
	lower := nanSlice(len(prices))

	for i := period - 1; i < len(prices); i++ {
		m := middle[i]
		if !Valid(m) {
			continue
		}
		variance := 0.0
		for j := i - period + 1; j <= i; j++ {
			diff := prices[j] - m
			variance += diff * diff
		}
		stdDev := math.Sqrt(variance / float64(period))
		upper[i] = m + stdDev*stdDevMultiplier
		lower[i] = m - stdDev*stdDevMultiplier
	}
	return BollingerSeries{Upper: upper, Middle: middle, Lower: lower}
}

// ============================================================================
// MACD (Moving Average Convergence Divergence)
// ============================================================================

// MACDSeries holds the MACD line, its signal line and the histogram.
type MACDSeries struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACD computes the MACD line as fast EMA minus slow EMA, the signal
// line as an EMA of the MACD line, and the histogram as their
// difference.
func MACD(prices []float64, fastPeriod, slowPeriod, signalPeriod int) MACDSeries {
	n := len(prices)
	macdLine := nanSlice(n)
	signalLine := nanSlice(n)
	histogram := nanSlice(n)

	if n < slowPeriod {
		return MACDSeries{MACD: macdLine, Signal: signalLine, Histogram: histogram}
	}

	fast := EMA(prices, fastPeriod)
	slow := EMA(prices, slowPeriod)
	for i := slowPeriod - 1; i < n; i++ {
		macdLine[i] = fast[i] - slow[i]
	}

	// Signal line: EMA over the defined portion of the MACD line.
	defined := macdLine[slowPeriod-1:]
	if len(defined) >= signalPeriod {
		sig := EMA(defined, signalPeriod)
		for i, v := range sig {
			signalLine[slowPeriod-1+i] = v
		}
	}

	for i := 0; i < n; i++ {
		if Valid(macdLine[i]) && Valid(signalLine[i]) {
			histogram[i] = macdLine[i] - signalLine[i]
		}
	}
	return MACDSeries{MACD: macdLine, Signal: signalLine, Histogram: histogram}
}

// ============================================================================
// STOCHASTIC OSCILLATOR
// ============================================================================

// StochasticSeries holds %K and %D series.
type StochasticSeries struct {
	K []float64
	D []float64
}

// Stochastic computes the stochastic oscillator: %K over a kPeriod
// high/low window, %D as the SMA of %K over dPeriod.
func Stochastic(bars []market.Bar, kPeriod, dPeriod int) StochasticSeries {
	n := len(bars)
	k := nanSlice(n)
	if kPeriod <= 0 || n < kPeriod {
		return StochasticSeries{K: k, D: nanSlice(n)}
	}

	for i := kPeriod - 1; i < n; i++ {
		highest := bars[i-kPeriod+1].High
		lowest := bars[i-kPeriod+1].Low
		for j := i - kPeriod + 2; j <= i; j++ {
			if bars[j].High > highest {
				highest = bars[j].High
			}
			if bars[j].Low < lowest {
				lowest = bars[j].Low
			}
		}
		if highest == lowest {
			k[i] = 50.0
			continue
		}
		k[i] = ((bars[i].Close - lowest) / (highest - lowest)) * 100
	}

	// %D: SMA of %K over its defined portion.
	d := nanSlice(n)
	definedK := k[kPeriod-1:]
	if len(definedK) >= dPeriod {
		dDefined := SMA(definedK, dPeriod)
		for i, v := range dDefined {
			d[kPeriod-1+i] = v
		}
	}
	return StochasticSeries{K: k, D: d}
}
