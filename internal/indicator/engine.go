package indicator

import (
	"fmt"
	"math"
	"sync"
	"time"

	"market-intel-backend/internal/market"
)

// Engine memoises indicator series per (source series, indicator,
// parameters). When the source grows the cached series is extended in
// place instead of recomputed; a full recompute happens only when the
// source no longer matches the cached prefix or grew past the
// indicator period since the last materialisation.
type Engine struct {
	mu      sync.Mutex
	entries map[entryKey]*entry

	hits   uint64
	misses uint64
}

type entryKey struct {
	series market.SeriesKey
	id     string
}

type entry struct {
	srcLen  int
	firstTs time.Time
	lastTs  time.Time
	vals    map[string][]float64
	state   any
}

// matches reports whether the cached entry is a prefix of bars.
func (en *entry) matches(bars []market.Bar) bool {
	if en.srcLen == 0 || len(bars) < en.srcLen {
		return false
	}
	return en.firstTs.Equal(bars[0].Ts) && en.lastTs.Equal(bars[en.srcLen-1].Ts)
}

func (en *entry) touch(bars []market.Bar) {
	en.srcLen = len(bars)
	en.firstTs = bars[0].Ts
	en.lastTs = bars[len(bars)-1].Ts
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{entries: make(map[entryKey]*entry)}
}

// Stats returns cache hit and miss counts. A hit includes incremental
// extensions; a miss is a full materialisation.
func (e *Engine) Stats() (hits, misses uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hits, e.misses
}

// lookup returns the cached entry when it still matches bars, removing
// it otherwise.
func (e *Engine) lookup(key market.SeriesKey, id string, bars []market.Bar) *entry {
	k := entryKey{series: key, id: id}
	en, ok := e.entries[k]
	if !ok {
		return nil
	}
	if len(bars) == 0 || !en.matches(bars) {
		delete(e.entries, k)
		return nil
	}
	return en
}

func (e *Engine) store(key market.SeriesKey, id string, bars []market.Bar, vals map[string][]float64, state any) *entry {
	en := &entry{vals: vals, state: state}
	if len(bars) > 0 {
		en.touch(bars)
	}
	e.entries[entryKey{series: key, id: id}] = en
	return en
}

func copySeries(v []float64) []float64 {
	return append([]float64(nil), v...)
}

// ============================================================================
// INCREMENTAL SERIES
// ============================================================================

// SMA returns the memoised simple moving average of closes.
func (e *Engine) SMA(key market.SeriesKey, bars []market.Bar, period int) []float64 {
	return e.windowedAvg(key, fmt.Sprintf("sma:%d", period), bars, Closes(bars), period)
}

// VolumeSMA returns the memoised simple moving average of volumes.
func (e *Engine) VolumeSMA(key market.SeriesKey, bars []market.Bar, period int) []float64 {
	return e.windowedAvg(key, fmt.Sprintf("vol_sma:%d", period), bars, Volumes(bars), period)
}

func (e *Engine) windowedAvg(key market.SeriesKey, id string, bars []market.Bar, src []float64, period int) []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	en := e.lookup(key, id, bars)
	if en == nil {
		e.misses++
		en = e.store(key, id, bars, map[string][]float64{"v": SMA(src, period)}, nil)
		return copySeries(en.vals["v"])
	}
	e.hits++
	if en.srcLen < len(bars) {
		en.vals["v"] = extendWindowedAvg(en.vals["v"], src, period)
		en.touch(bars)
	}
	return copySeries(en.vals["v"])
}

func extendWindowedAvg(vals, src []float64, period int) []float64 {
	for i := len(vals); i < len(src); i++ {
		if period <= 0 || i < period-1 {
			vals = append(vals, math.NaN())
			continue
		}
		sum := 0.0
		for j := i - period + 1; j <= i; j++ {
			sum += src[j]
		}
		vals = append(vals, sum/float64(period))
	}
	return vals
}

// EMA returns the memoised exponential moving average of closes.
func (e *Engine) EMA(key market.SeriesKey, bars []market.Bar, period int) []float64 {
	id := fmt.Sprintf("ema:%d", period)
	src := Closes(bars)

	e.mu.Lock()
	defer e.mu.Unlock()

	en := e.lookup(key, id, bars)
	if en == nil {
		e.misses++
		en = e.store(key, id, bars, map[string][]float64{"v": EMA(src, period)}, nil)
		return copySeries(en.vals["v"])
	}
	e.hits++
	if en.srcLen < len(bars) {
		en.vals["v"] = extendEMA(en.vals["v"], src, period)
		en.touch(bars)
	}
	return copySeries(en.vals["v"])
}

func extendEMA(vals, src []float64, period int) []float64 {
	multiplier := 2.0 / float64(period+1)
	for i := len(vals); i < len(src); i++ {
		switch {
		case i > 0 && Valid(vals[i-1]):
			vals = append(vals, src[i]*multiplier+vals[i-1]*(1-multiplier))
		case i == period-1:
			sum := 0.0
			for j := 0; j < period; j++ {
				sum += src[j]
			}
			vals = append(vals, sum/float64(period))
		default:
			vals = append(vals, math.NaN())
		}
	}
	return vals
}

type vwapState struct {
	cumPV  float64
	cumVol float64
}

// VWAP returns the memoised cumulative volume-weighted average price.
func (e *Engine) VWAP(key market.SeriesKey, bars []market.Bar) []float64 {
	const id = "vwap"

	e.mu.Lock()
	defer e.mu.Unlock()

	en := e.lookup(key, id, bars)
	if en == nil {
		e.misses++
		vals := VWAP(bars)
		st := &vwapState{}
		for _, b := range bars {
			st.cumPV += (b.High + b.Low + b.Close) / 3.0 * b.Volume
			st.cumVol += b.Volume
		}
		en = e.store(key, id, bars, map[string][]float64{"v": vals}, st)
		return copySeries(en.vals["v"])
	}
	e.hits++
	if en.srcLen < len(bars) {
		st := en.state.(*vwapState)
		vals := en.vals["v"]
		for i := en.srcLen; i < len(bars); i++ {
			b := bars[i]
			st.cumPV += (b.High + b.Low + b.Close) / 3.0 * b.Volume
			st.cumVol += b.Volume
			if st.cumVol > 0 {
				vals = append(vals, st.cumPV/st.cumVol)
			} else {
				vals = append(vals, math.NaN())
			}
		}
		en.vals["v"] = vals
		en.touch(bars)
	}
	return copySeries(en.vals["v"])
}

// ============================================================================
// LAZY SERIES
// ============================================================================

type rsiState struct {
	avgGain float64
	avgLoss float64
	seeded  bool
}

// RSI returns the memoised Wilder RSI of closes.
func (e *Engine) RSI(key market.SeriesKey, bars []market.Bar, period int) []float64 {
	id := fmt.Sprintf("rsi:%d", period)
	src := Closes(bars)

	e.mu.Lock()
	defer e.mu.Unlock()

	en := e.lookup(key, id, bars)
	if en != nil {
		grown := len(bars) - en.srcLen
		st, _ := en.state.(*rsiState)
		if grown == 0 {
			e.hits++
			return copySeries(en.vals["v"])
		}
		if grown <= period && st != nil && st.seeded {
			e.hits++
			vals := en.vals["v"]
			for i := en.srcLen; i < len(src); i++ {
				change := src[i] - src[i-1]
				gain, loss := 0.0, 0.0
				if change > 0 {
					gain = change
				} else {
					loss = -change
				}
				st.avgGain = (st.avgGain*float64(period-1) + gain) / float64(period)
				st.avgLoss = (st.avgLoss*float64(period-1) + loss) / float64(period)
				vals = append(vals, rsiFromAverages(st.avgGain, st.avgLoss))
			}
			en.vals["v"] = vals
			en.touch(bars)
			return copySeries(vals)
		}
	}

	e.misses++
	vals, st := rsiWithState(src, period)
	en = e.store(key, id, bars, map[string][]float64{"v": vals}, st)
	return copySeries(en.vals["v"])
}

func rsiWithState(prices []float64, period int) ([]float64, *rsiState) {
	vals := RSI(prices, period)
	st := &rsiState{}
	if period <= 0 || len(prices) < period+1 {
		return vals, st
	}

	gains, losses := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	st.avgGain = gains / float64(period)
	st.avgLoss = losses / float64(period)
	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		st.avgGain = (st.avgGain*float64(period-1) + gain) / float64(period)
		st.avgLoss = (st.avgLoss*float64(period-1) + loss) / float64(period)
	}
	st.seeded = true
	return vals, st
}

// Bollinger returns the memoised Bollinger Bands of closes.
func (e *Engine) Bollinger(key market.SeriesKey, bars []market.Bar, period int, stdDevMultiplier float64) BollingerSeries {
	id := fmt.Sprintf("bb:%d:%g", period, stdDevMultiplier)
	src := Closes(bars)

	e.mu.Lock()
	defer e.mu.Unlock()

	en := e.lookup(key, id, bars)
	if en != nil {
		grown := len(bars) - en.srcLen
		if grown == 0 {
			e.hits++
			return bollingerFromVals(en.vals)
		}
		if grown <= period {
			e.hits++
			upper, middle, lower := en.vals["upper"], en.vals["middle"], en.vals["lower"]
			for i := en.srcLen; i < len(src); i++ {
				u, m, l := bollingerAt(src, i, period, stdDevMultiplier)
				upper = append(upper, u)
				middle = append(middle, m)
				lower = append(lower, l)
			}
			en.vals["upper"], en.vals["middle"], en.vals["lower"] = upper, middle, lower
			en.touch(bars)
			return bollingerFromVals(en.vals)
		}
	}

	e.misses++
	bb := Bollinger(src, period, stdDevMultiplier)
	en = e.store(key, id, bars, map[string][]float64{
		"upper": bb.Upper, "middle": bb.Middle, "lower": bb.Lower,
	}, nil)
	return bollingerFromVals(en.vals)
}

func bollingerAt(src []float64, i, period int, mult float64) (upper, middle, lower float64) {
	if period <= 0 || i < period-1 {
		return math.NaN(), math.NaN(), math.NaN()
	}
	sum := 0.0
	for j := i - period + 1; j <= i; j++ {
		sum += src[j]
	}
	m := sum / float64(period)
	variance := 0.0
	for j := i - period + 1; j <= i; j++ {
		diff := src[j] - m
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))
	return m + stdDev*mult, m, m - stdDev*mult
}

func bollingerFromVals(vals map[string][]float64) BollingerSeries {
	return BollingerSeries{
		Upper:  copySeries(vals["upper"]),
		Middle: copySeries(vals["middle"]),
		Lower:  copySeries(vals["lower"]),
	}
}

// MACD returns the memoised MACD of closes. Extension needs the signal
// line already seeded; until then growth triggers a recompute.
func (e *Engine) MACD(key market.SeriesKey, bars []market.Bar, fastPeriod, slowPeriod, signalPeriod int) MACDSeries {
	id := fmt.Sprintf("macd:%d:%d:%d", fastPeriod, slowPeriod, signalPeriod)
	src := Closes(bars)

	e.mu.Lock()
	defer e.mu.Unlock()

	en := e.lookup(key, id, bars)
	if en != nil {
		grown := len(bars) - en.srcLen
		st, _ := en.state.(*macdState)
		if grown == 0 {
			e.hits++
			return macdFromVals(en.vals)
		}
		if grown <= slowPeriod && st != nil && st.sigOK {
			e.hits++
			macdLine, signalLine, histogram := en.vals["macd"], en.vals["signal"], en.vals["histogram"]
			fastMult := 2.0 / float64(fastPeriod+1)
			slowMult := 2.0 / float64(slowPeriod+1)
			sigMult := 2.0 / float64(signalPeriod+1)
			for i := en.srcLen; i < len(src); i++ {
				st.fastEMA = src[i]*fastMult + st.fastEMA*(1-fastMult)
				st.slowEMA = src[i]*slowMult + st.slowEMA*(1-slowMult)
				m := st.fastEMA - st.slowEMA
				st.signalEMA = m*sigMult + st.signalEMA*(1-sigMult)
				macdLine = append(macdLine, m)
				signalLine = append(signalLine, st.signalEMA)
				histogram = append(histogram, m-st.signalEMA)
			}
			en.vals["macd"], en.vals["signal"], en.vals["histogram"] = macdLine, signalLine, histogram
			en.touch(bars)
			return macdFromVals(en.vals)
		}
	}

	e.misses++
	res := MACD(src, fastPeriod, slowPeriod, signalPeriod)
	st := macdStateFrom(src, res, fastPeriod, slowPeriod, signalPeriod)
	en = e.store(key, id, bars, map[string][]float64{
		"macd": res.MACD, "signal": res.Signal, "histogram": res.Histogram,
	}, st)
	return macdFromVals(en.vals)
}

type macdState struct {
	fastEMA   float64
	slowEMA   float64
	signalEMA float64
	sigOK     bool
}

func macdStateFrom(src []float64, res MACDSeries, fastPeriod, slowPeriod, signalPeriod int) *macdState {
	st := &macdState{}
	n := len(src)
	if n == 0 {
		return st
	}
	fast := EMA(src, fastPeriod)
	slow := EMA(src, slowPeriod)
	if Valid(fast[n-1]) {
		st.fastEMA = fast[n-1]
	}
	if Valid(slow[n-1]) {
		st.slowEMA = slow[n-1]
	}
	if Valid(res.Signal[n-1]) && Valid(fast[n-1]) && Valid(slow[n-1]) {
		st.signalEMA = res.Signal[n-1]
		st.sigOK = true
	}
	return st
}

func macdFromVals(vals map[string][]float64) MACDSeries {
	return MACDSeries{
		MACD:      copySeries(vals["macd"]),
		Signal:    copySeries(vals["signal"]),
		Histogram: copySeries(vals["histogram"]),
	}
}

// Stochastic returns the memoised stochastic oscillator.
func (e *Engine) Stochastic(key market.SeriesKey, bars []market.Bar, kPeriod, dPeriod int) StochasticSeries {
	id := fmt.Sprintf("stoch:%d:%d", kPeriod, dPeriod)

	e.mu.Lock()
	defer e.mu.Unlock()

	en := e.lookup(key, id, bars)
	if en != nil {
		grown := len(bars) - en.srcLen
		if grown == 0 {
			e.hits++
			return stochasticFromVals(en.vals)
		}
		if grown <= kPeriod {
			e.hits++
			k, d := en.vals["k"], en.vals["d"]
			for i := en.srcLen; i < len(bars); i++ {
				k = append(k, stochasticKAt(bars, i, kPeriod))
				d = append(d, stochasticDAt(k, i, dPeriod))
			}
			en.vals["k"], en.vals["d"] = k, d
			en.touch(bars)
			return stochasticFromVals(en.vals)
		}
	}

	e.misses++
	res := Stochastic(bars, kPeriod, dPeriod)
	en = e.store(key, id, bars, map[string][]float64{"k": res.K, "d": res.D}, nil)
	return stochasticFromVals(en.vals)
}

func stochasticKAt(bars []market.Bar, i, kPeriod int) float64 {
	if kPeriod <= 0 || i < kPeriod-1 {
		return math.NaN()
	}
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
		return 50.0
	}
	return ((bars[i].Close - lowest) / (highest - lowest)) * 100
}

func stochasticDAt(k []float64, i, dPeriod int) float64 {
	if dPeriod <= 0 || i < dPeriod-1 {
		return math.NaN()
	}
	sum := 0.0
	for j := i - dPeriod + 1; j <= i; j++ {
		if !Valid(k[j]) {
			return math.NaN()
		}
		sum += k[j]
	}
	return sum / float64(dPeriod)
}

func stochasticFromVals(vals map[string][]float64) StochasticSeries {
	return StochasticSeries{K: copySeries(vals["k"]), D: copySeries(vals["d"])}
}
