package signal

import (
	"math"
	"testing"
	"time"

	"market-intel-backend/config"
	"market-intel-backend/internal/indicator"
	"market-intel-backend/internal/logging"
	"market-intel-backend/internal/market"
)

func testDetector() *Detector {
	cfg := &config.DetectorConfig{MinBreakoutPct: 0.1, DedupWindowMin: 60}
	return NewDetector(cfg, indicator.NewEngine(), logging.Default())
}

func dailyBar(i int, close float64) market.Bar {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return market.Bar{
		Symbol:    "^IXIC",
		Timeframe: "1d",
		Ts:        base.AddDate(0, 0, i),
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
		Volume:    1_000_000,
	}
}

// 250 daily bars engineered so that the last append breaks above the
// 200-day MA: close[249]=23050.75 with MA200=23000.25, close[248]=22990.00
// with MA200=22995.00. Earlier closes are shaped so no shorter MA rule
// fires on the same bar.
func ma200BreakoutSeries() []market.Bar {
	filler := (22995.0*200 - 22000.75 - 22990.0 - 49*22000.0) / 149.0

	closes := make([]float64, 250)
	for i := 0; i <= 48; i++ {
		closes[i] = filler
	}
	closes[49] = 22000.75
	for i := 50; i <= 198; i++ {
		closes[i] = filler
	}
	for i := 199; i <= 247; i++ {
		closes[i] = 22000.0
	}
	closes[248] = 22990.00
	closes[249] = 23050.75

	bars := make([]market.Bar, len(closes))
	for i, c := range closes {
		bars[i] = dailyBar(i, c)
	}
	return bars
}

func TestMA200BreakoutUp(t *testing.T) {
	d := testDetector()
	key := market.SeriesKey{Symbol: "^IXIC", Timeframe: "1d"}
	bars := ma200BreakoutSeries()

	// Baseline pass on the first 249 bars so sentiment has a previous
	// evaluation, then the breakout bar arrives.
	d.Evaluate(key, bars[:249])
	signals := d.Evaluate(key, bars)

	var breakouts []Signal
	for _, s := range signals {
		if s.SignalType != TypeSentimentChange {
			breakouts = append(breakouts, s)
		}
	}
	if len(breakouts) != 1 {
		t.Fatalf("expected exactly one non-sentiment signal, got %d: %+v", len(breakouts), breakouts)
	}

	s := breakouts[0]
	if s.SignalType != TypeMA200BreakoutUp {
		t.Errorf("signal type = %s, want %s", s.SignalType, TypeMA200BreakoutUp)
	}
	if s.Symbol != "^IXIC" || s.Timeframe != "1d" {
		t.Errorf("unexpected identity: %s/%s", s.Symbol, s.Timeframe)
	}
	if s.CurrentPrice != 23050.75 {
		t.Errorf("current price = %f, want 23050.75", s.CurrentPrice)
	}
	if s.SignalStrength == nil {
		t.Fatal("expected signal strength")
	}
	if math.Abs(*s.SignalStrength-0.2196) > 0.001 {
		t.Errorf("strength = %f, want ~0.2196", *s.SignalStrength)
	}
	if s.MarketCondition != MarketBullish {
		t.Errorf("market condition = %s, want bullish", s.MarketCondition)
	}
	if s.IndicatorValue == nil || math.Abs(*s.IndicatorValue-23000.25) > 0.01 {
		t.Errorf("indicator value should be the MA200, got %v", s.IndicatorValue)
	}
}

func TestGoldenCrossDailyOnly(t *testing.T) {
	d := testDetector()

	// A plateau, a long decline and a sharp recovery: the 50-day MA
	// starts below the 200-day MA once both are defined, then crosses
	// up through it exactly once.
	closes := make([]float64, 280)
	for i := 0; i < 100; i++ {
		closes[i] = 200
	}
	for i := 100; i < 200; i++ {
		closes[i] = 200 - float64(i-99)
	}
	for i := 200; i < len(closes); i++ {
		closes[i] = 100 + float64(i-199)*4
	}

	runTimeframe := func(tf string) []Signal {
		key := market.SeriesKey{Symbol: "AAPL", Timeframe: tf}
		var crosses []Signal
		bars := make([]market.Bar, 0, len(closes))
		for i, c := range closes {
			b := dailyBar(i, c)
			b.Symbol = "AAPL"
			b.Timeframe = tf
			bars = append(bars, b)
			if len(bars) < 2 {
				continue
			}
			for _, s := range d.Evaluate(key, bars) {
				if s.SignalType == TypeGoldenCross || s.SignalType == TypeDeadCross {
					crosses = append(crosses, s)
				}
			}
		}
		return crosses
	}

	daily := runTimeframe("1d")
	if len(daily) != 1 {
		t.Fatalf("expected one cross on daily, got %d", len(daily))
	}
	if daily[0].SignalType != TypeGoldenCross {
		t.Errorf("cross type = %s, want golden_cross", daily[0].SignalType)
	}

	hourly := runTimeframe("1h")
	if len(hourly) != 0 {
		t.Errorf("crosses must only evaluate on daily, got %d on 1h", len(hourly))
	}
}

func TestRSIBandRules(t *testing.T) {
	d := testDetector()
	prev := dailyBar(0, 100)
	curr := dailyBar(1, 101)

	cases := []struct {
		name     string
		prevRSI  float64
		currRSI  float64
		wantType string
		wantNone bool
	}{
		{"overbought entry", 68, 71, TypeRSIOverbought, false},
		{"overbought needs rise of 2", 70, 71, "", true},
		{"already overbought stays silent", 74, 80, "", true},
		{"oversold entry", 32, 29, TypeRSIOversold, false},
		{"oversold needs drop of 2", 30.5, 29.5, "", true},
		{"bull 50 cross", 48, 54, TypeRSIBull50Cross, false},
		{"bull 50 cross too shallow", 48, 52, "", true},
		{"bear 50 cross", 52, 46, TypeRSIBear50Cross, false},
		{"flat rsi", 50, 50, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rsi := []float64{tc.prevRSI, tc.currRSI}
			s, ok := d.rsiRules(prev, curr, rsi, 2, MarketSideways)
			if tc.wantNone {
				if ok {
					t.Fatalf("expected no signal, got %s", s.SignalType)
				}
				return
			}
			if !ok {
				t.Fatal("expected a signal")
			}
			if s.SignalType != tc.wantType {
				t.Errorf("type = %s, want %s", s.SignalType, tc.wantType)
			}
		})
	}
}

func TestBollingerBreakSupersedesTouch(t *testing.T) {
	d := testDetector()
	prev := dailyBar(0, 109)
	curr := dailyBar(1, 110.5)

	bb := indicator.BollingerSeries{
		Upper:  []float64{110, 110},
		Middle: []float64{100, 100},
		Lower:  []float64{90, 90},
	}

	signals := d.bollingerRules(prev, curr, bb, 2, MarketBullish)
	if len(signals) != 1 {
		t.Fatalf("expected one signal, got %d", len(signals))
	}
	if signals[0].SignalType != TypeBBBreakUpper {
		t.Errorf("type = %s, want %s (break supersedes touch)", signals[0].SignalType, TypeBBBreakUpper)
	}
}

func TestBollingerTouchWithoutBreak(t *testing.T) {
	d := testDetector()
	prev := dailyBar(0, 105)
	curr := dailyBar(1, 109.5)

	bb := indicator.BollingerSeries{
		Upper:  []float64{110, 110},
		Middle: []float64{100, 100},
		Lower:  []float64{90, 90},
	}

	signals := d.bollingerRules(prev, curr, bb, 2, MarketBullish)
	if len(signals) != 1 {
		t.Fatalf("expected one signal, got %d", len(signals))
	}
	if signals[0].SignalType != TypeBBTouchUpper {
		t.Errorf("type = %s, want %s", signals[0].SignalType, TypeBBTouchUpper)
	}
}

func TestSentimentClassificationBands(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{0.05, SentimentVeryBearish},
		{0.19, SentimentVeryBearish},
		{0.20, SentimentBearish},
		{0.39, SentimentBearish},
		{0.40, SentimentNeutral},
		{0.50, SentimentNeutral},
		{0.60, SentimentNeutral},
		{0.61, SentimentBullish},
		{0.80, SentimentBullish},
		{0.81, SentimentVeryBullish},
		{1.00, SentimentVeryBullish},
	}
	for _, tc := range cases {
		if got := classifySentiment(tc.score); got != tc.want {
			t.Errorf("classifySentiment(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestSentimentEmitsOnlyOnChange(t *testing.T) {
	d := testDetector()
	key := market.SeriesKey{Symbol: "TSLA", Timeframe: "1h"}

	// A long climb, then a crash; the classification must flip at some
	// point and emit exactly one signal per flip.
	closes := make([]float64, 0, 160)
	for i := 0; i < 100; i++ {
		closes = append(closes, 100+float64(i))
	}
	for i := 0; i < 60; i++ {
		closes = append(closes, 199-float64(i)*3)
	}

	var changes []Signal
	bars := make([]market.Bar, 0, len(closes))
	for i, c := range closes {
		b := dailyBar(i, c)
		b.Symbol = "TSLA"
		b.Timeframe = "1h"
		bars = append(bars, b)
		if len(bars) < 2 {
			continue
		}
		for _, s := range d.Evaluate(key, bars) {
			if s.SignalType == TypeSentimentChange {
				changes = append(changes, s)
			}
		}
	}

	if len(changes) == 0 {
		t.Fatal("expected at least one sentiment change across a trend reversal")
	}
	for _, s := range changes {
		if s.AdditionalContext["classification"] == s.AdditionalContext["previous_classification"] {
			t.Error("sentiment change emitted without a classification change")
		}
	}
}
