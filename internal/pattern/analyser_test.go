package pattern

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"market-intel-backend/config"
	"market-intel-backend/internal/database"
	"market-intel-backend/internal/logging"
	"market-intel-backend/internal/signal"
)

func patternConfig() *config.PatternConfig {
	return &config.PatternConfig{
		WindowDays:        90,
		SequentialGapDays: 7,
		ConcurrentGapMin:  30,
	}
}

func sigAt(id int64, typ string, at time.Time, ret *float64) database.SignalWithReturn {
	return database.SignalWithReturn{
		ID: id, Symbol: "BTCUSDT", SignalType: typ, TriggeredAt: at, Return1D: ret,
	}
}

type fakePatternStore struct {
	symbols map[string][]database.SignalWithReturn
	upserts []*signal.Pattern
}

func (f *fakePatternStore) PatternSymbols(ctx context.Context, since time.Time) ([]string, error) {
	var out []string
	for s := range f.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakePatternStore) SignalsWithReturns(ctx context.Context, symbol string, since time.Time) ([]database.SignalWithReturn, error) {
	return f.symbols[symbol], nil
}

func (f *fakePatternStore) UpsertPattern(ctx context.Context, p *signal.Pattern) error {
	f.upserts = append(f.upserts, p)
	return nil
}

func TestSequentialChainGrouping(t *testing.T) {
	a := NewAnalyser(patternConfig(), nil, logging.Default())
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	// Three signals two days apart chain; the fourth is 20 days later.
	sigs := []database.SignalWithReturn{
		sigAt(1, "MA50_breakout_up", base, signal.Float(1.0)),
		sigAt(2, "RSI_overbought", base.Add(2*24*time.Hour), signal.Float(2.0)),
		sigAt(3, "BB_break_upper", base.Add(4*24*time.Hour), signal.Float(-1.0)),
		sigAt(4, "golden_cross", base.Add(24*24*time.Hour), nil),
	}

	patterns := a.Analyse("BTCUSDT", sigs)
	if len(patterns) != 1 {
		t.Fatalf("patterns = %d, want 1 sequential chain", len(patterns))
	}
	p := patterns[0]
	if !strings.HasPrefix(p.PatternSignature, "seq:") {
		t.Errorf("signature = %q, want seq: prefix", p.PatternSignature)
	}
	want := []string{"MA50_breakout_up", "RSI_overbought", "BB_break_upper"}
	if len(p.SignalTypes) != 3 {
		t.Fatalf("types = %v", p.SignalTypes)
	}
	for i := range want {
		if p.SignalTypes[i] != want[i] {
			t.Errorf("types[%d] = %q, want %q (order preserved)", i, p.SignalTypes[i], want[i])
		}
	}
	if len(p.ComponentIDs) != 3 {
		t.Errorf("component ids = %v", p.ComponentIDs)
	}
}

func TestConcurrentSetSharesSortedSignature(t *testing.T) {
	a := NewAnalyser(patternConfig(), nil, logging.Default())
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	// Two bursts ten days apart, same membership in opposite order.
	sigs := []database.SignalWithReturn{
		sigAt(1, "RSI_overbought", base, signal.Float(1.0)),
		sigAt(2, "BB_break_upper", base.Add(10*time.Minute), signal.Float(2.0)),
		sigAt(3, "BB_break_upper", base.Add(10*24*time.Hour), signal.Float(3.0)),
		sigAt(4, "RSI_overbought", base.Add(10*24*time.Hour+10*time.Minute), signal.Float(-2.0)),
	}

	patterns := a.Analyse("BTCUSDT", sigs)

	var seq, con []*signal.Pattern
	for _, p := range patterns {
		if strings.HasPrefix(p.PatternSignature, "con:") {
			con = append(con, p)
		} else {
			seq = append(seq, p)
		}
	}

	// Ordered signatures differ, the sorted one collapses both bursts.
	if len(seq) != 2 {
		t.Errorf("sequential patterns = %d, want 2 distinct orders", len(seq))
	}
	if len(con) != 1 {
		t.Fatalf("concurrent patterns = %d, want 1 shared set", len(con))
	}
	c := con[0]
	if len(c.ComponentIDs) != 4 {
		t.Errorf("concurrent components = %v, want all 4", c.ComponentIDs)
	}
	if c.SignalTypes[0] != "BB_break_upper" || c.SignalTypes[1] != "RSI_overbought" {
		t.Errorf("concurrent types not sorted: %v", c.SignalTypes)
	}
	if c.SampleCount != 4 {
		t.Errorf("sample count = %d, want 4", c.SampleCount)
	}
	if got := c.AvgReturn1D; got != 1.0 {
		t.Errorf("avg return = %v, want 1.0", got)
	}
	if got := c.SuccessRate1D; got != 0.75 {
		t.Errorf("success rate = %v, want 0.75", got)
	}
}

func TestNullReturnsExcludedFromStats(t *testing.T) {
	a := NewAnalyser(patternConfig(), nil, logging.Default())
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	sigs := []database.SignalWithReturn{
		sigAt(1, "MA20_breakout_up", base, signal.Float(2.0)),
		sigAt(2, "MA20_breakout_up", base.Add(24*time.Hour), signal.Float(-1.0)),
		sigAt(3, "MA20_breakout_up", base.Add(2*24*time.Hour), nil),
	}

	patterns := a.Analyse("BTCUSDT", sigs)
	if len(patterns) != 1 {
		t.Fatalf("patterns = %d, want 1", len(patterns))
	}
	p := patterns[0]
	if p.SampleCount != 2 {
		t.Errorf("sample count = %d, want 2 (null return excluded)", p.SampleCount)
	}
	if p.AvgReturn1D != 0.5 {
		t.Errorf("avg return = %v, want 0.5", p.AvgReturn1D)
	}
	if p.SuccessRate1D != 0.5 {
		t.Errorf("success rate = %v, want 0.5", p.SuccessRate1D)
	}
	if len(p.ComponentIDs) != 3 {
		t.Errorf("all components are listed even without outcomes: %v", p.ComponentIDs)
	}
}

func TestSingletonsAreNotPatterns(t *testing.T) {
	a := NewAnalyser(patternConfig(), nil, logging.Default())
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	sigs := []database.SignalWithReturn{
		sigAt(1, "golden_cross", base, signal.Float(5.0)),
		sigAt(2, "dead_cross", base.Add(30*24*time.Hour), signal.Float(-5.0)),
	}

	if patterns := a.Analyse("BTCUSDT", sigs); len(patterns) != 0 {
		t.Errorf("isolated signals produced %d patterns", len(patterns))
	}
}

func TestRunPersistsOncePerSignature(t *testing.T) {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	store := &fakePatternStore{symbols: map[string][]database.SignalWithReturn{
		"BTCUSDT": {
			sigAt(1, "RSI_oversold", base, signal.Float(1.0)),
			sigAt(2, "BB_break_lower", base.Add(time.Hour), signal.Float(2.0)),
		},
		"ETHUSDT": {
			sigAt(3, "RSI_oversold", base, signal.Float(-1.0)),
			sigAt(4, "BB_break_lower", base.Add(time.Hour), signal.Float(1.0)),
		},
	}}
	a := NewAnalyser(patternConfig(), store, logging.Default())

	written, err := a.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if written != len(store.upserts) {
		t.Errorf("written = %d, upserts = %d", written, len(store.upserts))
	}

	seen := make(map[string]bool)
	for _, p := range store.upserts {
		key := p.Symbol + "/" + p.PatternSignature
		if seen[key] {
			t.Errorf("signature persisted twice in one run: %s", key)
		}
		seen[key] = true
		if p.DiscoveredAt.IsZero() {
			t.Error("discovered_at not set")
		}
	}

	// Same tuple on two symbols shares the signature but not the row.
	var btc, eth string
	for _, p := range store.upserts {
		if strings.HasPrefix(p.PatternSignature, "seq:") {
			switch p.Symbol {
			case "BTCUSDT":
				btc = p.PatternSignature
			case "ETHUSDT":
				eth = p.PatternSignature
			}
		}
	}
	if btc == "" || eth == "" || btc != eth {
		t.Errorf("same tuple must hash identically across symbols: %q vs %q", btc, eth)
	}
}
