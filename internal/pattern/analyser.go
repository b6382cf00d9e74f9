package pattern

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"market-intel-backend/config"
	"market-intel-backend/internal/database"
	"market-intel-backend/internal/logging"
	"market-intel-backend/internal/signal"
)

// Store is the persistence surface the analyser reads and writes.
type Store interface {
	PatternSymbols(ctx context.Context, since time.Time) ([]string, error)
	SignalsWithReturns(ctx context.Context, symbol string, since time.Time) ([]database.SignalWithReturn, error)
	UpsertPattern(ctx context.Context, p *signal.Pattern) error
}

// Analyser clusters a symbol's recent signals into sequential chains
// and concurrent sets, then aggregates their 1-day outcomes per
// distinct signature.
type Analyser struct {
	cfg   *config.PatternConfig
	store Store
	log   *logging.Logger
	now   func() time.Time
}

// NewAnalyser creates a pattern analyser.
func NewAnalyser(cfg *config.PatternConfig, store Store, log *logging.Logger) *Analyser {
	return &Analyser{
		cfg:   cfg,
		store: store,
		log:   log.WithComponent("pattern-analyser"),
		now:   time.Now,
	}
}

// Run performs one full analysis pass over every symbol with signals in
// the window. Each distinct signature is persisted once per run; a
// failing symbol is logged and skipped. Returns the number of patterns
// written.
func (a *Analyser) Run(ctx context.Context) (int, error) {
	runID := uuid.New().String()[:8]
	since := a.now().Add(-time.Duration(a.cfg.WindowDays) * 24 * time.Hour)

	symbols, err := a.store.PatternSymbols(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("pattern run %s: %w", runID, err)
	}

	written := 0
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		sigs, err := a.store.SignalsWithReturns(ctx, symbol, since)
		if err != nil {
			a.log.Warn("pattern pass failed for symbol",
				"run", runID, "symbol", symbol, "error", err)
			continue
		}

		for _, p := range a.Analyse(symbol, sigs) {
			p.DiscoveredAt = a.now()
			if err := a.store.UpsertPattern(ctx, p); err != nil {
				a.log.Warn("pattern upsert failed",
					"run", runID, "symbol", symbol,
					"signature", p.PatternSignature, "error", err)
				continue
			}
			written++
		}
	}

	a.log.Info("pattern run finished",
		"run", runID, "symbols", len(symbols), "patterns", written)
	return written, nil
}

// Analyse groups one symbol's window of signals (oldest first) and
// returns one pattern per distinct signature.
func (a *Analyser) Analyse(symbol string, sigs []database.SignalWithReturn) []*signal.Pattern {
	seqGap := time.Duration(a.cfg.SequentialGapDays) * 24 * time.Hour
	conGap := time.Duration(a.cfg.ConcurrentGapMin) * time.Minute

	aggs := make(map[string]*aggregate)
	order := []string{}

	collect := func(sig string, types []string, group []database.SignalWithReturn) {
		agg, ok := aggs[sig]
		if !ok {
			agg = &aggregate{types: types}
			aggs[sig] = agg
			order = append(order, sig)
		}
		for _, s := range group {
			agg.ids = append(agg.ids, s.ID)
			if s.Return1D != nil {
				agg.returns = append(agg.returns, *s.Return1D)
			}
		}
	}

	for _, group := range chains(sigs, seqGap) {
		types := signalTypes(group)
		collect(signature("seq", types), types, group)
	}
	for _, group := range chains(sigs, conGap) {
		types := signalTypes(group)
		sort.Strings(types)
		collect(signature("con", types), types, group)
	}

	out := make([]*signal.Pattern, 0, len(aggs))
	for _, sig := range order {
		agg := aggs[sig]
		p := &signal.Pattern{
			Symbol:           symbol,
			PatternSignature: sig,
			SignalTypes:      agg.types,
			ComponentIDs:     agg.ids,
			SampleCount:      len(agg.returns),
		}
		if n := len(agg.returns); n > 0 {
			var sum float64
			wins := 0
			for _, r := range agg.returns {
				sum += r
				if r > 0 {
					wins++
				}
			}
			p.AvgReturn1D = sum / float64(n)
			p.SuccessRate1D = float64(wins) / float64(n)
		}
		out = append(out, p)
	}
	return out
}

type aggregate struct {
	types   []string
	ids     []int64
	returns []float64
}

// chains splits an ordered signal slice into groups where consecutive
// members are at most gap apart. Singletons are not patterns and are
// dropped.
func chains(sigs []database.SignalWithReturn, gap time.Duration) [][]database.SignalWithReturn {
	var out [][]database.SignalWithReturn
	var cur []database.SignalWithReturn

	flush := func() {
		if len(cur) >= 2 {
			out = append(out, cur)
		}
		cur = nil
	}

	for _, s := range sigs {
		if len(cur) > 0 && s.TriggeredAt.Sub(cur[len(cur)-1].TriggeredAt) > gap {
			flush()
		}
		cur = append(cur, s)
	}
	flush()
	return out
}

func signalTypes(group []database.SignalWithReturn) []string {
	types := make([]string, len(group))
	for i, s := range group {
		types[i] = s.SignalType
	}
	return types
}

// signature derives a stable hash for a type tuple. The kind prefix
// keeps an ordered chain distinct from a same-membership set.
func signature(kind string, types []string) string {
	sum := md5.Sum([]byte(kind + ":" + strings.Join(types, "|")))
	return kind + ":" + hex.EncodeToString(sum[:])[:12]
}
