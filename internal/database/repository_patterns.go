package database

import (
	"context"
	"fmt"
	"time"

	"market-intel-backend/internal/signal"
)

// ============================================================================
// PATTERNS
// ============================================================================

// SignalWithReturn is a signal joined to its outcome's 1-day return
// for pattern aggregation.
type SignalWithReturn struct {
	ID          int64
	Symbol      string
	SignalType  string
	TriggeredAt time.Time
	Return1D    *float64
}

// PatternSymbols lists distinct symbols with signals since the cutoff.
func (r *Repository) PatternSymbols(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT DISTINCT symbol FROM technical_signals
		 WHERE triggered_at >= $1 ORDER BY symbol`, since)
	if err != nil {
		return nil, fmt.Errorf("list pattern symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SignalsWithReturns loads a symbol's signals since the cutoff joined
// to their 1-day returns, oldest first.
func (r *Repository) SignalsWithReturns(ctx context.Context, symbol string, since time.Time) ([]SignalWithReturn, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT s.id, s.symbol, s.signal_type, s.triggered_at, o.return_1d
		 FROM technical_signals s
		 LEFT JOIN signal_outcomes o ON o.signal_id = s.id
		 WHERE s.symbol = $1 AND s.triggered_at >= $2
		 ORDER BY s.triggered_at ASC, s.id ASC`,
		symbol, since)
	if err != nil {
		return nil, fmt.Errorf("list signals with returns: %w", err)
	}
	defer rows.Close()

	var out []SignalWithReturn
	for rows.Next() {
		var sr SignalWithReturn
		if err := rows.Scan(&sr.ID, &sr.Symbol, &sr.SignalType, &sr.TriggeredAt, &sr.Return1D); err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// UpsertPattern persists a pattern, replacing the stats of an existing
// (symbol, signature) row.
func (r *Repository) UpsertPattern(ctx context.Context, p *signal.Pattern) error {
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO signal_patterns
			(symbol, pattern_signature, signal_types, component_signal_ids,
			 discovered_at, sample_count, avg_return_1d, success_rate_1d)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (symbol, pattern_signature) DO UPDATE SET
			signal_types = EXCLUDED.signal_types,
			component_signal_ids = EXCLUDED.component_signal_ids,
			sample_count = EXCLUDED.sample_count,
			avg_return_1d = EXCLUDED.avg_return_1d,
			success_rate_1d = EXCLUDED.success_rate_1d,
			updated_at = NOW()
		 RETURNING id`,
		p.Symbol, p.PatternSignature, p.SignalTypes, p.ComponentIDs,
		p.DiscoveredAt, p.SampleCount, p.AvgReturn1D, p.SuccessRate1D,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("upsert pattern %s/%s: %w", p.Symbol, p.PatternSignature, err)
	}
	return nil
}

// PatternsForSymbol lists stored patterns for a symbol.
func (r *Repository) PatternsForSymbol(ctx context.Context, symbol string) ([]*signal.Pattern, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, symbol, pattern_signature, signal_types, component_signal_ids,
			discovered_at, sample_count, avg_return_1d, success_rate_1d
		 FROM signal_patterns WHERE symbol = $1 ORDER BY sample_count DESC`,
		symbol)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []*signal.Pattern
	for rows.Next() {
		var p signal.Pattern
		if err := rows.Scan(&p.ID, &p.Symbol, &p.PatternSignature, &p.SignalTypes,
			&p.ComponentIDs, &p.DiscoveredAt, &p.SampleCount,
			&p.AvgReturn1D, &p.SuccessRate1D); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
