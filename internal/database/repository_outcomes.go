package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"market-intel-backend/internal/signal"
)

// ============================================================================
// OUTCOMES
// ============================================================================

// OpenOutcomes lists incomplete outcomes in ascending signal id, the
// deterministic order the tracker processes them in.
func (r *Repository) OpenOutcomes(ctx context.Context) ([]*signal.Outcome, error) {
	rows, err := r.db.Pool.Query(ctx, outcomeSelect+
		` WHERE NOT is_complete ORDER BY signal_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list open outcomes: %w", err)
	}
	defer rows.Close()

	var out []*signal.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// FindOutcomeBySignal loads the outcome paired to a signal.
func (r *Repository) FindOutcomeBySignal(ctx context.Context, signalID int64) (*signal.Outcome, error) {
	row := r.db.Pool.QueryRow(ctx, outcomeSelect+` WHERE signal_id = $1`, signalID)
	o, err := scanOutcome(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("outcome for signal %d: %w", signalID, signal.ErrSignalMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("find outcome for signal %d: %w", signalID, err)
	}
	return o, nil
}

// UpdateOutcome writes the tracker's view of an outcome back. COALESCE
// on the price slots keeps them write-once at the database even if a
// stale update races in.
func (r *Repository) UpdateOutcome(ctx context.Context, o *signal.Outcome) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE signal_outcomes SET
			price_1h = COALESCE(price_1h, $2),
			price_4h = COALESCE(price_4h, $3),
			price_1d = COALESCE(price_1d, $4),
			price_1w = COALESCE(price_1w, $5),
			price_1m = COALESCE(price_1m, $6),
			return_1h = $7,
			return_4h = $8,
			return_1d = $9,
			return_1w = $10,
			return_1m = $11,
			is_complete = $12,
			updated_at = NOW()
		 WHERE id = $1`,
		o.ID,
		o.Price1H, o.Price4H, o.Price1D, o.Price1W, o.Price1M,
		o.Return1H, o.Return4H, o.Return1D, o.Return1W, o.Return1M,
		o.IsComplete,
	)
	if err != nil {
		return fmt.Errorf("update outcome %d: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outcome %d not found", o.ID)
	}
	return nil
}

const outcomeSelect = `SELECT id, signal_id,
	price_1h, price_4h, price_1d, price_1w, price_1m,
	return_1h, return_4h, return_1d, return_1w, return_1m,
	is_complete, created_at, updated_at
	FROM signal_outcomes`

func scanOutcome(row pgx.Row) (*signal.Outcome, error) {
	var o signal.Outcome
	err := row.Scan(
		&o.ID, &o.SignalID,
		&o.Price1H, &o.Price4H, &o.Price1D, &o.Price1W, &o.Price1M,
		&o.Return1H, &o.Return4H, &o.Return1D, &o.Return1W, &o.Return1M,
		&o.IsComplete, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
