package database

import (
	"context"
	"fmt"

	"market-intel-backend/internal/dbmon"
)

// ============================================================================
// SLOW QUERIES
// ============================================================================

// InsertSlowQueries persists a batch of captured slow queries in one
// transaction. The whole batch lands or none of it does.
func (r *Repository) InsertSlowQueries(ctx context.Context, entries []dbmon.SlowQueryLog) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin slow query insert: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO slow_query_logs
				(query_hash, query_template, original_query, duration_seconds,
				 affected_rows, table_names, operation_type, execution_timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.QueryHash, e.QueryTemplate, e.OriginalQuery, e.Duration.Seconds(),
			e.AffectedRows, e.TableNames, e.OperationType, e.ExecutedAt,
		); err != nil {
			return fmt.Errorf("insert slow query %s: %w", e.QueryHash, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit slow query insert: %w", err)
	}
	return nil
}
