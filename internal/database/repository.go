package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"market-intel-backend/internal/logging"
	"market-intel-backend/internal/signal"
)

// Repository persists signals, outcomes, patterns and slow-query rows.
type Repository struct {
	db  *DB
	log *logging.Logger
}

// NewRepository creates a repository over db.
func NewRepository(db *DB, log *logging.Logger) *Repository {
	return &Repository{db: db, log: log.WithComponent("repository")}
}

// ============================================================================
// SIGNALS
// ============================================================================

// SaveSignalWithOutcome persists the signal and its empty paired
// outcome in one transaction. If another signal with the same
// (symbol, signal_type) was triggered inside the dedup window it
// returns signal.ErrDuplicateSignal and persists nothing.
func (r *Repository) SaveSignalWithOutcome(ctx context.Context, s *signal.Signal, dedupWindow time.Duration) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save signal: %w", err)
	}
	defer tx.Rollback(ctx)

	cutoff := s.TriggeredAt.Add(-dedupWindow)
	var existingID int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM technical_signals
		 WHERE symbol = $1 AND signal_type = $2 AND triggered_at >= $3
		 ORDER BY triggered_at DESC LIMIT 1`,
		s.Symbol, s.SignalType, cutoff,
	).Scan(&existingID)
	if err == nil {
		return signal.ErrDuplicateSignal
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("dedup lookup: %w", err)
	}

	ctxJSON, err := marshalContext(s.AdditionalContext)
	if err != nil {
		return fmt.Errorf("marshal additional context: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO technical_signals
			(symbol, signal_type, timeframe, triggered_at, current_price,
			 indicator_value, signal_strength, volume, market_condition,
			 alert_sent, additional_context)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10::jsonb)
		 RETURNING id`,
		s.Symbol, s.SignalType, s.Timeframe, s.TriggeredAt, s.CurrentPrice,
		s.IndicatorValue, s.SignalStrength, s.Volume, string(s.MarketCondition),
		ctxJSON,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO signal_outcomes (signal_id) VALUES ($1)`, s.ID,
	); err != nil {
		return fmt.Errorf("insert paired outcome: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save signal: %w", err)
	}

	r.log.Debug("signal persisted",
		"id", s.ID, "symbol", s.Symbol, "type", s.SignalType)
	return nil
}

// MarkAlertSent flips the alert_sent flag.
func (r *Repository) MarkAlertSent(ctx context.Context, signalID int64) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE technical_signals SET alert_sent = TRUE WHERE id = $1`, signalID)
	if err != nil {
		return fmt.Errorf("mark alert sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return signal.ErrSignalMissing
	}
	return nil
}

// FindByID loads one signal; signal.ErrSignalMissing when absent.
func (r *Repository) FindByID(ctx context.Context, id int64) (*signal.Signal, error) {
	row := r.db.Pool.QueryRow(ctx, signalSelect+` WHERE id = $1`, id)
	s, err := scanSignal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, signal.ErrSignalMissing
	}
	if err != nil {
		return nil, fmt.Errorf("find signal %d: %w", id, err)
	}
	return s, nil
}

// Recent lists signals matching the filter, newest first.
func (r *Repository) Recent(ctx context.Context, f signal.Filter, limit int) ([]*signal.Signal, error) {
	query := signalSelect + ` WHERE 1=1`
	args := []interface{}{}

	if f.Symbol != "" {
		args = append(args, f.Symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	if f.SignalType != "" {
		args = append(args, f.SignalType)
		query += fmt.Sprintf(" AND signal_type = $%d", len(args))
	}
	if f.Timeframe != "" {
		args = append(args, f.Timeframe)
		query += fmt.Sprintf(" AND timeframe = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(" AND triggered_at >= $%d", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY triggered_at DESC LIMIT $%d", len(args))

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent signals: %w", err)
	}
	defer rows.Close()

	var out []*signal.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const signalSelect = `SELECT id, symbol, signal_type, timeframe, triggered_at,
	current_price, indicator_value, signal_strength, volume,
	market_condition, alert_sent, additional_context
	FROM technical_signals`

func scanSignal(row pgx.Row) (*signal.Signal, error) {
	var (
		s         signal.Signal
		condition string
		ctxJSON   []byte
	)
	err := row.Scan(
		&s.ID, &s.Symbol, &s.SignalType, &s.Timeframe, &s.TriggeredAt,
		&s.CurrentPrice, &s.IndicatorValue, &s.SignalStrength, &s.Volume,
		&condition, &s.AlertSent, &ctxJSON,
	)
	if err != nil {
		return nil, err
	}
	s.MarketCondition = signal.MarketCondition(condition)
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &s.AdditionalContext); err != nil {
			return nil, fmt.Errorf("decode additional context: %w", err)
		}
	}
	return &s, nil
}

func marshalContext(m map[string]interface{}) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
