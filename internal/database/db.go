package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"market-intel-backend/config"
	"market-intel-backend/internal/logging"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  *logging.Logger
}

// Hooks receives pool lifecycle callbacks. The query monitor registers
// itself here; everything is optional.
type Hooks struct {
	Tracer        pgx.QueryTracer
	AfterConnect  func()
	BeforeAcquire func(conn *pgx.Conn)
	AfterRelease  func(conn *pgx.Conn)
	BeforeClose   func()
}

// NewDB creates a connection pool sized from the pool config with the
// given lifecycle hooks installed.
func NewDB(cfg *config.DatabaseConfig, poolCfg *config.PoolConfig, hooks *Hooks, log *logging.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pc.MinConns = int32(poolCfg.Min)
	pc.MaxConns = int32(poolCfg.Max + poolCfg.MaxOverflow)
	pc.MaxConnLifetime = poolCfg.Recycle
	pc.MaxConnIdleTime = 30 * time.Minute
	pc.HealthCheckPeriod = time.Minute
	pc.ConnConfig.ConnectTimeout = poolCfg.Timeout

	if hooks != nil {
		if hooks.Tracer != nil {
			pc.ConnConfig.Tracer = hooks.Tracer
		}
		if hooks.AfterConnect != nil {
			afterConnect := hooks.AfterConnect
			pc.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
				afterConnect()
				return nil
			}
		}
		if hooks.BeforeAcquire != nil {
			beforeAcquire := hooks.BeforeAcquire
			pc.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
				beforeAcquire(conn)
				return true
			}
		}
		if hooks.AfterRelease != nil {
			afterRelease := hooks.AfterRelease
			pc.AfterRelease = func(conn *pgx.Conn) bool {
				afterRelease(conn)
				return true
			}
		}
		if hooks.BeforeClose != nil {
			pc.BeforeClose = func(conn *pgx.Conn) { hooks.BeforeClose() }
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info("connected to database",
		"database", cfg.Database, "host", cfg.Host,
		"min_conns", pc.MinConns, "max_conns", pc.MaxConns)

	return &DB{Pool: pool, log: log.WithComponent("database")}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info("database connection closed")
	}
}

// HealthCheck pings the database.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Stat exposes the pool counters for the pool manager.
func (db *DB) Stat() *pgxpool.Stat {
	return db.Pool.Stat()
}

// RunMigrations executes the schema migrations.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info("running database migrations")

	migrations := []string{
		// Emitted signals
		`CREATE TABLE IF NOT EXISTS technical_signals (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			signal_type VARCHAR(50) NOT NULL,
			timeframe VARCHAR(10) NOT NULL,
			triggered_at TIMESTAMPTZ NOT NULL,
			current_price DECIMAL(20, 8) NOT NULL,
			indicator_value DECIMAL(20, 8),
			signal_strength DECIMAL(10, 4),
			volume DECIMAL(30, 8),
			market_condition VARCHAR(10) NOT NULL,
			alert_sent BOOLEAN DEFAULT FALSE,
			additional_context JSONB,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_technical_signals_dedup
			ON technical_signals(symbol, signal_type, triggered_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_technical_signals_triggered_at
			ON technical_signals(triggered_at)`,

		// Realised outcomes, one per signal
		`CREATE TABLE IF NOT EXISTS signal_outcomes (
			id BIGSERIAL PRIMARY KEY,
			signal_id BIGINT NOT NULL UNIQUE REFERENCES technical_signals(id) ON DELETE CASCADE,
			price_1h DECIMAL(20, 8),
			price_4h DECIMAL(20, 8),
			price_1d DECIMAL(20, 8),
			price_1w DECIMAL(20, 8),
			price_1m DECIMAL(20, 8),
			return_1h DECIMAL(10, 4),
			return_4h DECIMAL(10, 4),
			return_1d DECIMAL(10, 4),
			return_1w DECIMAL(10, 4),
			return_1m DECIMAL(10, 4),
			is_complete BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_outcomes_open
			ON signal_outcomes(signal_id) WHERE NOT is_complete`,

		// Discovered signal patterns
		`CREATE TABLE IF NOT EXISTS signal_patterns (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			pattern_signature VARCHAR(32) NOT NULL,
			signal_types TEXT[] NOT NULL,
			component_signal_ids BIGINT[] NOT NULL,
			discovered_at TIMESTAMPTZ NOT NULL,
			sample_count INT NOT NULL DEFAULT 0,
			avg_return_1d DECIMAL(10, 4),
			success_rate_1d DECIMAL(6, 4),
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(symbol, pattern_signature)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_patterns_symbol
			ON signal_patterns(symbol)`,

		// Captured slow queries
		`CREATE TABLE IF NOT EXISTS slow_query_logs (
			id BIGSERIAL PRIMARY KEY,
			query_hash VARCHAR(12) NOT NULL,
			query_template TEXT NOT NULL,
			original_query VARCHAR(2000),
			duration_seconds DOUBLE PRECISION NOT NULL,
			affected_rows BIGINT,
			table_names TEXT[],
			operation_type VARCHAR(10) NOT NULL,
			execution_timestamp TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_slow_query_logs_hash_ts
			ON slow_query_logs(query_hash, execution_timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_slow_query_logs_duration_ts
			ON slow_query_logs(duration_seconds, execution_timestamp)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.log.Info("database migrations completed")
	return nil
}
