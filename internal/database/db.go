package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection from a connection string
func NewDB(connString string) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Println("Successfully connected to PostgreSQL database")
	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS strategies (
			id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(64) NOT NULL DEFAULT '',
			name VARCHAR(128) NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT true,
			symbols TEXT[] NOT NULL,
			filter_language VARCHAR(16) NOT NULL,
			filter_source TEXT NOT NULL,
			required_intervals TEXT[] NOT NULL,
			trigger_interval VARCHAR(8) NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			decision_budget INT NOT NULL DEFAULT 10,
			bar_history_limit INT NOT NULL DEFAULT 100,
			consecutive_errors INT NOT NULL DEFAULT 0,
			disabled_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS signals (
			id VARCHAR(64) PRIMARY KEY,
			strategy_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			interval VARCHAR(8) NOT NULL,
			state VARCHAR(16) NOT NULL,
			candle_time BIGINT NOT NULL,
			decision_count INT NOT NULL DEFAULT 0,
			decision_budget INT NOT NULL DEFAULT 10,
			last_decision_time BIGINT NOT NULL DEFAULT 0,
			consecutive_errors INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (strategy_id, symbol, candle_time)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_signals_state ON signals(state)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_strategy ON signals(strategy_id)`,

		`CREATE TABLE IF NOT EXISTS decisions (
			id VARCHAR(64) PRIMARY KEY,
			signal_id VARCHAR(64) NOT NULL,
			candle_time BIGINT NOT NULL,
			kind VARCHAR(16) NOT NULL,
			confidence DECIMAL(4, 3) NOT NULL,
			reasoning TEXT NOT NULL DEFAULT '',
			entry DECIMAL(20, 8) NOT NULL DEFAULT 0,
			stop_loss DECIMAL(20, 8) NOT NULL DEFAULT 0,
			take_profit DECIMAL(20, 8) NOT NULL DEFAULT 0,
			position_size DECIMAL(20, 8) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_decisions_signal ON decisions(signal_id)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id VARCHAR(64) PRIMARY KEY,
			signal_id VARCHAR(64) NOT NULL,
			strategy_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(8) NOT NULL,
			state VARCHAR(8) NOT NULL,
			mode VARCHAR(8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			stop_loss DECIMAL(20, 8) NOT NULL DEFAULT 0,
			take_profit DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
			trailing_pct DECIMAL(8, 5) NOT NULL DEFAULT 0,
			high_water_mark DECIMAL(20, 8) NOT NULL DEFAULT 0,
			low_water_mark DECIMAL(20, 8) NOT NULL DEFAULT 0,
			commission DECIMAL(20, 8) NOT NULL DEFAULT 0,
			realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			close_reason VARCHAR(32) NOT NULL DEFAULT '',
			opened_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ
		)`,

		`CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed")
	return nil
}
