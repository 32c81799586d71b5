package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/config"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func InitDB(cfg config.DBConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	logger.Info("Database connection established", zap.String("host", cfg.Host), zap.String("db", cfg.Name))
	return db, nil
}

// Migrate creates the schema if it does not exist yet.
func Migrate(db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		phone VARCHAR(20) UNIQUE NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		locked_until TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		expires_at TIMESTAMPTZ NOT NULL,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS data_packages (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		provider VARCHAR(32) NOT NULL,
		data_mb INTEGER NOT NULL,
		validity VARCHAR(64) NOT NULL,
		price DECIMAL(10, 2) NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id UUID PRIMARY KEY,
		reference VARCHAR(64) UNIQUE NOT NULL,
		user_id UUID NOT NULL,
		package_id VARCHAR(64),
		amount DECIMAL(10, 2) NOT NULL CHECK (amount > 0),
		phone VARCHAR(20) NOT NULL,
		payment_method VARCHAR(32) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_checkout
		ON transactions ((metadata->>'checkout_request_id'))`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_pending
		ON transactions (created_at) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS payment_audit_log (
		id BIGSERIAL PRIMARY KEY,
		transaction_id UUID NOT NULL,
		reference VARCHAR(64) NOT NULL,
		event VARCHAR(32) NOT NULL,
		status VARCHAR(20) NOT NULL,
		detail JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		id UUID PRIMARY KEY,
		url TEXT NOT NULL,
		events TEXT[] NOT NULL,
		secret VARCHAR(128) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_by VARCHAR(64) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`INSERT INTO data_packages (id, name, provider, data_mb, validity, price) VALUES
		('daily-lite', 'Daily Lite', 'safaricom', 50, '24 hours', 10),
		('daily-basic', 'Daily Basic', 'safaricom', 150, '24 hours', 20),
		('daily-plus', 'Daily Plus', 'safaricom', 500, '24 hours', 50),
		('daily-premium', 'Daily Premium', 'safaricom', 1024, '24 hours', 99)
	ON CONFLICT (id) DO NOTHING`,
}
