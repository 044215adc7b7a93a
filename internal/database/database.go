// Package database provides database access for the SPWorlds gateway
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(driver, dsn string) (*DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Migrate creates all required tables
func (db *DB) Migrate() error {
	schema := `
	-- Payment pages created through the card
	CREATE TABLE IF NOT EXISTS payments (
		id UUID PRIMARY KEY,
		reference VARCHAR(64) UNIQUE NOT NULL,
		items JSONB NOT NULL,
		amount NUMERIC(20, 2) NOT NULL,
		data VARCHAR(100),
		redirect_url TEXT NOT NULL,
		url TEXT,
		payer VARCHAR(64),
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		paid_at TIMESTAMP
	);

	-- Accepted webhook deliveries
	CREATE TABLE IF NOT EXISTS webhook_events (
		id UUID PRIMARY KEY,
		kind VARCHAR(20) NOT NULL,
		body_hash VARCHAR(64) NOT NULL,
		payload JSONB NOT NULL,
		received_at TIMESTAMP NOT NULL
	);

	-- Operator switches such as the money operations pause
	CREATE TABLE IF NOT EXISTS system_state (
		key VARCHAR(64) PRIMARY KEY,
		value JSONB NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		updated_by VARCHAR(255)
	);

	-- Daily cap on outgoing transfers, single row keyed by 'card'
	CREATE TABLE IF NOT EXISTS transfer_limits (
		id VARCHAR(16) PRIMARY KEY,
		daily INTEGER NOT NULL DEFAULT 0,
		pending INTEGER,
		pending_effective_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transfer_usage (
		day DATE PRIMARY KEY,
		amount INTEGER NOT NULL DEFAULT 0
	);

	-- Audit Events table
	CREATE TABLE IF NOT EXISTS audit_events (
		id UUID PRIMARY KEY,
		type VARCHAR(100) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		actor VARCHAR(255),
		reference VARCHAR(255),
		description TEXT NOT NULL,
		data JSONB,
		ip_address VARCHAR(45),
		component VARCHAR(100) NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status);
	CREATE INDEX IF NOT EXISTS idx_payments_created ON payments(created_at);
	CREATE INDEX IF NOT EXISTS idx_webhook_events_received ON webhook_events(received_at);
	CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_events_reference ON audit_events(reference);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Reset drops all tables (for testing)
func (db *DB) Reset() error {
	_, err := db.Exec(`
		DROP TABLE IF EXISTS audit_events CASCADE;
		DROP TABLE IF EXISTS transfer_usage CASCADE;
		DROP TABLE IF EXISTS transfer_limits CASCADE;
		DROP TABLE IF EXISTS system_state CASCADE;
		DROP TABLE IF EXISTS webhook_events CASCADE;
		DROP TABLE IF EXISTS payments CASCADE;
	`)
	return err
}

// CleanData truncates all tables without dropping them (for testing)
func (db *DB) CleanData() error {
	_, err := db.Exec(`TRUNCATE TABLE audit_events, webhook_events, payments, system_state, transfer_limits, transfer_usage CASCADE;`)
	return err
}
