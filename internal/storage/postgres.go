package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/lorawan-node/lorawan-node-agent/internal/config"
)

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(cfg *config.DatabaseConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate creates the agent tables when missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS event_logs (
			id UUID PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			dev_eui BYTEA NOT NULL,
			type TEXT NOT NULL,
			level TEXT NOT NULL,
			code TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			details JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_logs_created_at ON event_logs (created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS uplink_frames (
			id UUID PRIMARY KEY,
			dev_eui BYTEA NOT NULL,
			dev_addr BYTEA NOT NULL,
			f_cnt BIGINT NOT NULL,
			f_port SMALLINT NOT NULL,
			data BYTEA,
			confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			dr SMALLINT NOT NULL DEFAULT 0,
			flushed BOOLEAN NOT NULL DEFAULT FALSE,
			sent_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_uplink_frames_sent_at ON uplink_frames (sent_at DESC)`,
		`CREATE TABLE IF NOT EXISTS downlink_frames (
			id UUID PRIMARY KEY,
			dev_eui BYTEA NOT NULL,
			dev_addr BYTEA NOT NULL,
			f_port SMALLINT NOT NULL,
			data BYTEA,
			ack BOOLEAN NOT NULL DEFAULT FALSE,
			rssi SMALLINT NOT NULL DEFAULT 0,
			snr SMALLINT NOT NULL DEFAULT 0,
			dr SMALLINT NOT NULL DEFAULT 0,
			received_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_downlink_frames_received_at ON downlink_frames (received_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
