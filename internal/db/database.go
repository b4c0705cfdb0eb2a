package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Open connects to the database of the given type ("sqlite" or "postgres").
func Open(dbType, dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	var driver string
	switch dbType {
	case "sqlite":
		driver = "sqlite"
	case "postgres":
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dbType == "sqlite" {
		// One writer at a time; also keeps in-memory databases on a single connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Str("driver", driver).Msg("Database connection established successfully")
	return db, nil
}

// MigrateDB creates the schema if it does not exist yet.
func MigrateDB(ctx context.Context, db *sqlx.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized, call Open first")
	}

	ts, pk := "TIMESTAMP", "INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.DriverName() == "postgres" {
		ts, pk = "TIMESTAMPTZ", "BIGSERIAL PRIMARY KEY"
	}
	replacer := strings.NewReplacer("{{TS}}", ts, "{{PK}}", pk)

	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, replacer.Replace(stmt)); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}

	log.Info().Int("statements", len(schema)).Msg("Database migration completed successfully")
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS connection_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		instance_name TEXT NOT NULL,
		api_url TEXT NOT NULL,
		api_key TEXT NOT NULL,
		status TEXT NOT NULL,
		qr_code TEXT NULL,
		paired_number TEXT NULL,
		webhook_url TEXT NOT NULL DEFAULT '',
		active_events TEXT NOT NULL DEFAULT '[]',
		last_sync_at {{TS}} NULL,
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		phone_number TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		name_source TEXT NOT NULL DEFAULT '',
		profile_picture_url TEXT NOT NULL DEFAULT '',
		last_message_at {{TS}} NULL,
		unread_count INTEGER NOT NULL DEFAULT 0,
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id {{PK}},
		contact_ref TEXT NOT NULL REFERENCES contacts(phone_number),
		external_id TEXT NOT NULL,
		message_at {{TS}} NOT NULL,
		direction TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		media_type TEXT NOT NULL DEFAULT '',
		media_url TEXT NOT NULL DEFAULT '',
		delivery_status TEXT NOT NULL,
		status_rank INTEGER NOT NULL,
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL,
		UNIQUE (contact_ref, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_contact_time ON messages (contact_ref, message_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_external_id ON messages (external_id)`,
	`CREATE TABLE IF NOT EXISTS sync_jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		items_processed INTEGER NOT NULL DEFAULT 0,
		items_total INTEGER NOT NULL DEFAULT 0,
		created_count INTEGER NOT NULL DEFAULT 0,
		updated_count INTEGER NOT NULL DEFAULT 0,
		skipped_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		log TEXT NOT NULL DEFAULT '[]',
		error_detail TEXT NULL,
		started_at {{TS}} NULL,
		finished_at {{TS}} NULL,
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_jobs_status ON sync_jobs (status)`,
}
