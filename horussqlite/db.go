// Package horussqlite stores the horus sync state and local entity records in
// SQLite.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horussqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/apptanksas/horus-sync-go/horus"
)

// Open opens (creating if needed) the SQLite database at path and prepares the
// sync tables. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*sqlx.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	if err := initializeDatabase(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// initializeDatabase creates the sync tables.
func initializeDatabase(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Outbox of local mutations
		`CREATE TABLE IF NOT EXISTS _horus_actions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			action           TEXT NOT NULL CHECK (action IN ('INSERT','UPDATE','DELETE')),
			entity           TEXT NOT NULL,
			record_id        TEXT NOT NULL,
			status           TEXT NOT NULL CHECK (status IN ('pending','completed')),
			payload          TEXT,    -- JSON attribute map (NULL for DELETE)
			action_timestamp INTEGER NOT NULL,
			source_id        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS _horus_actions_status ON _horus_actions (status, id)`,

		// Checkpoint, schema version, operation statuses, source id
		`CREATE TABLE IF NOT EXISTS _horus_settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Flattened entity schemes
		`CREATE TABLE IF NOT EXISTS _horus_schemes (
			entity     TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			version    INTEGER NOT NULL,
			definition TEXT NOT NULL
		)`,

		// Entity records, one JSON attribute document per record
		`CREATE TABLE IF NOT EXISTS _horus_records (
			entity     TEXT NOT NULL,
			id         TEXT NOT NULL,
			attributes TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (entity, id)
		)`,
	}
	for _, table := range tables {
		if _, err := db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// EnsureSourceID returns the persisted device id, generating one on first use.
func EnsureSourceID(ctx context.Context, db *sqlx.DB) (string, error) {
	var sourceID string
	err := db.GetContext(ctx, &sourceID, `SELECT value FROM _horus_settings WHERE key = ?`, horus.SettingSourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		_, err = db.ExecContext(ctx, `INSERT INTO _horus_settings (key, value) VALUES (?, ?)`, horus.SettingSourceID, sourceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert source id: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query source id: %w", err)
	}
	return sourceID, nil
}
