// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package refserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/apptanksas/horus-sync-go/horus"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS horus_actions (
	seq        BIGSERIAL PRIMARY KEY,
	scope      TEXT   NOT NULL,
	source_id  TEXT   NOT NULL,
	client_id  BIGINT NOT NULL,
	action     TEXT   NOT NULL,
	entity     TEXT   NOT NULL,
	record_id  TEXT   NOT NULL,
	payload    JSONB,
	ts         BIGINT NOT NULL,
	UNIQUE (scope, source_id, client_id)
);
CREATE INDEX IF NOT EXISTS horus_actions_scope_ts ON horus_actions (scope, ts, seq);

CREATE TABLE IF NOT EXISTS horus_records (
	scope      TEXT   NOT NULL,
	entity     TEXT   NOT NULL,
	id         TEXT   NOT NULL,
	attributes JSONB  NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (scope, entity, id)
);`

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to databaseURL and creates the server tables.
func OpenPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	store, err := NewPostgresStore(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore creates the server tables on pool. The store takes
// ownership of the pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("failed to create server tables: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) AppendActions(ctx context.Context, scope, sourceID string, actions []horus.Action, ts int64) ([]int64, error) {
	var accepted []int64
	err := withTxRetry(ctx, func() error {
		accepted = make([]int64, 0, len(actions))
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
			for _, a := range actions {
				applied, err := s.appendAction(ctx, tx, scope, sourceID, a, ts)
				if err != nil {
					return err
				}
				if !applied {
					s.logger.Debug("Duplicate action ignored", "source_id", sourceID, "id", a.ID)
				}
				accepted = append(accepted, a.ID)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append actions: %w", err)
	}
	return accepted, nil
}

// appendAction logs a and applies it to horus_records. It returns false when
// a was already logged.
func (s *PostgresStore) appendAction(ctx context.Context, tx pgx.Tx, scope, sourceID string, a horus.Action, ts int64) (bool, error) {
	var payload []byte
	if a.Payload != nil {
		var err error
		if payload, err = json.Marshal(a.Payload); err != nil {
			return false, fmt.Errorf("failed to marshal payload of action %d: %w", a.ID, err)
		}
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO horus_actions (scope, source_id, client_id, action, entity, record_id, payload, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (scope, source_id, client_id) DO NOTHING`,
		scope, sourceID, a.ID, a.Type.String(), a.Entity, a.RecordID, payload, ts)
	if err != nil {
		return false, fmt.Errorf("failed to log action %d: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	var current map[string]horus.Value
	var raw []byte
	err = tx.QueryRow(ctx, `
		SELECT attributes FROM horus_records
		WHERE scope = $1 AND entity = $2 AND id = $3
		FOR UPDATE`, scope, a.Entity, a.RecordID).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("failed to read record %s/%s: %w", a.Entity, a.RecordID, err)
	default:
		if err := json.Unmarshal(raw, &current); err != nil {
			return false, fmt.Errorf("failed to decode record %s/%s: %w", a.Entity, a.RecordID, err)
		}
	}

	next, keep := applyAction(current, a)
	if !keep {
		_, err = tx.Exec(ctx, `DELETE FROM horus_records WHERE scope = $1 AND entity = $2 AND id = $3`,
			scope, a.Entity, a.RecordID)
		if err != nil {
			return false, fmt.Errorf("failed to delete record %s/%s: %w", a.Entity, a.RecordID, err)
		}
		return true, nil
	}

	attrs, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("failed to marshal record %s/%s: %w", a.Entity, a.RecordID, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO horus_records (scope, entity, id, attributes, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, entity, id) DO UPDATE
		SET attributes = EXCLUDED.attributes, updated_at = EXCLUDED.updated_at`,
		scope, a.Entity, a.RecordID, attrs, ts)
	if err != nil {
		return false, fmt.Errorf("failed to write record %s/%s: %w", a.Entity, a.RecordID, err)
	}
	return true, nil
}

const selectActions = `SELECT client_id, source_id, action, entity, record_id, payload, ts FROM horus_actions`

func scanAction(row pgx.Row) (horus.Action, error) {
	var (
		a       horus.Action
		typ     string
		payload []byte
	)
	if err := row.Scan(&a.ID, &a.SourceID, &typ, &a.Entity, &a.RecordID, &payload, &a.Timestamp); err != nil {
		return horus.Action{}, err
	}
	t, err := horus.ParseActionType(typ)
	if err != nil {
		return horus.Action{}, err
	}
	a.Type = t
	if payload != nil {
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return horus.Action{}, fmt.Errorf("failed to decode payload of action %d: %w", a.ID, err)
		}
	}
	return a, nil
}

func (s *PostgresStore) ActionsAfter(ctx context.Context, scope string, after int64, sourceID string, exclude []int64) ([]horus.Action, error) {
	if exclude == nil {
		exclude = []int64{}
	}
	rows, err := s.pool.Query(ctx, selectActions+`
		WHERE scope = $1 AND ts >= $2
		  AND NOT (source_id = $3 AND client_id = ANY($4))
		ORDER BY ts, seq`, scope, after, sourceID, exclude)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var out []horus.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastAction(ctx context.Context, scope string) (*horus.Action, error) {
	row := s.pool.QueryRow(ctx, selectActions+` WHERE scope = $1 ORDER BY ts DESC, seq DESC LIMIT 1`, scope)
	a, err := scanAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last action: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) Records(ctx context.Context, scope, entity string, after int64, ids []string) ([]horus.Entity, error) {
	query := `SELECT id, attributes FROM horus_records WHERE scope = $1 AND entity = $2 AND updated_at >= $3`
	args := []any{scope, entity, after}
	if len(ids) > 0 {
		query += ` AND id = ANY($4)`
		args = append(args, ids)
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", entity, err)
	}
	defer rows.Close()

	var out []horus.Entity
	for rows.Next() {
		var (
			id    string
			raw   []byte
			attrs map[string]horus.Value
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", entity, err)
		}
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return nil, fmt.Errorf("failed to decode record %s/%s: %w", entity, id, err)
		}
		out = append(out, horus.Entity{Name: entity, ID: id, Attributes: horus.AttributesFromMap(attrs)})
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
