// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horussqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/apptanksas/horus-sync-go/horus"
)

// Config holds optional Store settings.
type Config struct {
	// Now stamps enqueued actions. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

func DefaultConfig() *Config {
	return &Config{Now: time.Now}
}

// Store implements horus.SyncControlStore on SQLite.
type Store struct {
	db       *sqlx.DB
	sourceID string
	now      func() time.Time
	logger   *slog.Logger
	writeMu  sync.Mutex // Serialize writes to prevent SQLite locking issues
}

var _ horus.SyncControlStore = (*Store)(nil)

// NewStore prepares the sync tables on db and loads (or creates) the source id.
func NewStore(ctx context.Context, db *sqlx.DB, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := initializeDatabase(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	sourceID, err := EnsureSourceID(ctx, db)
	if err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, sourceID: sourceID, now: now, logger: logger}, nil
}

// SourceID is the device id stamped on every local action.
func (s *Store) SourceID() string { return s.sourceID }

type actionRow struct {
	ID        int64          `db:"id"`
	Action    string         `db:"action"`
	Entity    string         `db:"entity"`
	RecordID  string         `db:"record_id"`
	Status    string         `db:"status"`
	Payload   sql.NullString `db:"payload"`
	Timestamp int64          `db:"action_timestamp"`
	SourceID  string         `db:"source_id"`
}

const actionColumns = `id, action, entity, record_id, status, payload, action_timestamp, source_id`

func (r actionRow) toAction() (horus.Action, error) {
	typ, err := horus.ParseActionType(r.Action)
	if err != nil {
		return horus.Action{}, err
	}
	status, err := horus.ParseActionStatus(r.Status)
	if err != nil {
		return horus.Action{}, err
	}
	a := horus.Action{
		ID:        r.ID,
		Type:      typ,
		Entity:    r.Entity,
		RecordID:  r.RecordID,
		Status:    status,
		Timestamp: r.Timestamp,
		SourceID:  r.SourceID,
	}
	if r.Payload.Valid {
		if err := json.Unmarshal([]byte(r.Payload.String), &a.Payload); err != nil {
			return horus.Action{}, fmt.Errorf("failed to decode payload of action %d: %w", r.ID, err)
		}
	}
	return a, nil
}

func toActions(rows []actionRow) ([]horus.Action, error) {
	out := make([]horus.Action, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAction()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) IsStatusCompleted(ctx context.Context, op horus.Operation) (bool, error) {
	v, ok, err := s.setting(ctx, horus.OperationSettingKey(op))
	if err != nil || !ok {
		return false, err
	}
	return horus.OperationStatus(v) == horus.OperationCompleted, nil
}

func (s *Store) RecordStatus(ctx context.Context, op horus.Operation, status horus.OperationStatus) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.putSetting(ctx, s.db, horus.OperationSettingKey(op), string(status))
}

func (s *Store) LastCheckpoint(ctx context.Context) (int64, error) {
	return s.intSetting(ctx, horus.SettingCheckpoint)
}

func (s *Store) SaveCheckpoint(ctx context.Context, ts int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _horus_settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = CAST(max(CAST(_horus_settings.value AS INTEGER), CAST(excluded.value AS INTEGER)) AS TEXT)
	`, horus.SettingCheckpoint, strconv.FormatInt(ts, 10))
	if err != nil {
		return horus.DatabaseError("save checkpoint", err)
	}
	return nil
}

func (s *Store) EnqueueInsert(ctx context.Context, entity, id string, attrs []horus.Attribute) (horus.Action, error) {
	return s.enqueue(ctx, horus.ActionInsert, entity, id, horus.AttributesToMap(attrs))
}

func (s *Store) EnqueueUpdate(ctx context.Context, entity, id string, attrs []horus.Attribute) (horus.Action, error) {
	return s.enqueue(ctx, horus.ActionUpdate, entity, id, horus.AttributesToMap(attrs))
}

func (s *Store) EnqueueDelete(ctx context.Context, entity, id string) (horus.Action, error) {
	return s.enqueue(ctx, horus.ActionDelete, entity, id, nil)
}

func (s *Store) enqueue(ctx context.Context, typ horus.ActionType, entity, id string, payload map[string]horus.Value) (horus.Action, error) {
	var raw sql.NullString
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return horus.Action{}, fmt.Errorf("failed to encode payload: %w", err)
		}
		raw = sql.NullString{String: string(b), Valid: true}
	}
	a := horus.Action{
		Type:      typ,
		Entity:    entity,
		RecordID:  id,
		Status:    horus.StatusPending,
		Payload:   payload,
		Timestamp: s.now().Unix(),
		SourceID:  s.sourceID,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO _horus_actions (action, entity, record_id, status, payload, action_timestamp, source_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, typ.String(), entity, id, horus.StPending, raw, a.Timestamp, a.SourceID)
	if err != nil {
		return horus.Action{}, horus.DatabaseError("enqueue "+typ.String(), err)
	}
	a.ID, err = res.LastInsertId()
	if err != nil {
		return horus.Action{}, horus.DatabaseError("enqueue "+typ.String(), err)
	}
	return a, nil
}

func (s *Store) PendingActions(ctx context.Context) ([]horus.Action, error) {
	var rows []actionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+actionColumns+` FROM _horus_actions WHERE status = ? ORDER BY id`, horus.StPending)
	if err != nil {
		return nil, horus.DatabaseError("select pending actions", err)
	}
	return toActions(rows)
}

// MarkCompleted moves the given actions to completed in one transaction.
// Ids that are unknown or already completed are ignored.
func (s *Store) MarkCompleted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE _horus_actions SET status = ? WHERE status = ? AND id IN (?)`,
		horus.StCompleted, horus.StPending, ids)
	if err != nil {
		return fmt.Errorf("failed to build completion query: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return horus.DatabaseError("begin mark completed", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return horus.DatabaseError("mark completed", err)
	}
	if err := tx.Commit(); err != nil {
		return horus.DatabaseError("commit mark completed", err)
	}
	return nil
}

func (s *Store) LastCompletedAction(ctx context.Context) (*horus.Action, error) {
	var row actionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+actionColumns+` FROM _horus_actions WHERE status = ? ORDER BY id DESC LIMIT 1`, horus.StCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, horus.DatabaseError("select last completed action", err)
	}
	a, err := row.toAction()
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) CompletedActionsAfter(ctx context.Context, ts int64) ([]horus.Action, error) {
	var rows []actionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+actionColumns+` FROM _horus_actions WHERE status = ? AND action_timestamp >= ? ORDER BY id`,
		horus.StCompleted, ts)
	if err != nil {
		return nil, horus.DatabaseError("select completed actions", err)
	}
	return toActions(rows)
}

func (s *Store) EntityNames(ctx context.Context) ([]string, error) {
	names := []string{}
	if err := s.db.SelectContext(ctx, &names, `SELECT entity FROM _horus_schemes ORDER BY entity`); err != nil {
		return nil, horus.DatabaseError("select entity names", err)
	}
	return names, nil
}

func (s *Store) WritableEntityNames(ctx context.Context) ([]string, error) {
	names := []string{}
	err := s.db.SelectContext(ctx, &names,
		`SELECT entity FROM _horus_schemes WHERE type = ? ORDER BY entity`, string(horus.SchemeWritable))
	if err != nil {
		return nil, horus.DatabaseError("select writable entity names", err)
	}
	return names, nil
}

func (s *Store) IsWritable(ctx context.Context, entity string) (bool, error) {
	var typ string
	err := s.db.GetContext(ctx, &typ, `SELECT type FROM _horus_schemes WHERE entity = ?`, entity)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, horus.DatabaseError("select scheme type", err)
	}
	return horus.SchemeType(typ) == horus.SchemeWritable, nil
}

// SaveSchemes replaces the stored schemes (flattened) and the schema version
// in one transaction.
func (s *Store) SaveSchemes(ctx context.Context, version int, schemes []horus.EntityScheme) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return horus.DatabaseError("begin save schemes", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM _horus_schemes`); err != nil {
		return horus.DatabaseError("clear schemes", err)
	}
	for _, sc := range horus.FlattenSchemes(schemes) {
		flat := sc
		flat.Related = nil
		def, err := json.Marshal(flat)
		if err != nil {
			return fmt.Errorf("failed to encode scheme %s: %w", sc.Name, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO _horus_schemes (entity, type, version, definition) VALUES (?, ?, ?, ?)`,
			sc.Name, string(sc.Type), sc.Version, string(def))
		if err != nil {
			return horus.DatabaseError("insert scheme "+sc.Name, err)
		}
	}
	if err := s.putSetting(ctx, tx, horus.SettingSchemaVersion, strconv.Itoa(version)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return horus.DatabaseError("commit schemes", err)
	}
	s.logger.Debug("Schemes saved", "version", version)
	return nil
}

func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	v, err := s.intSetting(ctx, horus.SettingSchemaVersion)
	return int(v), err
}

// Schemes returns the stored schemes, flattened, ordered by entity name.
func (s *Store) Schemes(ctx context.Context) ([]horus.EntityScheme, error) {
	var defs []string
	if err := s.db.SelectContext(ctx, &defs, `SELECT definition FROM _horus_schemes ORDER BY entity`); err != nil {
		return nil, horus.DatabaseError("select schemes", err)
	}
	out := make([]horus.EntityScheme, 0, len(defs))
	for _, d := range defs {
		var sc horus.EntityScheme
		if err := json.Unmarshal([]byte(d), &sc); err != nil {
			return nil, fmt.Errorf("failed to decode stored scheme: %w", err)
		}
		out = append(out, sc)
	}
	return out, nil
}

func (s *Store) setting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT value FROM _horus_settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, horus.DatabaseError("read setting "+key, err)
	}
	return v, true, nil
}

func (s *Store) intSetting(ctx context.Context, key string) (int64, error) {
	v, ok, err := s.setting(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, horus.DatabaseError("parse setting "+key, err)
	}
	return n, nil
}

func (s *Store) putSetting(ctx context.Context, exec sqlx.ExecerContext, key, value string) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO _horus_settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return horus.DatabaseError("write setting "+key, err)
	}
	return nil
}
