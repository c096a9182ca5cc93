// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horussqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/apptanksas/horus-sync-go/horus"
)

// RecordStore implements horus.LocalStorage. Records are kept as JSON
// attribute documents keyed by (entity, id), so schemes need no DDL.
type RecordStore struct {
	db      *sqlx.DB
	writeMu sync.Mutex
}

var (
	_ horus.LocalStorage  = (*RecordStore)(nil)
	_ horus.SchemaApplier = (*RecordStore)(nil)
	_ horus.RecordReader  = (*RecordStore)(nil)
)

// NewRecordStore prepares the record table on db.
func NewRecordStore(ctx context.Context, db *sqlx.DB) (*RecordStore, error) {
	if err := initializeDatabase(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &RecordStore{db: db}, nil
}

type recordRow struct {
	ID         string `db:"id"`
	Attributes string `db:"attributes"`
}

// ApplyActions applies actions in order in one transaction. Inserts replace
// the record, updates merge the payload into it and deletes remove it, so
// applying the same actions twice yields the same state.
func (r *RecordStore) ApplyActions(ctx context.Context, actions []horus.Action) error {
	if len(actions) == 0 {
		return nil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return horus.DatabaseError("begin apply", err)
	}
	defer tx.Rollback()

	for _, a := range actions {
		switch a.Type {
		case horus.ActionInsert:
			err = upsertRecord(ctx, tx, a.Entity, a.RecordID, a.Payload)
		case horus.ActionUpdate:
			err = mergeRecord(ctx, tx, a.Entity, a.RecordID, a.Payload)
		case horus.ActionDelete:
			_, err = tx.ExecContext(ctx, `DELETE FROM _horus_records WHERE entity = ? AND id = ?`, a.Entity, a.RecordID)
		default:
			err = fmt.Errorf("unknown action type %d", a.Type)
		}
		if err != nil {
			return horus.DatabaseError(fmt.Sprintf("apply %s %s/%s", a.Type, a.Entity, a.RecordID), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return horus.DatabaseError("commit apply", err)
	}
	return nil
}

func (r *RecordStore) UpsertRecords(ctx context.Context, entity string, records []horus.Entity) error {
	if len(records) == 0 {
		return nil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return horus.DatabaseError("begin upsert", err)
	}
	defer tx.Rollback()
	for _, rec := range records {
		if err := upsertRecord(ctx, tx, entity, rec.ID, horus.AttributesToMap(rec.Attributes)); err != nil {
			return horus.DatabaseError("upsert "+entity+"/"+rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return horus.DatabaseError("commit upsert", err)
	}
	return nil
}

func (r *RecordStore) DeleteRecords(ctx context.Context, entity string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM _horus_records WHERE entity = ? AND id IN (?)`, entity, ids)
	if err != nil {
		return fmt.Errorf("failed to build delete query: %w", err)
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return horus.DatabaseError("delete "+entity, err)
	}
	return nil
}

func (r *RecordStore) Records(ctx context.Context, entity string) ([]horus.Entity, error) {
	var rows []recordRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, attributes FROM _horus_records WHERE entity = ? ORDER BY id`, entity)
	if err != nil {
		return nil, horus.DatabaseError("select "+entity, err)
	}
	out := make([]horus.Entity, 0, len(rows))
	for _, row := range rows {
		attrs, err := decodeAttributes(row.Attributes)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s: %w", entity, row.ID, err)
		}
		out = append(out, horus.Entity{Name: entity, ID: row.ID, Attributes: horus.AttributesFromMap(attrs)})
	}
	return out, nil
}

// Record returns one record, or nil when it does not exist.
func (r *RecordStore) Record(ctx context.Context, entity, id string) (*horus.Entity, error) {
	var raw string
	err := r.db.GetContext(ctx, &raw, `SELECT attributes FROM _horus_records WHERE entity = ? AND id = ?`, entity, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, horus.DatabaseError("select "+entity+"/"+id, err)
	}
	attrs, err := decodeAttributes(raw)
	if err != nil {
		return nil, err
	}
	return &horus.Entity{Name: entity, ID: id, Attributes: horus.AttributesFromMap(attrs)}, nil
}

func (r *RecordStore) Count(ctx context.Context, entity string) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM _horus_records WHERE entity = ?`, entity); err != nil {
		return 0, horus.DatabaseError("count "+entity, err)
	}
	return n, nil
}

// ApplySchemes purges the records of entities that are no longer part of the
// schema. New entities need no preparation.
func (r *RecordStore) ApplySchemes(ctx context.Context, _ int, schemes []horus.EntityScheme) error {
	flat := horus.FlattenSchemes(schemes)
	if len(flat) == 0 {
		return nil
	}
	names := make([]string, len(flat))
	for i, sc := range flat {
		names[i] = sc.Name
	}
	query, args, err := sqlx.In(`DELETE FROM _horus_records WHERE entity NOT IN (?)`, names)
	if err != nil {
		return fmt.Errorf("failed to build purge query: %w", err)
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return horus.DatabaseError("purge dropped entities", err)
	}
	return nil
}

func upsertRecord(ctx context.Context, tx *sqlx.Tx, entity, id string, attrs map[string]horus.Value) error {
	if attrs == nil {
		attrs = map[string]horus.Value{}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _horus_records (entity, id, attributes) VALUES (?, ?, ?)
		ON CONFLICT (entity, id) DO UPDATE SET
			attributes = excluded.attributes,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, entity, id, string(b))
	return err
}

func mergeRecord(ctx context.Context, tx *sqlx.Tx, entity, id string, patch map[string]horus.Value) error {
	var raw string
	err := tx.GetContext(ctx, &raw, `SELECT attributes FROM _horus_records WHERE entity = ? AND id = ?`, entity, id)
	current := map[string]horus.Value{}
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		if current, err = decodeAttributes(raw); err != nil {
			return err
		}
	}
	maps.Copy(current, patch)
	return upsertRecord(ctx, tx, entity, id, current)
}

func decodeAttributes(raw string) (map[string]horus.Value, error) {
	attrs := map[string]horus.Value{}
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}
