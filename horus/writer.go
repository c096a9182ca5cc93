// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Writer is the application write path. Every mutation is checked against the
// entity's scheme type and the restrictions, applied to local storage, queued
// in the outbox and announced on the event bus. A rejected mutation never
// reaches the queue, and a failed enqueue restores the local record.
type Writer struct {
	store     SyncControlStore
	local     LocalStorage
	validator *RestrictionValidator
	bus       *EventBus
	logger    *slog.Logger
}

// WriterConfig collects the Writer collaborators. Validator, Bus and Logger are optional.
type WriterConfig struct {
	Store     SyncControlStore
	Local     LocalStorage
	Validator *RestrictionValidator
	Bus       *EventBus
	Logger    *slog.Logger
}

func NewWriter(cfg WriterConfig) *Writer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:     cfg.Store,
		local:     cfg.Local,
		validator: cfg.Validator,
		bus:       cfg.Bus,
		logger:    logger,
	}
}

// Insert creates a record. Restrictions are evaluated for inserts only.
func (w *Writer) Insert(ctx context.Context, entity, id string, attrs []Attribute) (Action, error) {
	if err := w.checkWritable(ctx, entity, OpInsert); err != nil {
		return Action{}, err
	}
	if err := w.validator.Validate(ctx, entity); err != nil {
		w.logger.Warn("Insert rejected by restriction", "entity", entity, "id", id, "error", err)
		return Action{}, err
	}
	return w.write(ctx, ActionInsert, entity, id, attrs)
}

// Update changes the given attributes of a record.
func (w *Writer) Update(ctx context.Context, entity, id string, attrs []Attribute) (Action, error) {
	if err := w.checkWritable(ctx, entity, OpUpdate); err != nil {
		return Action{}, err
	}
	return w.write(ctx, ActionUpdate, entity, id, attrs)
}

// Delete removes a record.
func (w *Writer) Delete(ctx context.Context, entity, id string) (Action, error) {
	if err := w.checkWritable(ctx, entity, OpDelete); err != nil {
		return Action{}, err
	}
	return w.write(ctx, ActionDelete, entity, id, nil)
}

func (w *Writer) checkWritable(ctx context.Context, entity, op string) error {
	ok, err := w.store.IsWritable(ctx, entity)
	if err != nil {
		return asDatabaseError("check writable "+entity, err)
	}
	if !ok {
		return NotPermittedError(op+" "+entity, fmt.Errorf("entity %s is not writable", entity))
	}
	return nil
}

func (w *Writer) write(ctx context.Context, typ ActionType, entity, id string, attrs []Attribute) (Action, error) {
	if id == "" {
		return Action{}, NotPermittedError(typ.String()+" "+entity, fmt.Errorf("record id is required"))
	}
	if err := checkUniqueNames(attrs); err != nil {
		return Action{}, NotPermittedError(typ.String()+" "+entity, err)
	}

	local := Action{Type: typ, Entity: entity, RecordID: id}
	if typ != ActionDelete {
		local.Payload = AttributesToMap(attrs)
	}
	before, err := w.snapshot(ctx, entity, id)
	if err != nil {
		return Action{}, asDatabaseError("read "+entity+"/"+id, err)
	}
	if err := w.local.ApplyActions(ctx, []Action{local}); err != nil {
		return Action{}, asDatabaseError("apply local "+typ.String(), err)
	}

	var action Action
	switch typ {
	case ActionInsert:
		action, err = w.store.EnqueueInsert(ctx, entity, id, attrs)
	case ActionUpdate:
		action, err = w.store.EnqueueUpdate(ctx, entity, id, attrs)
	case ActionDelete:
		action, err = w.store.EnqueueDelete(ctx, entity, id)
	}
	if err != nil {
		if rerr := w.restore(context.WithoutCancel(ctx), entity, id, before); rerr != nil {
			w.logger.Error("Failed to restore record after enqueue failure", "entity", entity, "record_id", id, "error", rerr)
			err = errors.Join(err, rerr)
		}
		return Action{}, asDatabaseError("enqueue "+typ.String(), err)
	}

	w.logger.Debug("Action queued", "id", action.ID, "action", typ, "entity", entity, "record_id", id)
	w.bus.Publish(Event{Kind: EventActionCreated, Action: &action})
	return action, nil
}

// snapshot returns the stored record, or nil when it does not exist.
func (w *Writer) snapshot(ctx context.Context, entity, id string) (*Entity, error) {
	if rr, ok := w.local.(RecordReader); ok {
		return rr.Record(ctx, entity, id)
	}
	records, err := w.local.Records(ctx, entity)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, nil
}

// restore puts a record back to the state captured by snapshot.
func (w *Writer) restore(ctx context.Context, entity, id string, before *Entity) error {
	if before == nil {
		return w.local.DeleteRecords(ctx, entity, []string{id})
	}
	return w.local.UpsertRecords(ctx, entity, []Entity{*before})
}
