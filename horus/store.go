// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import "context"

// SyncControlStore persists the outbox, the checkpoint, operation statuses and
// the entity schemes. It exclusively owns Actions and the Checkpoint; the engine
// only mutates them through this contract.
//
// Enqueue* must assign ids atomically (no two actions share an id) and
// MarkCompleted must be idempotent.
type SyncControlStore interface {
	IsStatusCompleted(ctx context.Context, op Operation) (bool, error)
	RecordStatus(ctx context.Context, op Operation, status OperationStatus) error

	LastCheckpoint(ctx context.Context) (int64, error)
	// SaveCheckpoint stores ts unless the stored checkpoint is already later.
	SaveCheckpoint(ctx context.Context, ts int64) error

	EnqueueInsert(ctx context.Context, entity, id string, attrs []Attribute) (Action, error)
	EnqueueUpdate(ctx context.Context, entity, id string, attrs []Attribute) (Action, error)
	EnqueueDelete(ctx context.Context, entity, id string) (Action, error)

	// PendingActions returns pending actions in id order.
	PendingActions(ctx context.Context) ([]Action, error)
	MarkCompleted(ctx context.Context, ids []int64) error
	// LastCompletedAction returns nil when no action has completed yet.
	LastCompletedAction(ctx context.Context) (*Action, error)
	CompletedActionsAfter(ctx context.Context, ts int64) ([]Action, error)

	EntityNames(ctx context.Context) ([]string, error)
	WritableEntityNames(ctx context.Context) ([]string, error)
	IsWritable(ctx context.Context, entity string) (bool, error)

	SaveSchemes(ctx context.Context, version int, schemes []EntityScheme) error
	SchemaVersion(ctx context.Context) (int, error)
}

// RowCounter counts the local records of an entity.
type RowCounter interface {
	Count(ctx context.Context, entity string) (int, error)
}

// LocalStorage is the local entity storage the engine materializes into.
type LocalStorage interface {
	RowCounter

	// ApplyActions applies actions in order, atomically.
	ApplyActions(ctx context.Context, actions []Action) error
	UpsertRecords(ctx context.Context, entity string, records []Entity) error
	DeleteRecords(ctx context.Context, entity string, ids []string) error
	Records(ctx context.Context, entity string) ([]Entity, error)
}

// RecordReader is implemented by local storages that can load a single record.
type RecordReader interface {
	// Record returns nil when the record does not exist.
	Record(ctx context.Context, entity, id string) (*Entity, error)
}

// NetworkMonitor reports connectivity.
type NetworkMonitor interface {
	IsAvailable(ctx context.Context) bool
}

// NetworkMonitorFunc adapts a function to NetworkMonitor.
type NetworkMonitorFunc func(ctx context.Context) bool

func (f NetworkMonitorFunc) IsAvailable(ctx context.Context) bool { return f(ctx) }

// AlwaysOnline is a NetworkMonitor that never reports the network as down.
var AlwaysOnline NetworkMonitor = NetworkMonitorFunc(func(context.Context) bool { return true })
