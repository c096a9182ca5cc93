// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	TaskSchema    = "schema"
	TaskMigration = "migration"
	TaskSync      = "sync"
)

// SchemaApplier turns entity schemes into local storage structures. DDL
// generation lives behind this interface.
type SchemaApplier interface {
	ApplySchemes(ctx context.Context, fromVersion int, schemes []EntityScheme) error
}

// SchemaTask retrieves and validates the remote entity schemes.
type SchemaTask struct {
	remote Remote
}

func NewSchemaTask(remote Remote) *SchemaTask { return &SchemaTask{remote: remote} }

func (t *SchemaTask) Name() string    { return TaskSchema }
func (t *SchemaTask) DependsOn() Task { return nil }

func (t *SchemaTask) Execute(ctx context.Context, _ any) (any, error) {
	resp, err := t.remote.FetchMigration(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schemes: %w", err)
	}
	if err := ValidateSchemes(resp.Schemes); err != nil {
		return nil, err
	}
	if resp.Version == 0 {
		resp.Version = SchemaVersion(resp.Schemes)
	}
	return resp, nil
}

// MigrationTask compares the remote schema version with the stored one and
// applies newer schemes locally.
type MigrationTask struct {
	upstream Task
	store    SyncControlStore
	applier  SchemaApplier
	logger   *slog.Logger
}

// NewMigrationTask builds the migration step. applier may be nil when the
// local storage needs no structural changes.
func NewMigrationTask(upstream Task, store SyncControlStore, applier SchemaApplier, logger *slog.Logger) *MigrationTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationTask{upstream: upstream, store: store, applier: applier, logger: logger}
}

func (t *MigrationTask) Name() string    { return TaskMigration }
func (t *MigrationTask) DependsOn() Task { return t.upstream }

func (t *MigrationTask) Execute(ctx context.Context, prev any) (any, error) {
	resp, ok := prev.(*MigrationResponse)
	if !ok || resp == nil {
		return nil, InvalidSchemaError("migrate", fmt.Errorf("expected schemes from upstream, got %T", prev))
	}

	current, err := t.store.SchemaVersion(ctx)
	if err != nil {
		return nil, asDatabaseError("read schema version", err)
	}
	switch {
	case resp.Version < current:
		t.logger.Warn("Remote schema is older than local, keeping local", "remote", resp.Version, "local", current)
		return resp, nil
	case resp.Version == current:
		completed, err := t.store.IsStatusCompleted(ctx, OperationMigration)
		if err != nil {
			return nil, asDatabaseError("read migration status", err)
		}
		if completed {
			t.logger.Debug("Schema up to date", "version", current)
			return resp, nil
		}
	}

	if err := t.store.RecordStatus(ctx, OperationMigration, OperationPending); err != nil {
		return nil, asDatabaseError("record migration status", err)
	}
	if t.applier != nil {
		if err := t.applier.ApplySchemes(ctx, current, resp.Schemes); err != nil {
			return nil, asDatabaseError("apply schemes", err)
		}
	}
	if err := t.store.SaveSchemes(ctx, resp.Version, resp.Schemes); err != nil {
		return nil, asDatabaseError("save schemes", err)
	}
	if err := t.store.RecordStatus(ctx, OperationMigration, OperationCompleted); err != nil {
		return nil, asDatabaseError("record migration status", err)
	}
	t.logger.Info("Schema migrated", "from", current, "to", resp.Version, "entities", len(FlattenSchemes(resp.Schemes)))
	return resp, nil
}

// SyncTask performs the first full download when it has not completed yet,
// then runs one sync run. Its result is the RunReport.
type SyncTask struct {
	upstream Task
	manager  *SyncManager
	logger   *slog.Logger
}

func NewSyncTask(upstream Task, manager *SyncManager, logger *slog.Logger) *SyncTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncTask{upstream: upstream, manager: manager, logger: logger}
}

func (t *SyncTask) Name() string    { return TaskSync }
func (t *SyncTask) DependsOn() Task { return t.upstream }

func (t *SyncTask) Execute(ctx context.Context, _ any) (any, error) {
	if !t.manager.Online(ctx) {
		t.logger.Info("Network unavailable, startup sync skipped")
		return RunReport{Status: RunIdle}, nil
	}
	if err := t.manager.FetchInitialData(ctx); err != nil {
		return nil, err
	}
	return t.manager.TrySynchronizeData(ctx)
}

// StartupConfig collects what the startup pipeline needs. Applier and Logger are optional.
type StartupConfig struct {
	Store   SyncControlStore
	Remote  Remote
	Manager *SyncManager
	Applier SchemaApplier
	Logger  *slog.Logger
}

// NewStartupPipeline chains schema retrieval, local migration and the first
// sync run.
func NewStartupPipeline(cfg StartupConfig) (*Pipeline, error) {
	schema := NewSchemaTask(cfg.Remote)
	migration := NewMigrationTask(schema, cfg.Store, cfg.Applier, cfg.Logger)
	sync := NewSyncTask(migration, cfg.Manager, cfg.Logger)
	return NewPipeline(sync, cfg.Logger)
}
