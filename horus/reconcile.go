// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ReconcileConfig tunes the ReconciliationEngine.
type ReconcileConfig struct {
	// BulkRecordValidation fetches the remote record hashes of every mismatched
	// entity in one POST /validate/data call instead of one call per entity.
	BulkRecordValidation bool
	// Concurrency bounds the parallel per-entity hash fetches.
	Concurrency int
	Logger      *slog.Logger
}

func DefaultReconcileConfig() *ReconcileConfig {
	return &ReconcileConfig{Concurrency: 4}
}

// Divergence is the minimal set of record ids of one entity that differ from
// the server.
type Divergence struct {
	Entity string
	// Refetch holds ids whose remote record is missing locally or hashes differently.
	Refetch []string
	// Remove holds ids present locally but unknown to the server.
	Remove []string
}

func (d Divergence) Empty() bool { return len(d.Refetch) == 0 && len(d.Remove) == 0 }

// ReconcileResult summarizes one reconciliation cycle.
type ReconcileResult struct {
	Checked     int
	Mismatched  []string
	Divergences []Divergence
	Refetched   int
	Removed     int
}

// ReconciliationEngine detects and resolves divergence between local and
// remote entity state by comparing hashes.
type ReconciliationEngine struct {
	store  SyncControlStore
	local  LocalStorage
	remote Remote
	config *ReconcileConfig
	logger *slog.Logger
}

func NewReconciliationEngine(store SyncControlStore, local LocalStorage, remote Remote, cfg *ReconcileConfig) *ReconciliationEngine {
	if cfg == nil {
		cfg = DefaultReconcileConfig()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationEngine{store: store, local: local, remote: remote, config: cfg, logger: logger}
}

// Detect computes the divergence set without changing local state.
//
// A failure before or during hash validation aborts the cycle. Failures while
// diffing a single mismatched entity are joined into the returned error and do
// not discard the divergences found for other entities.
func (e *ReconciliationEngine) Detect(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	names, err := e.store.WritableEntityNames(ctx)
	if err != nil {
		return res, asDatabaseError("list writable entities", err)
	}
	if len(names) == 0 {
		return res, nil
	}

	local := make(map[string]map[string]string, len(names))
	req := &HashValidationRequest{Hashes: make([]EntityHash, 0, len(names))}
	for _, name := range names {
		records, err := e.local.Records(ctx, name)
		if err != nil {
			return res, asDatabaseError("read "+name, err)
		}
		local[name] = RecordHashes(records)
		req.Hashes = append(req.Hashes, EntityHash{Entity: name, Hash: HashEntity(records)})
	}
	res.Checked = len(names)

	resp, err := e.remote.ValidateHashing(ctx, req)
	if err != nil {
		return res, fmt.Errorf("failed to validate entity hashes: %w", err)
	}
	for _, r := range resp.Results {
		if !r.Matches {
			if _, ok := local[r.Entity]; ok {
				res.Mismatched = append(res.Mismatched, r.Entity)
			}
		}
	}
	if len(res.Mismatched) == 0 {
		e.logger.Debug("Entity hashes match", "entities", len(names))
		return res, nil
	}

	pending, err := e.pendingRecordIDs(ctx)
	if err != nil {
		return res, err
	}

	remote, errs := e.remoteRecordHashes(ctx, res.Mismatched, local)
	for _, name := range res.Mismatched {
		rh, ok := remote[name]
		if !ok {
			continue
		}
		d := diffRecordHashes(name, local[name], rh, pending[name])
		if !d.Empty() {
			res.Divergences = append(res.Divergences, d)
		}
	}
	return res, errors.Join(errs...)
}

// Reconcile detects divergences and resolves them: divergent records are
// refetched and upserted, local-only records are removed. Records with pending
// local actions are left for the queue to settle.
func (e *ReconciliationEngine) Reconcile(ctx context.Context) (ReconcileResult, error) {
	res, detectErr := e.Detect(ctx)
	if detectErr != nil && len(res.Divergences) == 0 {
		return res, detectErr
	}

	errs := []error{detectErr}
	for _, d := range res.Divergences {
		refetched, err := e.resolve(ctx, d)
		res.Refetched += refetched
		if err != nil {
			errs = append(errs, fmt.Errorf("entity %s: %w", d.Entity, err))
			continue
		}
		res.Removed += len(d.Remove)
	}
	if err := errors.Join(errs...); err != nil {
		return res, err
	}
	e.logger.Info("Reconciliation completed",
		"checked", res.Checked,
		"mismatched", len(res.Mismatched),
		"refetched", res.Refetched,
		"removed", res.Removed,
	)
	return res, nil
}

func (e *ReconciliationEngine) resolve(ctx context.Context, d Divergence) (int, error) {
	refetched := 0
	if len(d.Refetch) > 0 {
		data, err := e.remote.FetchEntityData(ctx, d.Entity, 0, d.Refetch)
		if err != nil {
			return 0, fmt.Errorf("failed to refetch records: %w", err)
		}
		records := data.Entities()
		if err := e.local.UpsertRecords(ctx, d.Entity, records); err != nil {
			return 0, asDatabaseError("upsert "+d.Entity, err)
		}
		refetched = len(records)
	}
	if len(d.Remove) > 0 {
		if err := e.local.DeleteRecords(ctx, d.Entity, d.Remove); err != nil {
			return refetched, asDatabaseError("delete "+d.Entity, err)
		}
	}
	e.logger.Debug("Divergence resolved", "entity", d.Entity, "refetched", refetched, "removed", len(d.Remove))
	return refetched, nil
}

func (e *ReconciliationEngine) remoteRecordHashes(ctx context.Context, entities []string, local map[string]map[string]string) (map[string]map[string]string, []error) {
	out := make(map[string]map[string]string, len(entities))

	if e.config.BulkRecordValidation {
		req := &DataValidationRequest{Entities: make([]EntityHashes, 0, len(entities))}
		for _, name := range entities {
			req.Entities = append(req.Entities, EntityHashesOf(name, local[name]))
		}
		resp, err := e.remote.ValidateData(ctx, req)
		if err != nil {
			return out, []error{fmt.Errorf("failed to validate record hashes: %w", err)}
		}
		for _, eh := range resp.Entities {
			out[eh.Entity] = eh.Map()
		}
		return out, nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	// Failures are collected per entity so one failing entity does not stop
	// the others; the goroutines never return an error.
	var g errgroup.Group
	g.SetLimit(e.config.Concurrency)
	for _, name := range entities {
		g.Go(func() error {
			eh, err := e.remote.EntityHashes(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to fetch hashes of %s: %w", name, err))
				return nil
			}
			out[name] = eh.Map()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	return out, errs
}

func (e *ReconciliationEngine) pendingRecordIDs(ctx context.Context) (map[string]map[string]bool, error) {
	actions, err := e.store.PendingActions(ctx)
	if err != nil {
		return nil, asDatabaseError("read pending actions", err)
	}
	out := make(map[string]map[string]bool)
	for _, a := range actions {
		if out[a.Entity] == nil {
			out[a.Entity] = make(map[string]bool)
		}
		out[a.Entity][a.RecordID] = true
	}
	return out, nil
}

func diffRecordHashes(entity string, local, remote map[string]string, skip map[string]bool) Divergence {
	d := Divergence{Entity: entity}
	for id, rh := range remote {
		if skip[id] {
			continue
		}
		if lh, ok := local[id]; !ok || lh != rh {
			d.Refetch = append(d.Refetch, id)
		}
	}
	for id := range local {
		if skip[id] {
			continue
		}
		if _, ok := remote[id]; !ok {
			d.Remove = append(d.Remove, id)
		}
	}
	slices.Sort(d.Refetch)
	slices.Sort(d.Remove)
	return d
}
