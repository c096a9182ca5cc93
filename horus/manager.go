// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// RunStatus is the outcome of a sync run.
type RunStatus int

const (
	// RunIdle means the network was unavailable and nothing was attempted.
	RunIdle RunStatus = iota + 1
	RunSucceeded
	RunFailed
)

func (s RunStatus) String() string {
	switch s {
	case RunIdle:
		return "idle"
	case RunSucceeded:
		return "succeeded"
	case RunFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RunReport describes one sync run.
type RunReport struct {
	Status      RunStatus
	FailedStage string
	Push        PushResult
	Pull        PullResult
	Reconcile   ReconcileResult
	StartedAt   time.Time
	Duration    time.Duration
	// Shared is set for callers that joined a run started by another caller.
	Shared bool
}

// SyncConfig configures a SyncManager.
type SyncConfig struct {
	Queue     *QueueConfig
	Reconcile *ReconcileConfig
	Trigger   *TriggerConfig

	Network NetworkMonitor
	Bus     *EventBus

	// Optional stage metrics hook for the push, pull and reconcile stages.
	StageMetrics StageMetricsRecorder
	// LogStageTimings emits stage timings at debug level.
	LogStageTimings bool

	// RunTimeout bounds one sync run. Zero means no limit.
	RunTimeout time.Duration

	Logger *slog.Logger
}

func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		Queue:     DefaultQueueConfig(),
		Reconcile: DefaultReconcileConfig(),
		Trigger:    DefaultTriggerConfig(),
		Network:    AlwaysOnline,
		RunTimeout: 5 * time.Minute,
	}
}

// SyncManager runs sync runs: push, then pull, then reconciliation. At most
// one run executes at a time; callers arriving during a run share its result.
type SyncManager struct {
	queue      *ActionQueueManager
	reconciler *ReconciliationEngine
	network    NetworkMonitor
	bus        *EventBus
	stages     stageObserver
	logger     *slog.Logger
	runTimeout time.Duration

	flight singleflight.Group
	runMu  sync.Mutex

	triggers *triggerState
}

func NewSyncManager(store SyncControlStore, local LocalStorage, remote Remote, cfg *SyncConfig) *SyncManager {
	if cfg == nil {
		cfg = DefaultSyncConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	network := cfg.Network
	if network == nil {
		network = AlwaysOnline
	}
	queueCfg := cfg.Queue
	if queueCfg == nil {
		queueCfg = DefaultQueueConfig()
	}
	if queueCfg.Logger == nil {
		queueCfg.Logger = logger
	}
	reconcileCfg := cfg.Reconcile
	if reconcileCfg == nil {
		reconcileCfg = DefaultReconcileConfig()
	}
	if reconcileCfg.Logger == nil {
		reconcileCfg.Logger = logger
	}

	m := &SyncManager{
		queue:      NewActionQueueManager(store, local, remote, queueCfg),
		reconciler: NewReconciliationEngine(store, local, remote, reconcileCfg),
		network:    network,
		bus:        cfg.Bus,
		stages:     stageObserver{recorder: cfg.StageMetrics, logging: cfg.LogStageTimings, logger: logger},
		logger:     logger,
		runTimeout: cfg.RunTimeout,
	}
	m.triggers = newTriggerState(cfg.Trigger)
	return m
}

// Online reports whether the network monitor considers the server reachable.
func (m *SyncManager) Online(ctx context.Context) bool {
	return m.network.IsAvailable(ctx)
}

// TrySynchronizeData runs one sync run unless one is already in flight, in
// which case it waits for and returns the in-flight result.
//
// The run does not inherit the cancellation of the caller that started it, so
// callers that joined it are unaffected when that caller gives up. A canceled
// caller returns ctx.Err() right away; the run itself is bounded by
// SyncConfig.RunTimeout.
//
// Being offline is not an error: the run reports RunIdle and touches nothing.
// A stage failure stops the run; stages that already completed stay applied.
// Failures are published as EventSyncFailed and returned.
func (m *SyncManager) TrySynchronizeData(ctx context.Context) (RunReport, error) {
	if err := ctx.Err(); err != nil {
		return RunReport{}, err
	}
	ch := m.flight.DoChan("sync", func() (any, error) {
		runCtx, cancel := m.runContext(ctx)
		defer cancel()
		report, err := m.run(runCtx)
		return report, err
	})
	select {
	case <-ctx.Done():
		return RunReport{}, ctx.Err()
	case res := <-ch:
		report, _ := res.Val.(RunReport)
		report.Shared = res.Shared
		return report, res.Err
	}
}

func (m *SyncManager) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if m.runTimeout > 0 {
		return context.WithTimeout(ctx, m.runTimeout)
	}
	return context.WithCancel(ctx)
}

// FetchInitialData downloads the full server data set once, holding the same
// lock as sync runs. The checkpoint is the server's last action as seen before
// the download, so actions logged while it is in progress are pulled by the
// next run.
func (m *SyncManager) FetchInitialData(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	store, local, remote := m.queue.store, m.queue.local, m.queue.remote
	done, err := store.IsStatusCompleted(ctx, OperationInitialFetch)
	if err != nil {
		return asDatabaseError("read initial fetch status", err)
	}
	if done {
		return nil
	}

	start := m.stages.start()
	fail := func(count int, err error) error {
		m.stages.observe(ctx, MetricsOpStartup, MetricsStageInitialFetch, start, count, true)
		return err
	}

	last, err := remote.LastAction(ctx)
	if err != nil {
		return fail(0, fmt.Errorf("failed to fetch last action: %w", err))
	}
	data, err := remote.FetchData(ctx, 0)
	if err != nil {
		return fail(0, fmt.Errorf("failed to fetch initial data: %w", err))
	}

	count := 0
	for _, ed := range data.Entities {
		records := ed.Entities()
		if err := local.UpsertRecords(ctx, ed.Entity, records); err != nil {
			return fail(count, asDatabaseError("store initial "+ed.Entity, err))
		}
		count += len(records)
	}

	// Without a last action the log was empty before the download and the
	// checkpoint stays at zero.
	var checkpoint int64
	if last != nil {
		checkpoint = last.Timestamp
		if err := store.SaveCheckpoint(ctx, checkpoint); err != nil {
			return fail(count, asDatabaseError("save checkpoint", err))
		}
	}
	if err := store.RecordStatus(ctx, OperationInitialFetch, OperationCompleted); err != nil {
		return fail(count, asDatabaseError("record initial fetch status", err))
	}
	m.stages.observe(ctx, MetricsOpStartup, MetricsStageInitialFetch, start, count, false)
	m.logger.Info("Initial data fetched", "entities", len(data.Entities), "records", count, "checkpoint", checkpoint)
	return nil
}

func (m *SyncManager) run(ctx context.Context) (RunReport, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	report := RunReport{StartedAt: time.Now()}
	if !m.network.IsAvailable(ctx) {
		m.logger.Debug("Network unavailable, skipping sync run")
		report.Status = RunIdle
		return report, nil
	}

	m.triggers.runStarted(report.StartedAt)
	m.bus.Publish(Event{Kind: EventSyncStarted})
	total := m.stages.start()

	fail := func(stage string, err error) (RunReport, error) {
		report.Status = RunFailed
		report.FailedStage = stage
		report.Duration = time.Since(report.StartedAt)
		m.stages.observe(ctx, MetricsOpSync, MetricsStageTotal, total, 0, true)
		m.logger.Error("Sync run failed", "stage", stage, "error", err)
		err = fmt.Errorf("sync %s failed: %w", stage, err)
		m.bus.Publish(Event{Kind: EventSyncFailed, Report: &report, Err: err})
		return report, err
	}

	start := m.stages.start()
	push, err := m.queue.Push(ctx)
	report.Push = push
	m.stages.observe(ctx, MetricsOpSync, MetricsStagePush, start, push.Pushed, err != nil)
	if err != nil {
		return fail(MetricsStagePush, err)
	}

	start = m.stages.start()
	pull, err := m.queue.Pull(ctx)
	report.Pull = pull
	m.stages.observe(ctx, MetricsOpSync, MetricsStagePull, start, pull.Applied, err != nil)
	if err != nil {
		return fail(MetricsStagePull, err)
	}

	start = m.stages.start()
	rec, err := m.reconciler.Reconcile(ctx)
	report.Reconcile = rec
	m.stages.observe(ctx, MetricsOpSync, MetricsStageReconcile, start, len(rec.Divergences), err != nil)
	if err != nil {
		return fail(MetricsStageReconcile, err)
	}

	report.Status = RunSucceeded
	report.Duration = time.Since(report.StartedAt)
	m.stages.observe(ctx, MetricsOpSync, MetricsStageTotal, total, push.Pushed+pull.Applied, false)
	m.logger.Info("Sync run completed",
		"pushed", push.Pushed,
		"retained", push.Retained,
		"pulled", pull.Applied,
		"checkpoint", pull.Checkpoint,
		"divergences", len(rec.Divergences),
		"duration", report.Duration,
	)
	m.bus.Publish(Event{Kind: EventSyncCompleted, Report: &report})
	return report, nil
}
