// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"context"
	"log/slog"
	"time"
)

const (
	MetricsOpSync    = "sync"
	MetricsOpStartup = "startup"

	MetricsStageTotal = "total"

	// Sync run stages.
	MetricsStagePush      = "push"
	MetricsStagePull      = "pull"
	MetricsStageReconcile = "reconcile"

	// Startup stages.
	MetricsStageInitialFetch = "initial_fetch"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageObserver reports stage timings to an optional recorder and, when
// enabled, to the logger.
type stageObserver struct {
	recorder StageMetricsRecorder
	logging  bool
	logger   *slog.Logger
}

func (o stageObserver) enabled() bool {
	return o.recorder != nil || o.logging
}

func (o stageObserver) start() time.Time {
	if !o.enabled() {
		return time.Time{}
	}
	return time.Now()
}

func (o stageObserver) observe(ctx context.Context, op, stage string, start time.Time, count int, hadError bool) {
	if start.IsZero() {
		return
	}
	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Error:     hadError,
	}
	if o.recorder != nil {
		o.recorder.ObserveStage(ctx, timing)
	}
	if o.logging && o.logger != nil {
		o.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}
