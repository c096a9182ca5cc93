// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// QueueConfig tunes the ActionQueueManager.
type QueueConfig struct {
	// BatchSize is the maximum number of actions per push request.
	BatchSize int
	// Now returns the current time; checkpoints fall back to it when a pull
	// returns nothing and the server sent no time.
	Now    func() time.Time
	Logger *slog.Logger
}

func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{BatchSize: 50, Now: time.Now}
}

// PushResult summarizes a push.
type PushResult struct {
	Pushed   int
	Retained int
	Batches  int
}

// PullResult summarizes a pull.
type PullResult struct {
	Applied    int
	Checkpoint int64
}

// ActionQueueManager exchanges actions with the server: pending local actions
// are pushed, remote actions after the checkpoint are pulled and applied.
type ActionQueueManager struct {
	store  SyncControlStore
	local  LocalStorage
	remote Remote
	config *QueueConfig
	logger *slog.Logger
}

func NewActionQueueManager(store SyncControlStore, local LocalStorage, remote Remote, cfg *QueueConfig) *ActionQueueManager {
	if cfg == nil {
		cfg = DefaultQueueConfig()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionQueueManager{store: store, local: local, remote: remote, config: cfg, logger: logger}
}

// Push submits pending actions in enqueue order, in batches. Only ids that
// were both submitted and accepted are marked completed. A failed request
// leaves its batch pending and stops the push so later batches cannot
// overtake it; a batch the server only partly accepted stops it too.
func (m *ActionQueueManager) Push(ctx context.Context) (PushResult, error) {
	var res PushResult

	pending, err := m.store.PendingActions(ctx)
	if err != nil {
		return res, asDatabaseError("read pending actions", err)
	}
	if len(pending) == 0 {
		return res, nil
	}

	for start := 0; start < len(pending); start += m.config.BatchSize {
		end := min(start+m.config.BatchSize, len(pending))
		batch := pending[start:end]

		resp, err := m.remote.PushActions(ctx, &PushRequest{Actions: batch})
		if err != nil {
			res.Retained = len(pending) - res.Pushed
			return res, fmt.Errorf("failed to push batch of %d actions: %w", len(batch), err)
		}
		res.Batches++

		accepted := make(map[int64]struct{}, len(resp.Accepted))
		for _, id := range resp.Accepted {
			accepted[id] = struct{}{}
		}
		var done []int64
		for _, a := range batch {
			if _, ok := accepted[a.ID]; ok {
				done = append(done, a.ID)
			}
		}
		if len(done) > 0 {
			if err := m.store.MarkCompleted(ctx, done); err != nil {
				res.Retained = len(pending) - res.Pushed
				return res, asDatabaseError("mark actions completed", err)
			}
		}
		res.Pushed += len(done)

		if len(done) < len(batch) {
			m.logger.Warn("Server accepted part of a batch, keeping the rest pending",
				"submitted", len(batch), "accepted", len(done))
			break
		}
	}

	res.Retained = len(pending) - res.Pushed
	m.logger.Debug("Push completed", "pushed", res.Pushed, "retained", res.Retained, "batches", res.Batches)
	return res, nil
}

// Pull fetches remote actions after the checkpoint, excluding the ids this
// client completed since then, applies them in received order and advances
// the checkpoint. The checkpoint never moves backwards.
func (m *ActionQueueManager) Pull(ctx context.Context) (PullResult, error) {
	var res PullResult

	checkpoint, err := m.store.LastCheckpoint(ctx)
	if err != nil {
		return res, asDatabaseError("read checkpoint", err)
	}
	res.Checkpoint = checkpoint

	own, err := m.store.CompletedActionsAfter(ctx, checkpoint)
	if err != nil {
		return res, asDatabaseError("read completed actions", err)
	}

	resp, err := m.remote.PullActions(ctx, checkpoint, actionIDs(own))
	if err != nil {
		return res, fmt.Errorf("failed to pull actions after %d: %w", checkpoint, err)
	}

	if len(resp.Actions) > 0 {
		if err := m.local.ApplyActions(ctx, resp.Actions); err != nil {
			return res, asDatabaseError("apply pulled actions", err)
		}
	}
	res.Applied = len(resp.Actions)

	var next int64
	switch {
	case len(resp.Actions) > 0:
		next = resp.Actions[len(resp.Actions)-1].Timestamp
	case resp.ServerTime > 0:
		next = resp.ServerTime
	default:
		next = m.config.Now().Unix()
	}
	next = max(next, checkpoint)
	if next != checkpoint {
		if err := m.store.SaveCheckpoint(ctx, next); err != nil {
			return res, asDatabaseError("save checkpoint", err)
		}
	}
	res.Checkpoint = next

	m.logger.Debug("Pull completed", "applied", res.Applied, "checkpoint", res.Checkpoint)
	return res, nil
}
