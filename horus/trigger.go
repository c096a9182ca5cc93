// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// TriggerReason is an application event that may start a sync run.
type TriggerReason int

const (
	TriggerAppResumed TriggerReason = iota + 1
	TriggerNetworkReconnected
	TriggerActionCreated
	TriggerInterval
)

func (r TriggerReason) String() string {
	switch r {
	case TriggerAppResumed:
		return "app_resumed"
	case TriggerNetworkReconnected:
		return "network_reconnected"
	case TriggerActionCreated:
		return "action_created"
	case TriggerInterval:
		return "interval"
	default:
		return "unknown"
	}
}

// TriggerConfig sets when local writes start a sync run.
type TriggerConfig struct {
	// BatchThreshold is the number of local writes that starts a run.
	BatchThreshold int
	// MaxInterval is the longest time local writes wait for a run.
	MaxInterval time.Duration
}

func DefaultTriggerConfig() *TriggerConfig {
	return &TriggerConfig{BatchThreshold: 10, MaxInterval: 30 * time.Second}
}

type triggerState struct {
	cfg TriggerConfig

	mu      sync.Mutex
	writes  int
	lastRun time.Time
	cancel  context.CancelFunc
	baseCtx context.Context
	unsub   func()
	wg      sync.WaitGroup
}

func newTriggerState(cfg *TriggerConfig) *triggerState {
	if cfg == nil {
		cfg = DefaultTriggerConfig()
	}
	c := *cfg
	if c.BatchThreshold <= 0 {
		c.BatchThreshold = 1
	}
	return &triggerState{cfg: c, lastRun: time.Now()}
}

func (t *triggerState) runStarted(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = 0
	t.lastRun = at
}

// due reports whether accumulated writes warrant a run.
func (t *triggerState) due(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writes == 0 {
		return false
	}
	if t.writes >= t.cfg.BatchThreshold {
		return true
	}
	return t.cfg.MaxInterval > 0 && now.Sub(t.lastRun) >= t.cfg.MaxInterval
}

// Notify reports an application event. App resume and network reconnection
// start a run right away; local writes start one when the batch threshold is
// reached or the interval since the last run has elapsed. Runs start in the
// background and are coalesced with any run in flight.
func (m *SyncManager) Notify(reason TriggerReason) {
	t := m.triggers
	switch reason {
	case TriggerActionCreated:
		t.mu.Lock()
		t.writes++
		t.mu.Unlock()
		if !t.due(time.Now()) {
			return
		}
	case TriggerInterval:
		if !t.due(time.Now()) {
			return
		}
	}
	m.logger.Debug("Sync triggered", "reason", reason)
	m.runInBackground()
}

func (m *SyncManager) runInBackground() {
	t := m.triggers
	t.mu.Lock()
	ctx := t.baseCtx
	t.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	} else if ctx.Err() != nil {
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if _, err := m.TrySynchronizeData(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Debug("Triggered sync run failed", "error", err)
		}
	}()
}

// Start subscribes the manager to EventActionCreated on its bus and checks
// the interval threshold periodically until ctx is done or Stop is called.
func (m *SyncManager) Start(ctx context.Context) {
	t := m.triggers
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.baseCtx = ctx
	t.cancel = cancel
	if m.bus != nil {
		t.unsub = m.bus.Subscribe(EventActionCreated, func(Event) { m.Notify(TriggerActionCreated) })
	}
	t.mu.Unlock()

	if t.cfg.MaxInterval <= 0 {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cfg.MaxInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Notify(TriggerInterval)
			}
		}
	}()
}

// Stop cancels the interval check and waits for triggered runs to return,
// including a run still in flight.
func (m *SyncManager) Stop() {
	t := m.triggers
	t.mu.Lock()
	cancel, unsub := t.cancel, t.unsub
	t.cancel, t.unsub, t.baseCtx = nil, nil, nil
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	// An in-flight run holds runMu until it returns.
	m.runMu.Lock()
	m.runMu.Unlock()
}

// Wait blocks until every triggered run has returned.
func (m *SyncManager) Wait() {
	m.triggers.wg.Wait()
}
