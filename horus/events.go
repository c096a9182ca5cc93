// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"sync"
	"time"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventActionCreated EventKind = iota + 1
	EventSyncStarted
	EventSyncCompleted
	EventSyncFailed
)

func (k EventKind) String() string {
	switch k {
	case EventActionCreated:
		return "action_created"
	case EventSyncStarted:
		return "sync_started"
	case EventSyncCompleted:
		return "sync_completed"
	case EventSyncFailed:
		return "sync_failed"
	default:
		return "unknown"
	}
}

// Event is published on an EventBus. Action is set for EventActionCreated,
// Err for EventSyncFailed.
type Event struct {
	Kind   EventKind
	Time   time.Time
	Action *Action
	Report *RunReport
	Err    error
}

// EventBus delivers events synchronously to the subscribers of their kind.
// One bus is created per session and passed to the components that need it.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventKind]map[int]func(Event)
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[EventKind]map[int]func(Event))}
}

// Subscribe registers fn for events of kind and returns a function removing it.
func (b *EventBus) Subscribe(kind EventKind, fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]func(Event))
	}
	b.subs[kind][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[kind], id)
	}
}

// Publish delivers ev to every subscriber of its kind. A nil bus drops events.
func (b *EventBus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs[ev.Kind]))
	for _, fn := range b.subs[ev.Kind] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
