// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package refserver

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/apptanksas/horus-sync-go/horus"
)

// Store keeps the server-side action log and the materialized records of
// every user scope.
type Store interface {
	// AppendActions logs and applies actions pushed by sourceID, stamping them
	// with ts. Actions already logged for (sourceID, id) are accepted again
	// without being re-applied. It returns the accepted client ids.
	AppendActions(ctx context.Context, scope, sourceID string, actions []horus.Action, ts int64) ([]int64, error)
	// ActionsAfter returns logged actions with a timestamp >= after, ordered by
	// timestamp then arrival, leaving out the excluded ids of sourceID.
	ActionsAfter(ctx context.Context, scope string, after int64, sourceID string, exclude []int64) ([]horus.Action, error)
	// LastAction returns nil when the scope has no actions.
	LastAction(ctx context.Context, scope string) (*horus.Action, error)
	// Records returns the records of entity changed at or after after, ordered
	// by id. A non-empty ids restricts the result to those records.
	Records(ctx context.Context, scope, entity string, after int64, ids []string) ([]horus.Entity, error)
	Close()
}

// applyAction computes the record state after a. It returns false when the
// record no longer exists.
func applyAction(current map[string]horus.Value, a horus.Action) (map[string]horus.Value, bool) {
	switch a.Type {
	case horus.ActionInsert:
		return maps.Clone(a.Payload), true
	case horus.ActionUpdate:
		next := maps.Clone(current)
		if next == nil {
			next = make(map[string]horus.Value, len(a.Payload))
		}
		maps.Copy(next, a.Payload)
		return next, true
	default:
		return nil, false
	}
}

type actionKey struct {
	sourceID string
	id       int64
}

type memRecord struct {
	attrs     map[string]horus.Value
	updatedAt int64
}

type memScope struct {
	log     []horus.Action
	seen    map[actionKey]struct{}
	records map[string]map[string]memRecord
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	scopes map[string]*memScope
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scopes: make(map[string]*memScope)}
}

func (m *MemoryStore) scope(name string) *memScope {
	s, ok := m.scopes[name]
	if !ok {
		s = &memScope{
			seen:    make(map[actionKey]struct{}),
			records: make(map[string]map[string]memRecord),
		}
		m.scopes[name] = s
	}
	return s
}

func (m *MemoryStore) AppendActions(_ context.Context, scope, sourceID string, actions []horus.Action, ts int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.scope(scope)

	accepted := make([]int64, 0, len(actions))
	for _, a := range actions {
		key := actionKey{sourceID: sourceID, id: a.ID}
		if _, dup := s.seen[key]; dup {
			accepted = append(accepted, a.ID)
			continue
		}
		s.seen[key] = struct{}{}

		logged := a
		logged.SourceID = sourceID
		logged.Timestamp = ts
		logged.Status = 0
		s.log = append(s.log, logged)

		table := s.records[a.Entity]
		if table == nil {
			table = make(map[string]memRecord)
			s.records[a.Entity] = table
		}
		next, keep := applyAction(table[a.RecordID].attrs, a)
		if keep {
			table[a.RecordID] = memRecord{attrs: next, updatedAt: ts}
		} else {
			delete(table, a.RecordID)
		}
		accepted = append(accepted, a.ID)
	}
	return accepted, nil
}

func (m *MemoryStore) ActionsAfter(_ context.Context, scope string, after int64, sourceID string, exclude []int64) ([]horus.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []horus.Action
	for _, a := range m.scope(scope).log {
		if a.Timestamp < after {
			continue
		}
		if a.SourceID == sourceID && slices.Contains(exclude, a.ID) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (m *MemoryStore) LastAction(_ context.Context, scope string) (*horus.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last *horus.Action
	for i, a := range m.scope(scope).log {
		if last == nil || a.Timestamp >= last.Timestamp {
			last = &m.scopes[scope].log[i]
		}
	}
	if last == nil {
		return nil, nil
	}
	out := *last
	return &out, nil
}

func (m *MemoryStore) Records(_ context.Context, scope, entity string, after int64, ids []string) ([]horus.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := m.scope(scope).records[entity]
	out := make([]horus.Entity, 0, len(table))
	for id, rec := range table {
		if rec.updatedAt < after {
			continue
		}
		if len(ids) > 0 && !slices.Contains(ids, id) {
			continue
		}
		out = append(out, horus.Entity{Name: entity, ID: id, Attributes: horus.AttributesFromMap(rec.attrs)})
	}
	slices.SortFunc(out, func(a, b horus.Entity) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *MemoryStore) Close() {}
