// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"fmt"
	"strings"
)

// ActionType is the kind of mutation an Action carries.
type ActionType int

const (
	ActionInsert ActionType = iota + 1
	ActionUpdate
	ActionDelete
)

func (t ActionType) String() string {
	switch t {
	case ActionInsert:
		return OpInsert
	case ActionUpdate:
		return OpUpdate
	case ActionDelete:
		return OpDelete
	default:
		return "UNKNOWN"
	}
}

// ParseActionType parses INSERT, UPDATE or DELETE (case-insensitive).
func ParseActionType(s string) (ActionType, error) {
	switch strings.ToUpper(s) {
	case OpInsert:
		return ActionInsert, nil
	case OpUpdate:
		return ActionUpdate, nil
	case OpDelete:
		return ActionDelete, nil
	default:
		return 0, fmt.Errorf("unknown action type %q", s)
	}
}

func (t ActionType) MarshalText() ([]byte, error) {
	switch t {
	case ActionInsert, ActionUpdate, ActionDelete:
		return []byte(t.String()), nil
	default:
		return nil, fmt.Errorf("unknown action type %d", int(t))
	}
}

func (t *ActionType) UnmarshalText(text []byte) error {
	parsed, err := ParseActionType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ActionStatus tracks an Action through the outbox. It only moves from
// pending to completed.
type ActionStatus int

const (
	StatusPending ActionStatus = iota + 1
	StatusCompleted
)

func (s ActionStatus) String() string {
	switch s {
	case StatusPending:
		return StPending
	case StatusCompleted:
		return StCompleted
	default:
		return "unknown"
	}
}

// ParseActionStatus parses "pending" or "completed".
func ParseActionStatus(s string) (ActionStatus, error) {
	switch strings.ToLower(s) {
	case StPending:
		return StatusPending, nil
	case StCompleted:
		return StatusCompleted, nil
	default:
		return 0, fmt.Errorf("unknown action status %q", s)
	}
}

func (s ActionStatus) MarshalText() ([]byte, error) {
	switch s {
	case StatusPending, StatusCompleted:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unknown action status %d", int(s))
	}
}

func (s *ActionStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseActionStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Action is one queued mutation, either created locally or received from the server.
type Action struct {
	ID        int64            `json:"id"`
	Type      ActionType       `json:"action"`
	Entity    string           `json:"entity"`
	RecordID  string           `json:"record_id"`
	Status    ActionStatus     `json:"status,omitempty"`
	Payload   map[string]Value `json:"data,omitempty"`
	Timestamp int64            `json:"action_timestamp"`
	SourceID  string           `json:"source_id,omitempty"`
}

// Record returns the entity record described by an insert or update payload.
func (a Action) Record() Entity {
	return Entity{Name: a.Entity, ID: a.RecordID, Attributes: AttributesFromMap(a.Payload)}
}

// Operation names a one-off piece of sync work whose completion is persisted.
type Operation string

const (
	OperationInitialFetch Operation = "initial_fetch"
	OperationMigration    Operation = "migration"
)

// OperationStatus is the persisted state of an Operation.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationCompleted OperationStatus = "completed"
)

func actionIDs(actions []Action) []int64 {
	ids := make([]int64, len(actions))
	for i, a := range actions {
		ids[i] = a.ID
	}
	return ids
}
