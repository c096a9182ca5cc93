// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
)

// Remote is the server API the engine talks to. Implementations report HTTP
// 401/403 as ErrNotAuthorized and every other failure as ErrTransport.
type Remote interface {
	FetchMigration(ctx context.Context) (*MigrationResponse, error)
	FetchData(ctx context.Context, after int64) (*DataResponse, error)
	FetchEntityData(ctx context.Context, entity string, after int64, ids []string) (*EntityData, error)

	PushActions(ctx context.Context, req *PushRequest) (*PushResponse, error)
	PullActions(ctx context.Context, after int64, exclude []int64) (*PullResponse, error)
	// LastAction returns nil when the server holds no actions.
	LastAction(ctx context.Context) (*Action, error)

	ValidateHashing(ctx context.Context, req *HashValidationRequest) (*HashValidationResponse, error)
	ValidateData(ctx context.Context, req *DataValidationRequest) (*DataValidationResponse, error)
	EntityHashes(ctx context.Context, entity string) (*EntityHashes, error)
}

// REST/JSON models exchanged with the server

// MigrationResponse is returned by GET /migration.
type MigrationResponse struct {
	Version int            `json:"version"`
	Schemes []EntityScheme `json:"schemes"`
}

// RecordPayload is one record on the wire.
type RecordPayload struct {
	ID         string           `json:"id"`
	Attributes map[string]Value `json:"attributes"`
}

// ToEntity converts a wire record into an Entity of the named type.
func (r RecordPayload) ToEntity(entity string) Entity {
	return Entity{Name: entity, ID: r.ID, Attributes: AttributesFromMap(r.Attributes)}
}

// RecordPayloadOf converts an Entity into its wire form.
func RecordPayloadOf(e Entity) RecordPayload {
	return RecordPayload{ID: e.ID, Attributes: AttributesToMap(e.Attributes)}
}

// EntityData holds records of one entity.
type EntityData struct {
	Entity  string          `json:"entity"`
	Records []RecordPayload `json:"records"`
}

// Entities converts the wire records into Entities.
func (d EntityData) Entities() []Entity {
	out := make([]Entity, len(d.Records))
	for i, r := range d.Records {
		out[i] = r.ToEntity(d.Entity)
	}
	return out
}

// DataResponse is returned by GET /data.
type DataResponse struct {
	Entities   []EntityData `json:"entities"`
	ServerTime int64        `json:"server_time,omitempty"`
}

// PushRequest is the body of POST /queue/actions.
type PushRequest struct {
	Actions []Action `json:"actions"`
}

// PushResponse lists the action ids the server accepted.
type PushResponse struct {
	Accepted []int64 `json:"accepted"`
}

// PullResponse is returned by GET /queue/actions.
type PullResponse struct {
	Actions    []Action `json:"actions"`
	ServerTime int64    `json:"server_time,omitempty"`
}

// EntityHash is the aggregate hash of one entity.
type EntityHash struct {
	Entity string `json:"entity"`
	Hash   string `json:"hash"`
}

// HashValidationRequest is the body of POST /validate/hashing.
type HashValidationRequest struct {
	Hashes []EntityHash `json:"hashes"`
}

// HashValidationResult reports whether one entity hash matches the server.
type HashValidationResult struct {
	Entity  string `json:"entity"`
	Matches bool   `json:"matches"`
}

// HashValidationResponse is returned by POST /validate/hashing.
type HashValidationResponse struct {
	Results []HashValidationResult `json:"results"`
}

// RecordHash is the hash of one record.
type RecordHash struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

// EntityHashes lists the per-record hashes of one entity.
type EntityHashes struct {
	Entity string       `json:"entity"`
	Hashes []RecordHash `json:"hashes"`
}

// Map returns the hashes keyed by record id.
func (h EntityHashes) Map() map[string]string {
	m := make(map[string]string, len(h.Hashes))
	for _, rh := range h.Hashes {
		m[rh.ID] = rh.Hash
	}
	return m
}

// EntityHashesOf builds the wire form of a record hash map, sorted by id.
func EntityHashesOf(entity string, hashes map[string]string) EntityHashes {
	out := EntityHashes{Entity: entity, Hashes: make([]RecordHash, 0, len(hashes))}
	for id, h := range hashes {
		out.Hashes = append(out.Hashes, RecordHash{ID: id, Hash: h})
	}
	slices.SortFunc(out.Hashes, func(a, b RecordHash) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// DataValidationRequest is the body of POST /validate/data.
type DataValidationRequest struct {
	Entities []EntityHashes `json:"entities"`
}

// DataValidationResponse carries the server's per-record hashes for every
// entity of the request that did not match.
type DataValidationResponse struct {
	Entities []EntityHashes `json:"entities"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// UnmarshalAction decodes an Action, rejecting records without a type.
func UnmarshalAction(data []byte) (Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return Action{}, err
	}
	if a.Type == 0 {
		return Action{}, fmt.Errorf("action %d has no type", a.ID)
	}
	return a, nil
}
