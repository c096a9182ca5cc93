// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package refserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/apptanksas/horus-sync-go/horus"
	"github.com/apptanksas/horus-sync-go/internal/auth"
	"github.com/go-chi/chi/v5"
)

// Handlers serves the sync API for one set of entity schemes.
type Handlers struct {
	store    Store
	version  int
	schemes  []horus.EntityScheme
	entities map[string]horus.EntityScheme
	names    []string
	now      func() time.Time
	logger   *slog.Logger
}

// NewHandlers validates schemes and creates the API handlers.
func NewHandlers(store Store, version int, schemes []horus.EntityScheme, logger *slog.Logger) (*Handlers, error) {
	if err := horus.ValidateSchemes(schemes); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	entities := make(map[string]horus.EntityScheme)
	for _, s := range horus.FlattenSchemes(schemes) {
		entities[s.Name] = s
	}
	return &Handlers{
		store:    store,
		version:  version,
		schemes:  schemes,
		entities: entities,
		names:    slices.Sorted(maps.Keys(entities)),
		now:      time.Now,
		logger:   logger,
	}, nil
}

// HandleMigration returns the current schemes.
func (h *Handlers) HandleMigration(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, horus.MigrationResponse{Version: h.version, Schemes: h.schemes})
}

// HandleData returns the records of every entity changed since ?after.
func (h *Handlers) HandleData(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	after, ok := h.int64Param(w, r, "after")
	if !ok {
		return
	}

	resp := horus.DataResponse{Entities: make([]horus.EntityData, 0, len(h.names)), ServerTime: h.now().Unix()}
	for _, name := range h.names {
		records, err := h.store.Records(r.Context(), scope, name, after, nil)
		if err != nil {
			h.logger.Error("Failed to load records", "error", err, "entity", name)
			h.writeError(w, http.StatusInternalServerError, "data_failed", "Failed to load records")
			return
		}
		resp.Entities = append(resp.Entities, entityData(name, records))
	}
	h.writeJSON(w, resp)
}

// HandleEntityData returns records of one entity, optionally restricted to ?ids.
func (h *Handlers) HandleEntityData(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	entity, ok := h.entityParam(w, r)
	if !ok {
		return
	}
	after, ok := h.int64Param(w, r, "after")
	if !ok {
		return
	}
	var ids []string
	if raw := r.URL.Query().Get("ids"); raw != "" {
		ids = strings.Split(raw, ",")
	}

	records, err := h.store.Records(r.Context(), scope, entity, after, ids)
	if err != nil {
		h.logger.Error("Failed to load records", "error", err, "entity", entity)
		h.writeError(w, http.StatusInternalServerError, "data_failed", "Failed to load records")
		return
	}
	h.writeJSON(w, entityData(entity, records))
}

// HandlePush logs and applies pushed actions. Actions on unknown or read-only
// entities are not accepted.
func (h *Handlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	sourceID, _ := auth.GetSourceID(r.Context())

	var req horus.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}

	valid := make([]horus.Action, 0, len(req.Actions))
	for _, a := range req.Actions {
		if err := h.checkAction(a); err != nil {
			h.logger.Warn("Action rejected", "error", err, "source_id", sourceID, "id", a.ID)
			continue
		}
		valid = append(valid, a)
	}

	accepted, err := h.store.AppendActions(r.Context(), scope, sourceID, valid, h.now().Unix())
	if err != nil {
		h.logger.Error("Failed to append actions", "error", err, "source_id", sourceID)
		h.writeError(w, http.StatusInternalServerError, "push_failed", "Failed to store actions")
		return
	}
	h.logger.Debug("Actions pushed", "source_id", sourceID, "received", len(req.Actions), "accepted", len(accepted))
	h.writeJSON(w, horus.PushResponse{Accepted: accepted})
}

func (h *Handlers) checkAction(a horus.Action) error {
	scheme, ok := h.entities[a.Entity]
	switch {
	case !ok:
		return fmt.Errorf("unknown entity %q", a.Entity)
	case !scheme.Writable():
		return fmt.Errorf("entity %q is read-only", a.Entity)
	case a.RecordID == "":
		return fmt.Errorf("missing record id")
	case a.Type < horus.ActionInsert || a.Type > horus.ActionDelete:
		return fmt.Errorf("unknown action type %d", int(a.Type))
	}
	return nil
}

// HandlePull returns actions with a timestamp >= ?after, minus the caller's
// ?exclude ids.
func (h *Handlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	sourceID, _ := auth.GetSourceID(r.Context())
	after, ok := h.int64Param(w, r, "after")
	if !ok {
		return
	}
	var exclude []int64
	if raw := r.URL.Query().Get("exclude"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid exclude parameter")
				return
			}
			exclude = append(exclude, id)
		}
	}

	actions, err := h.store.ActionsAfter(r.Context(), scope, after, sourceID, exclude)
	if err != nil {
		h.logger.Error("Failed to load actions", "error", err, "source_id", sourceID)
		h.writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to load actions")
		return
	}
	if actions == nil {
		actions = []horus.Action{}
	}
	h.writeJSON(w, horus.PullResponse{Actions: actions, ServerTime: h.now().Unix()})
}

// HandleLastAction returns the newest action, or 204 when there is none.
func (h *Handlers) HandleLastAction(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	last, err := h.store.LastAction(r.Context(), scope)
	if err != nil {
		h.logger.Error("Failed to load last action", "error", err)
		h.writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to load last action")
		return
	}
	if last == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, last)
}

// HandleValidateHashing compares client entity hashes with the server's.
func (h *Handlers) HandleValidateHashing(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req horus.HashValidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse hash validation request")
		return
	}

	resp := horus.HashValidationResponse{Results: make([]horus.HashValidationResult, 0, len(req.Hashes))}
	for _, eh := range req.Hashes {
		records, err := h.store.Records(r.Context(), scope, eh.Entity, 0, nil)
		if err != nil {
			h.logger.Error("Failed to load records", "error", err, "entity", eh.Entity)
			h.writeError(w, http.StatusInternalServerError, "validation_failed", "Failed to load records")
			return
		}
		resp.Results = append(resp.Results, horus.HashValidationResult{
			Entity:  eh.Entity,
			Matches: horus.HashEntity(records) == eh.Hash,
		})
	}
	h.writeJSON(w, resp)
}

// HandleValidateData returns the server record hashes of every requested
// entity whose hashes differ from the client's.
func (h *Handlers) HandleValidateData(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req horus.DataValidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse data validation request")
		return
	}

	resp := horus.DataValidationResponse{Entities: []horus.EntityHashes{}}
	for _, client := range req.Entities {
		records, err := h.store.Records(r.Context(), scope, client.Entity, 0, nil)
		if err != nil {
			h.logger.Error("Failed to load records", "error", err, "entity", client.Entity)
			h.writeError(w, http.StatusInternalServerError, "validation_failed", "Failed to load records")
			return
		}
		server := horus.RecordHashes(records)
		if !maps.Equal(server, client.Map()) {
			resp.Entities = append(resp.Entities, horus.EntityHashesOf(client.Entity, server))
		}
	}
	h.writeJSON(w, resp)
}

// HandleEntityHashes returns the per-record hashes of one entity.
func (h *Handlers) HandleEntityHashes(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	entity, ok := h.entityParam(w, r)
	if !ok {
		return
	}
	records, err := h.store.Records(r.Context(), scope, entity, 0, nil)
	if err != nil {
		h.logger.Error("Failed to load records", "error", err, "entity", entity)
		h.writeError(w, http.StatusInternalServerError, "hashes_failed", "Failed to load records")
		return
	}
	h.writeJSON(w, horus.EntityHashesOf(entity, horus.RecordHashes(records)))
}

func entityData(entity string, records []horus.Entity) horus.EntityData {
	out := horus.EntityData{Entity: entity, Records: make([]horus.RecordPayload, len(records))}
	for i, rec := range records {
		out.Records[i] = horus.RecordPayloadOf(rec)
	}
	return out
}

func (h *Handlers) scope(w http.ResponseWriter, r *http.Request) (string, bool) {
	scope, ok := auth.ScopeUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "No user in request context")
	}
	return scope, ok
}

func (h *Handlers) entityParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	entity := chi.URLParam(r, "entity")
	if _, ok := h.entities[entity]; !ok {
		h.writeError(w, http.StatusNotFound, "unknown_entity", "Unknown entity "+entity)
		return "", false
	}
	return entity, true
}

func (h *Handlers) int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+name+" parameter")
		return 0, false
	}
	return v, true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set(horus.HeaderContentType, "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set(horus.HeaderContentType, "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(horus.ErrorResponse{Error: errorCode, Message: message})

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
