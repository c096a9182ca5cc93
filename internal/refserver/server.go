// Package refserver is a reference implementation of the sync server API,
// used by end-to-end tests and the `horus serve` command.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package refserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/apptanksas/horus-sync-go/horus"
	"github.com/apptanksas/horus-sync-go/internal/auth"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Config holds configuration for the server
type Config struct {
	// DatabaseURL selects PostgreSQL storage; an in-memory store is used when empty.
	DatabaseURL string
	JWTSecret   string
	// TokenTTL is the lifetime of tokens issued by /signin.
	TokenTTL      time.Duration
	SchemaVersion int
	Schemes       []horus.EntityScheme
	// AllowActingAs authorizes X-Acting-As requests. Acting as another user
	// is rejected when nil.
	AllowActingAs func(user, target string) bool
	Logger        *slog.Logger
}

// Components holds the initialized server components
type Components struct {
	Store    Store
	JWTAuth  *auth.JWTAuth
	Handlers *Handlers
	Handler  http.Handler
	Logger   *slog.Logger
}

// Setup initializes storage, authentication and routes.
func Setup(ctx context.Context, cfg *Config) (*Components, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		store Store
		err   error
	)
	if cfg.DatabaseURL != "" {
		store, err = OpenPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
	} else {
		store = NewMemoryStore()
	}

	version := cfg.SchemaVersion
	if version == 0 {
		version = horus.SchemaVersion(cfg.Schemes)
	}
	handlers, err := NewHandlers(store, version, cfg.Schemes, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	secret := cfg.JWTSecret
	if secret == "" {
		secret = "your-secret-key-change-in-production"
		logger.Warn("Using default JWT secret - change in production!")
	}
	jwtAuth := auth.NewJWTAuth(secret)
	jwtAuth.AllowActingAs = cfg.AllowActingAs

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Components{
		Store:    store,
		JWTAuth:  jwtAuth,
		Handlers: handlers,
		Handler:  NewRouter(handlers, jwtAuth, ttl, logger),
		Logger:   logger,
	}, nil
}

// Close releases the store.
func (c *Components) Close() {
	if c.Store != nil {
		c.Store.Close()
	}
}

// NewRouter mounts the sync API behind JWT authentication, plus the public
// /health and /signin endpoints.
func NewRouter(h *Handlers, jwtAuth *auth.JWTAuth, tokenTTL time.Duration, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, req)
			logger.Debug("request", "method", req.Method, "path", req.URL.Path, "dur", time.Since(start), "remote", req.RemoteAddr)
		})
	})

	r.Get("/health", HandleHealth)
	r.Post("/signin", handleSignin(jwtAuth, tokenTTL, logger))

	r.Group(func(r chi.Router) {
		r.Use(jwtAuth.Middleware)
		r.Get(horus.PathMigration, h.HandleMigration)
		r.Get(horus.PathData, h.HandleData)
		r.Get(horus.PathData+"/{entity}", h.HandleEntityData)
		r.Post(horus.PathQueueActions, h.HandlePush)
		r.Get(horus.PathQueueActions, h.HandlePull)
		r.Get(horus.PathLastAction, h.HandleLastAction)
		r.Post(horus.PathValidateHash, h.HandleValidateHashing)
		r.Post(horus.PathValidateData, h.HandleValidateData)
		r.Get(fmt.Sprintf(horus.PathEntityHashes, "{entity}"), h.HandleEntityHashes)
	})
	return r
}

// HandleHealth reports liveness.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(horus.HeaderContentType, "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// SigninRequest is the body of POST /signin. Any password is accepted.
type SigninRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Device   string `json:"device"`
}

// SigninResponse carries the issued token.
type SigninResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	User      string `json:"user"`
	Device    string `json:"device"`
}

func handleSignin(jwtAuth *auth.JWTAuth, ttl time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(horus.HeaderContentType, "application/json")
		var req SigninRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(horus.ErrorResponse{Error: "invalid_request", Message: "invalid JSON"})
			return
		}
		if req.User == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(horus.ErrorResponse{Error: "invalid_request", Message: "user required"})
			return
		}
		if req.Device == "" {
			req.Device = uuid.NewString()
		}
		tok, err := jwtAuth.GenerateToken(req.User, req.Device, ttl)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(horus.ErrorResponse{Error: "token_error", Message: err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(SigninResponse{Token: tok, ExpiresIn: int64(ttl.Seconds()), User: req.User, Device: req.Device})
		logger.Info("Issued token", "user", req.User, "device", req.Device)
	}
}
