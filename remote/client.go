// Package remote implements horus.Remote over HTTP/JSON.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/apptanksas/horus-sync-go/horus"
)

// Config holds configuration for the HTTP remote
type Config struct {
	BaseURL   string        // e.g., "https://api.example.com/sync"
	Timeout   time.Duration // per request, 30s by default
	UserAgent string
	// Token returns the bearer token sent with every request.
	Token func(ctx context.Context) (string, error)
	// ActingAs returns the user whose data scope requests operate on, or "".
	ActingAs func() string
	// HTTP overrides the HTTP client; Timeout is ignored when set.
	HTTP   *http.Client
	Logger *slog.Logger
}

// DefaultConfig returns a configuration for baseURL with default timeouts.
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:   baseURL,
		Timeout:   30 * time.Second,
		UserAgent: "horus-sync-go",
	}
}

// Client talks to the sync server.
type Client struct {
	baseURL   string
	http      *http.Client
	token     func(ctx context.Context) (string, error)
	actingAs  func() string
	userAgent string
	logger    *slog.Logger
}

var _ horus.Remote = (*Client)(nil)

func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("config.BaseURL must be provided")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   base,
		http:      httpClient,
		token:     cfg.Token,
		actingAs:  cfg.ActingAs,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}, nil
}

// FetchMigration downloads the entity schemes. A body that does not decode
// into valid schemes is reported as horus.ErrInvalidSchema.
func (c *Client) FetchMigration(ctx context.Context) (*horus.MigrationResponse, error) {
	var raw []byte
	if _, err := c.do(ctx, "fetch migration", http.MethodGet, horus.PathMigration, nil, nil, &raw); err != nil {
		return nil, err
	}
	out, err := horus.DecodeSchemes(raw)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FetchData(ctx context.Context, after int64) (*horus.DataResponse, error) {
	q := url.Values{"after": {strconv.FormatInt(after, 10)}}
	var out horus.DataResponse
	if _, err := c.do(ctx, "fetch data", http.MethodGet, horus.PathData, q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FetchEntityData(ctx context.Context, entity string, after int64, ids []string) (*horus.EntityData, error) {
	q := url.Values{"after": {strconv.FormatInt(after, 10)}}
	if len(ids) > 0 {
		q.Set("ids", strings.Join(ids, ","))
	}
	var out horus.EntityData
	path := horus.PathData + "/" + url.PathEscape(entity)
	if _, err := c.do(ctx, "fetch "+entity, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	if out.Entity == "" {
		out.Entity = entity
	}
	return &out, nil
}

func (c *Client) PushActions(ctx context.Context, req *horus.PushRequest) (*horus.PushResponse, error) {
	var out horus.PushResponse
	if _, err := c.do(ctx, "push actions", http.MethodPost, horus.PathQueueActions, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PullActions(ctx context.Context, after int64, exclude []int64) (*horus.PullResponse, error) {
	q := url.Values{"after": {strconv.FormatInt(after, 10)}}
	if len(exclude) > 0 {
		q.Set("exclude", joinIDs(exclude))
	}
	var out horus.PullResponse
	if _, err := c.do(ctx, "pull actions", http.MethodGet, horus.PathQueueActions, q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LastAction(ctx context.Context) (*horus.Action, error) {
	var out horus.Action
	status, err := c.do(ctx, "last action", http.MethodGet, horus.PathLastAction, nil, nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &out, nil
}

func (c *Client) ValidateHashing(ctx context.Context, req *horus.HashValidationRequest) (*horus.HashValidationResponse, error) {
	var out horus.HashValidationResponse
	if _, err := c.do(ctx, "validate hashing", http.MethodPost, horus.PathValidateHash, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ValidateData(ctx context.Context, req *horus.DataValidationRequest) (*horus.DataValidationResponse, error) {
	var out horus.DataValidationResponse
	if _, err := c.do(ctx, "validate data", http.MethodPost, horus.PathValidateData, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EntityHashes(ctx context.Context, entity string) (*horus.EntityHashes, error) {
	var out horus.EntityHashes
	path := fmt.Sprintf(horus.PathEntityHashes, url.PathEscape(entity))
	if _, err := c.do(ctx, "entity hashes "+entity, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Entity == "" {
		out.Entity = entity
	}
	return &out, nil
}

// do sends one request and decodes a 2xx JSON body into out, or copies it
// verbatim when out is a *[]byte. 401 and 403 are
// reported as horus.ErrNotAuthorized; every other failure as horus.ErrTransport.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) (int, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, horus.TransportError(op, fmt.Errorf("failed to create HTTP request: %w", err))
	}
	if body != nil {
		httpReq.Header.Set(horus.HeaderContentType, "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return 0, horus.NotAuthorizedError(op, fmt.Errorf("failed to get JWT token: %w", err))
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if c.actingAs != nil {
		if user := c.actingAs(); user != "" {
			httpReq.Header.Set(horus.HeaderActingAs, user)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, horus.TransportError(op, fmt.Errorf("failed to send HTTP request: %w", err))
	}
	defer resp.Body.Close()
	c.logger.Debug("Remote request", "op", op, "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp.StatusCode, horus.NotAuthorizedError(op, responseError(resp))
	case resp.StatusCode == http.StatusNoContent:
		return resp.StatusCode, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return resp.StatusCode, horus.TransportError(op, responseError(resp))
	}

	if raw, ok := out.(*[]byte); ok {
		if *raw, err = io.ReadAll(resp.Body); err != nil {
			return resp.StatusCode, horus.TransportError(op, fmt.Errorf("failed to read response: %w", err))
		}
		return resp.StatusCode, nil
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, horus.TransportError(op, fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return resp.StatusCode, nil
}

// responseError builds an error from a non-2xx response, preferring the
// server's ErrorResponse message.
func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er horus.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		if er.Message != "" {
			return fmt.Errorf("server returned status %d: %s: %s", resp.StatusCode, er.Error, er.Message)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, er.Error)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
