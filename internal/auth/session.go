// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSession is returned by Session.Token when no token is set.
var ErrNoSession = errors.New("no active session")

// Session is the client-side authentication handle. It is created when the
// user signs in, handed to the components that call the server and cleared at
// sign-out. Claims are decoded without verification; the server verifies.
type Session struct {
	mu       sync.RWMutex
	token    string
	claims   Claims
	actingAs string
}

// NewSession returns a session for token.
func NewSession(token string) (*Session, error) {
	s := &Session{}
	if err := s.SetToken(token); err != nil {
		return nil, err
	}
	return s, nil
}

// SetToken replaces the session token, for example after a refresh.
func (s *Session) SetToken(token string) error {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return fmt.Errorf("failed to decode token: %w", err)
	}
	if claims.Subject == "" {
		return errors.New("missing sub (user ID) in token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.claims = claims
	return nil
}

// Token returns the bearer token. It fails when the session was cleared or
// the token has expired.
func (s *Session) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoSession
	}
	if exp := s.claims.ExpiresAt; exp != nil && time.Now().After(exp.Time) {
		return "", fmt.Errorf("token expired at %s", exp.Time.Format(time.RFC3339))
	}
	return s.token, nil
}

// UserID returns the sub claim.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims.Subject
}

// DeviceID returns the did claim.
func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims.DeviceID
}

// ExpiresAt returns the exp claim, or the zero time when absent.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims.ExpiresAt == nil {
		return time.Time{}
	}
	return s.claims.ExpiresAt.Time
}

// ActAs makes requests operate on userID's data. An empty userID restores
// the session user.
func (s *Session) ActAs(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actingAs = userID
}

// ActingAs returns the acting-as user, or "" when acting as oneself.
func (s *Session) ActingAs() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.actingAs == s.claims.Subject {
		return ""
	}
	return s.actingAs
}

// Clear ends the session.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.claims = Claims{}
	s.actingAs = ""
}
