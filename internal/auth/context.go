// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	sourceIDKey contextKey = "source_id"
	userIDKey   contextKey = "user_id"
	actingAsKey contextKey = "acting_as"
)

// SetSourceID sets the source (device) ID in the context
func SetSourceID(ctx context.Context, sourceID string) context.Context {
	return context.WithValue(ctx, sourceIDKey, sourceID)
}

// GetSourceID retrieves the source (device) ID from the context
func GetSourceID(ctx context.Context) (string, bool) {
	sourceID, ok := ctx.Value(sourceIDKey).(string)
	return sourceID, ok
}

// SetUserID sets the authenticated user ID in the context
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the authenticated user ID from the context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// SetActingAs records the user whose data scope the request operates on
func SetActingAs(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actingAsKey, userID)
}

// GetActingAs retrieves the acting-as user from the context
func GetActingAs(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(actingAsKey).(string)
	return userID, ok && userID != ""
}

// ScopeUserID returns the user whose data a request reads and writes: the
// acting-as user when set, otherwise the authenticated user.
func ScopeUserID(ctx context.Context) (string, bool) {
	if userID, ok := GetActingAs(ctx); ok {
		return userID, true
	}
	return GetUserID(ctx)
}

// SetAuthContext sets user, device and acting-as user in one call
func SetAuthContext(ctx context.Context, userID, sourceID, actingAs string) context.Context {
	ctx = SetUserID(ctx, userID)
	ctx = SetSourceID(ctx, sourceID)
	if actingAs != "" {
		ctx = SetActingAs(ctx, actingAs)
	}
	return ctx
}
