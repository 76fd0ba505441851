// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

// Package auth verifies the bearer tokens connections present in their
// first frame. Verification strategies are pluggable behind the
// Verifier interface: a local HMAC verifier for self-issued tokens, an
// OIDC verifier for federated identity, and a caching decorator that
// amortizes repeated verification of the same token across reconnects.
package auth

import (
	"context"
	"errors"
)

// Sentinel errors returned by Verifier implementations.
var (
	// ErrInvalidToken covers malformed, unsigned, or tampered tokens.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrTokenExpired indicates a structurally valid but expired token.
	ErrTokenExpired = errors.New("auth: token expired")
)

// Identity is the authenticated principal extracted from a token.
type Identity struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// Verifier validates a bearer token and resolves it to an identity.
// Implementations must be safe for concurrent use.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}
