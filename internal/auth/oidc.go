// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/zitadel/oidc/v3/pkg/client/rp"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

// OIDCConfig holds OIDCVerifier configuration.
type OIDCConfig struct {
	// IssuerURL is the OIDC provider's issuer URL; discovery runs
	// against it at startup.
	IssuerURL string

	// ClientID identifies this gateway at the provider.
	ClientID string

	// ClientSecret is required for confidential clients.
	ClientSecret string

	// HTTPTimeout bounds discovery and JWKS fetches.
	HTTPTimeout time.Duration
}

// OIDCVerifier validates federated ID tokens through a certified
// relying-party client. Discovery, JWKS caching, and signature checks
// all come from the library; this type only maps verified claims onto
// a numeric identity.
type OIDCVerifier struct {
	party rp.RelyingParty
}

// NewOIDCVerifier runs OIDC discovery against the issuer and returns a
// verifier for its ID tokens.
func NewOIDCVerifier(ctx context.Context, cfg OIDCConfig) (*OIDCVerifier, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("oidc issuer URL is required")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	party, err := rp.NewRelyingPartyOIDC(ctx, cfg.IssuerURL, cfg.ClientID, cfg.ClientSecret, "", nil,
		rp.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", cfg.IssuerURL, err)
	}
	return &OIDCVerifier{party: party}, nil
}

// Verify implements Verifier.
func (v *OIDCVerifier) Verify(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := rp.VerifyIDToken[*oidc.IDTokenClaims](ctx, tokenStr, v.party.IDTokenVerifier())
	if err != nil {
		if errors.Is(err, oidc.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := userIDFromClaims(claims)
	if err != nil {
		return nil, err
	}
	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	return &Identity{UserID: userID, Username: username}, nil
}

// userIDFromClaims resolves the numeric account id. Providers that
// issue numeric subjects map directly; others must carry an explicit
// user_id claim.
func userIDFromClaims(claims *oidc.IDTokenClaims) (int64, error) {
	if id, err := strconv.ParseInt(claims.Subject, 10, 64); err == nil && id > 0 {
		return id, nil
	}
	switch raw := claims.Claims["user_id"].(type) {
	case float64:
		if raw > 0 {
			return int64(raw), nil
		}
	case string:
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: no numeric user id in subject or user_id claim", ErrInvalidToken)
}
