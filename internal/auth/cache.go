// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/pushfeed/relay/internal/logging"
)

// cacheKeyPrefix namespaces verification entries inside a shared
// badger instance.
const cacheKeyPrefix = "authcache:"

// CachedVerifier decorates another Verifier with a badger-backed TTL
// cache. Mobile clients reconnect constantly and present the same
// token each time; caching successful verifications keeps the inner
// verifier (and for OIDC, the provider) off the reconnect hot path.
//
// Only successes are cached. Failures stay uncached so a token that
// becomes valid (clock skew, key rollover) is not negatively pinned,
// and keys are SHA-256 digests so raw tokens never touch disk.
type CachedVerifier struct {
	inner Verifier
	db    *badger.DB
	ttl   time.Duration
}

// NewCachedVerifier wraps inner with a verification cache. Entries
// expire after ttl; badger reclaims them automatically.
func NewCachedVerifier(inner Verifier, db *badger.DB, ttl time.Duration) *CachedVerifier {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedVerifier{inner: inner, db: db, ttl: ttl}
}

// Verify implements Verifier.
func (c *CachedVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	key := cacheKey(token)

	if identity, ok := c.lookup(key); ok {
		return identity, nil
	}

	identity, err := c.inner.Verify(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := c.store(key, identity); err != nil {
		// Cache write failure degrades to uncached verification.
		logging.Warn().Err(err).Msg("auth cache write failed")
	}
	return identity, nil
}

func (c *CachedVerifier) lookup(key []byte) (*Identity, bool) {
	var identity Identity
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &identity)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			logging.Warn().Err(err).Msg("auth cache read failed")
		}
		return nil, false
	}
	return &identity, true
}

func (c *CachedVerifier) store(key []byte, identity *Identity) error {
	data, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, data).WithTTL(c.ttl))
	})
}

func cacheKey(token string) []byte {
	digest := sha256.Sum256([]byte(token))
	return append([]byte(cacheKeyPrefix), digest[:]...)
}
