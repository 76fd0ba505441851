// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

// Package store defines the relational-store collaborator the gateway
// persists through, plus two implementations: an in-process MemStore
// used by tests and single-node development, and a DuckDB-backed
// SQLStore for durable deployments.
//
// The store is the arbiter for every data race the gateway tolerates:
// duplicate idempotency tokens and concurrent direct-thread creation
// are both resolved by uniqueness constraints and re-query, never by
// application-level locking.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pushfeed/relay/internal/models"
)

// Sentinel errors surfaced by Store implementations.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrEmptyMessage indicates a message with neither body nor
	// attachments.
	ErrEmptyMessage = errors.New("store: message has no content")

	// ErrInvalidReply indicates a reply target that does not resolve to
	// a non-deleted message in the same thread.
	ErrInvalidReply = errors.New("store: reply target invalid")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store: closed")
)

// InsertMessageParams carries everything needed for the privileged
// message insert. ClientMsgID is the client-supplied idempotency token,
// unique per thread.
type InsertMessageParams struct {
	ThreadID    int64
	SenderID    int64
	Body        string
	Attachments []models.Attachment
	ReplyToID   *int64
	ClientMsgID string
}

// Store is the relational collaborator interface. All methods are safe
// for concurrent use. Implementations authorize nothing: the gateway
// performs membership and block checks before calling the privileged
// paths, mirroring a definer-rights procedure behind a service
// credential.
type Store interface {
	// GetOrCreateDirectThread finds or atomically creates the single
	// non-group thread for an unordered user pair. Concurrent callers
	// all receive the same thread; a lost insert race falls back to
	// re-querying the winning row.
	GetOrCreateDirectThread(ctx context.Context, userA, userB int64) (*models.Thread, error)

	// ThreadByID returns the thread or ErrNotFound.
	ThreadByID(ctx context.Context, threadID int64) (*models.Thread, error)

	// Participants returns the user ids of all thread participants.
	Participants(ctx context.Context, threadID int64) ([]int64, error)

	// IsParticipant reports whether userID is a member of threadID.
	IsParticipant(ctx context.Context, threadID, userID int64) (bool, error)

	// IsBlocked reports whether a block exists between the two users in
	// either direction.
	IsBlocked(ctx context.Context, userA, userB int64) (bool, error)

	// SetBlock creates or removes a directional block record.
	SetBlock(ctx context.Context, blockerID, blockedID int64, blocked bool) error

	// InsertMessage durably records a message through the privileged
	// path. The (thread, client token) pair maps to at most one row: a
	// duplicate token returns the original message with created=false.
	// An empty body with attachments is stored as the reserved
	// placeholder; an empty body without attachments is ErrEmptyMessage.
	// Thread summary metadata and per-recipient receipts (status sent)
	// are updated best-effort alongside the insert.
	InsertMessage(ctx context.Context, p InsertMessageParams) (msg *models.Message, created bool, err error)

	// MessageByClientID returns the message for an idempotency token,
	// or ErrNotFound.
	MessageByClientID(ctx context.Context, threadID int64, clientMsgID string) (*models.Message, error)

	// MessagesAfter returns non-deleted messages with id greater than
	// afterID in ascending id order, at most limit rows. afterID 0
	// returns from the beginning. Read-only and idempotent.
	MessagesAfter(ctx context.Context, threadID, afterID int64, limit int) ([]*models.Message, error)

	// UpsertReceipt records a delivery status for (messageID, userID),
	// keeping the greater of the stored and reported status. The
	// resolved status is returned; regressions are absorbed silently.
	UpsertReceipt(ctx context.Context, messageID, userID int64, status models.DeliveryStatus) (models.DeliveryStatus, error)

	// SetLastRead advances the caller's read high-water mark on their
	// participant record. Values below the current mark are ignored.
	SetLastRead(ctx context.Context, threadID, userID, messageID int64) error

	// Close releases the underlying resources.
	Close() error
}

// normalizePair orders an unordered user pair for pair-unique indexes.
func normalizePair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// prepareBody applies the empty-body rules shared by all store
// implementations.
func prepareBody(body string, attachments []models.Attachment) (string, error) {
	if body != "" {
		return body, nil
	}
	if len(attachments) == 0 {
		return "", ErrEmptyMessage
	}
	return models.EmptyBodyPlaceholder, nil
}

// now returns the current UTC time truncated to microseconds, matching
// column precision so round-tripped timestamps compare equal.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
