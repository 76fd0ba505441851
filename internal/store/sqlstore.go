// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/pushfeed/relay/internal/logging"
	"github.com/pushfeed/relay/internal/models"
)

// SQLConfig holds SQLStore configuration.
type SQLConfig struct {
	// Path is the database file path; ":memory:" opens an in-memory
	// database.
	Path string

	// SyncPageSize caps MessagesAfter when the caller passes no limit.
	SyncPageSize int

	// BreakerMaxFailures trips the transactional-tier circuit breaker
	// after this many consecutive failures.
	BreakerMaxFailures uint32

	// BreakerOpenFor is how long the breaker stays open before probing.
	BreakerOpenFor time.Duration
}

// DefaultSQLConfig returns production defaults.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		Path:               "/data/relay.duckdb",
		SyncPageSize:       100,
		BreakerMaxFailures: 5,
		BreakerOpenFor:     15 * time.Second,
	}
}

// SQLStore is the DuckDB-backed Store. Message persistence runs in two
// tiers: a preferred single-transaction path covering message, thread
// summary, and receipts (the analogue of a definer-rights procedure),
// and a direct-insert fallback used when the transactional tier is
// unavailable. Both tiers enforce the (thread_id, client_msg_id)
// uniqueness invariant identically; a lost race re-fetches the winning
// row instead of erroring.
type SQLStore struct {
	db      *sql.DB
	cfg     SQLConfig
	breaker *gobreaker.CircuitBreaker[*models.Message]
}

// NewSQLStore opens (creating if necessary) the database and ensures
// the schema exists.
func NewSQLStore(cfg SQLConfig) (*SQLStore, error) {
	if cfg.SyncPageSize <= 0 {
		cfg.SyncPageSize = 100
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = 15 * time.Second
	}

	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	s := &SQLStore{db: db, cfg: cfg}
	s.breaker = gobreaker.NewCircuitBreaker[*models.Message](gobreaker.Settings{
		Name: "store-insert-tx",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		Timeout: cfg.BreakerOpenFor,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("store circuit breaker state change")
		},
	})

	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema() error {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS seq_thread_id START 1`,
		`CREATE SEQUENCE IF NOT EXISTS seq_message_id START 1`,
		`CREATE TABLE IF NOT EXISTS threads (
			id BIGINT PRIMARY KEY,
			creator_id BIGINT NOT NULL,
			is_group BOOLEAN NOT NULL DEFAULT FALSE,
			title VARCHAR,
			pair_key VARCHAR UNIQUE,
			created_at TIMESTAMP NOT NULL,
			last_message_id BIGINT,
			last_message_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS thread_participants (
			thread_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			joined_at TIMESTAMP NOT NULL,
			last_read_message_id BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (thread_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGINT PRIMARY KEY,
			thread_id BIGINT NOT NULL,
			sender_id BIGINT NOT NULL,
			kind VARCHAR NOT NULL,
			body VARCHAR NOT NULL CHECK (body <> ''),
			attachments VARCHAR,
			reply_to_id BIGINT,
			client_msg_id VARCHAR,
			sequence_number BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			edited_at TIMESTAMP,
			deleted_at TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client
			ON messages (thread_id, client_msg_id)`,
		`CREATE TABLE IF NOT EXISTS delivery_receipts (
			message_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			status VARCHAR NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (message_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS user_blocks (
			blocker_id BIGINT NOT NULL,
			blocked_id BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (blocker_id, blocked_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// isUniqueViolation detects constraint conflicts across DuckDB error
// shapes. DuckDB has no stable error codes through database/sql, so
// message matching is the practical option.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "constraint error") ||
		strings.Contains(msg, "primary key")
}

func pairKey(a, b int64) string {
	lo, hi := normalizePair(a, b)
	return fmt.Sprintf("%d:%d", lo, hi)
}

// GetOrCreateDirectThread implements Store. The unique pair_key column
// arbitrates creation races: a failed insert re-queries the winner.
func (s *SQLStore) GetOrCreateDirectThread(ctx context.Context, userA, userB int64) (*models.Thread, error) {
	key := pairKey(userA, userB)

	if t, err := s.threadByPairKey(ctx, key); err == nil {
		return t, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	createdAt := now()
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('seq_thread_id')`).Scan(&id); err != nil {
		return nil, fmt.Errorf("allocate thread id: %w", err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, creator_id, is_group, pair_key, created_at)
		 VALUES (?, ?, FALSE, ?, ?)`,
		id, userA, key, createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race; the winning row is authoritative.
			return s.threadByPairKey(ctx, key)
		}
		return nil, fmt.Errorf("insert thread: %w", err)
	}

	for _, uid := range []int64{userA, userB} {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO thread_participants (thread_id, user_id, joined_at)
			 VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			id, uid, createdAt); err != nil {
			return nil, fmt.Errorf("insert participant: %w", err)
		}
	}

	return &models.Thread{ID: id, CreatorID: userA, CreatedAt: createdAt}, nil
}

func (s *SQLStore) threadByPairKey(ctx context.Context, key string) (*models.Thread, error) {
	return s.scanThread(s.db.QueryRowContext(ctx,
		`SELECT id, creator_id, is_group, COALESCE(title, ''), created_at, last_message_id, last_message_at
		 FROM threads WHERE pair_key = ?`, key))
}

// ThreadByID implements Store.
func (s *SQLStore) ThreadByID(ctx context.Context, threadID int64) (*models.Thread, error) {
	return s.scanThread(s.db.QueryRowContext(ctx,
		`SELECT id, creator_id, is_group, COALESCE(title, ''), created_at, last_message_id, last_message_at
		 FROM threads WHERE id = ?`, threadID))
}

func (s *SQLStore) scanThread(row *sql.Row) (*models.Thread, error) {
	var t models.Thread
	var lastID sql.NullInt64
	var lastAt sql.NullTime
	err := row.Scan(&t.ID, &t.CreatorID, &t.IsGroup, &t.Title, &t.CreatedAt, &lastID, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	if lastID.Valid {
		t.LastMessageID = &lastID.Int64
	}
	if lastAt.Valid {
		t.LastMessageAt = &lastAt.Time
	}
	return &t, nil
}

// Participants implements Store.
func (s *SQLStore) Participants(ctx context.Context, threadID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM thread_participants WHERE thread_id = ? ORDER BY user_id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return ids, nil
}

// IsParticipant implements Store.
func (s *SQLStore) IsParticipant(ctx context.Context, threadID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM thread_participants WHERE thread_id = ? AND user_id = ?`,
		threadID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return true, nil
}

// IsBlocked implements Store.
func (s *SQLStore) IsBlocked(ctx context.Context, userA, userB int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM user_blocks
		 WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)
		 LIMIT 1`,
		userA, userB, userB, userA).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query blocks: %w", err)
	}
	return true, nil
}

// SetBlock implements Store.
func (s *SQLStore) SetBlock(ctx context.Context, blockerID, blockedID int64, blocked bool) error {
	var err error
	if blocked {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO user_blocks (blocker_id, blocked_id, created_at)
			 VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			blockerID, blockedID, now())
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM user_blocks WHERE blocker_id = ? AND blocked_id = ?`,
			blockerID, blockedID)
	}
	return err
}

// InsertMessage implements Store.
func (s *SQLStore) InsertMessage(ctx context.Context, p InsertMessageParams) (*models.Message, bool, error) {
	body, err := prepareBody(p.Body, p.Attachments)
	if err != nil {
		return nil, false, err
	}

	if p.ClientMsgID != "" {
		if existing, err := s.MessageByClientID(ctx, p.ThreadID, p.ClientMsgID); err == nil {
			return existing, false, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	if p.ReplyToID != nil {
		var deletedAt sql.NullTime
		err := s.db.QueryRowContext(ctx,
			`SELECT deleted_at FROM messages WHERE id = ? AND thread_id = ?`,
			*p.ReplyToID, p.ThreadID).Scan(&deletedAt)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && deletedAt.Valid) {
			return nil, false, ErrInvalidReply
		}
		if err != nil {
			return nil, false, fmt.Errorf("resolve reply target: %w", err)
		}
	}

	// Tier 1: transactional insert behind the circuit breaker.
	msg, err := s.breaker.Execute(func() (*models.Message, error) {
		return s.insertTx(ctx, p, body)
	})
	if err == nil {
		return msg, true, nil
	}
	if isUniqueViolation(err) {
		existing, ferr := s.MessageByClientID(ctx, p.ThreadID, p.ClientMsgID)
		if ferr != nil {
			return nil, false, fmt.Errorf("refetch after conflict: %w", ferr)
		}
		return existing, false, nil
	}

	logging.Warn().Err(err).
		Int64("thread_id", p.ThreadID).
		Msg("transactional insert tier failed, falling back to direct insert")

	// Tier 2: direct insert with the same elevated credential; summary
	// and receipts become best-effort follow-ups.
	msg, err = s.insertDirect(ctx, p, body)
	if err != nil {
		if isUniqueViolation(err) {
			existing, ferr := s.MessageByClientID(ctx, p.ThreadID, p.ClientMsgID)
			if ferr != nil {
				return nil, false, fmt.Errorf("refetch after conflict: %w", ferr)
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	if err := s.applyMessageSideEffects(ctx, s.db, msg, p.SenderID); err != nil {
		logging.Warn().Err(err).
			Int64("message_id", msg.ID).
			Msg("post-insert side effects failed")
	}
	return msg, true, nil
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) insertTx(ctx context.Context, p InsertMessageParams, body string) (*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	msg, err := s.insertRow(ctx, tx, p, body)
	if err != nil {
		return nil, err
	}
	if err := s.applyMessageSideEffects(ctx, tx, msg, p.SenderID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert tx: %w", err)
	}
	return msg, nil
}

func (s *SQLStore) insertDirect(ctx context.Context, p InsertMessageParams, body string) (*models.Message, error) {
	return s.insertRow(ctx, s.db, p, body)
}

func (s *SQLStore) insertRow(ctx context.Context, q execer, p InsertMessageParams, body string) (*models.Message, error) {
	var id int64
	if err := q.QueryRowContext(ctx, `SELECT nextval('seq_message_id')`).Scan(&id); err != nil {
		return nil, fmt.Errorf("allocate message id: %w", err)
	}

	var seq int64
	if err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE thread_id = ?`,
		p.ThreadID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("allocate sequence number: %w", err)
	}

	attachJSON, err := json.Marshal(p.Attachments)
	if err != nil {
		return nil, fmt.Errorf("marshal attachments: %w", err)
	}

	msg := &models.Message{
		ID:             id,
		ThreadID:       p.ThreadID,
		SenderID:       p.SenderID,
		Kind:           models.InferKind(p.Attachments),
		Body:           body,
		Attachments:    append([]models.Attachment(nil), p.Attachments...),
		ReplyToID:      p.ReplyToID,
		ClientMsgID:    p.ClientMsgID,
		SequenceNumber: seq,
		CreatedAt:      now(),
	}

	var clientID any
	if p.ClientMsgID != "" {
		clientID = p.ClientMsgID
	}
	var replyTo any
	if p.ReplyToID != nil {
		replyTo = *p.ReplyToID
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO messages
		 (id, thread_id, sender_id, kind, body, attachments, reply_to_id, client_msg_id, sequence_number, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ThreadID, msg.SenderID, string(msg.Kind), msg.Body,
		string(attachJSON), replyTo, clientID, msg.SequenceNumber, msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// applyMessageSideEffects updates the thread's last-message pointer and
// creates sent-receipts for every recipient other than the sender.
func (s *SQLStore) applyMessageSideEffects(ctx context.Context, q execer, msg *models.Message, senderID int64) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE threads SET last_message_id = ?, last_message_at = ? WHERE id = ?`,
		msg.ID, msg.CreatedAt, msg.ThreadID); err != nil {
		return fmt.Errorf("update thread summary: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM thread_participants WHERE thread_id = ? AND user_id <> ?`,
		msg.ThreadID, senderID)
	if err != nil {
		return fmt.Errorf("query recipients: %w", err)
	}
	var recipients []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return err
		}
		recipients = append(recipients, uid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, uid := range recipients {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO delivery_receipts (message_id, user_id, status, updated_at)
			 VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			msg.ID, uid, string(models.StatusSent), msg.CreatedAt); err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}
	}
	return nil
}

// MessageByClientID implements Store.
func (s *SQLStore) MessageByClientID(ctx context.Context, threadID int64, clientMsgID string) (*models.Message, error) {
	if clientMsgID == "" {
		return nil, ErrNotFound
	}
	return s.scanMessage(s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, sender_id, kind, body, attachments, reply_to_id,
		        COALESCE(client_msg_id, ''), sequence_number, created_at, edited_at, deleted_at
		 FROM messages WHERE thread_id = ? AND client_msg_id = ?`,
		threadID, clientMsgID))
}

// MessagesAfter implements Store.
func (s *SQLStore) MessagesAfter(ctx context.Context, threadID, afterID int64, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > s.cfg.SyncPageSize {
		limit = s.cfg.SyncPageSize
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, sender_id, kind, body, attachments, reply_to_id,
		        COALESCE(client_msg_id, ''), sequence_number, created_at, edited_at, deleted_at
		 FROM messages
		 WHERE thread_id = ? AND id > ? AND deleted_at IS NULL
		 ORDER BY id ASC
		 LIMIT ?`,
		threadID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := s.scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scanMessage(row *sql.Row) (*models.Message, error) {
	msg, err := scanMessageFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func (s *SQLStore) scanMessageRows(rows *sql.Rows) (*models.Message, error) {
	return scanMessageFrom(rows)
}

func scanMessageFrom(sc rowScanner) (*models.Message, error) {
	var msg models.Message
	var kind, attachments string
	var replyTo sql.NullInt64
	var editedAt, deletedAt sql.NullTime
	err := sc.Scan(&msg.ID, &msg.ThreadID, &msg.SenderID, &kind, &msg.Body,
		&attachments, &replyTo, &msg.ClientMsgID, &msg.SequenceNumber,
		&msg.CreatedAt, &editedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	msg.Kind = models.Kind(kind)
	if attachments != "" && attachments != "null" {
		if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	if replyTo.Valid {
		msg.ReplyToID = &replyTo.Int64
	}
	if editedAt.Valid {
		msg.EditedAt = &editedAt.Time
	}
	if deletedAt.Valid {
		msg.DeletedAt = &deletedAt.Time
	}
	return &msg, nil
}

// UpsertReceipt implements Store. Read-modify-write in a transaction;
// the status lattice resolves out-of-order acknowledgments.
func (s *SQLStore) UpsertReceipt(ctx context.Context, messageID, userID int64, status models.DeliveryStatus) (models.DeliveryStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin receipt tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM delivery_receipts WHERE message_id = ? AND user_id = ?`,
		messageID, userID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO delivery_receipts (message_id, user_id, status, updated_at)
			 VALUES (?, ?, ?, ?)`,
			messageID, userID, string(status), now()); err != nil {
			return "", fmt.Errorf("insert receipt: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return status, nil
	case err != nil:
		return "", fmt.Errorf("query receipt: %w", err)
	}

	resolved := models.MaxStatus(models.DeliveryStatus(current), status)
	if resolved != models.DeliveryStatus(current) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE delivery_receipts SET status = ?, updated_at = ?
			 WHERE message_id = ? AND user_id = ?`,
			string(resolved), now(), messageID, userID); err != nil {
			return "", fmt.Errorf("update receipt: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return resolved, nil
}

// SetLastRead implements Store.
func (s *SQLStore) SetLastRead(ctx context.Context, threadID, userID, messageID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE thread_participants SET last_read_message_id = ?
		 WHERE thread_id = ? AND user_id = ? AND last_read_message_id < ?`,
		messageID, threadID, userID, messageID)
	return err
}

// Ping verifies database connectivity, used by the readiness probe.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
