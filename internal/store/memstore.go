// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/pushfeed/relay/internal/models"
)

// MemStore is the in-process Store implementation. A single mutex
// guards all state, which makes every operation atomic and gives the
// same observable race semantics as the SQL uniqueness constraints:
// concurrent duplicate inserts converge on one row.
type MemStore struct {
	mu sync.Mutex

	threads      map[int64]*models.Thread
	pairIndex    map[[2]int64]int64 // normalized pair -> thread id
	participants map[int64][]*models.ThreadParticipant
	messages     map[int64][]*models.Message  // thread id -> ascending by id
	byClientID   map[clientKey]*models.Message
	receipts     map[receiptKey]*models.DeliveryReceipt
	blocks       map[[2]int64]bool // directional: [blocker, blocked]

	nextThreadID  int64
	nextMessageID int64
	nextSeq       map[int64]int64 // per-thread sequence counter

	closed bool
}

type clientKey struct {
	threadID    int64
	clientMsgID string
}

type receiptKey struct {
	messageID int64
	userID    int64
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{
		threads:      make(map[int64]*models.Thread),
		pairIndex:    make(map[[2]int64]int64),
		participants: make(map[int64][]*models.ThreadParticipant),
		messages:     make(map[int64][]*models.Message),
		byClientID:   make(map[clientKey]*models.Message),
		receipts:     make(map[receiptKey]*models.DeliveryReceipt),
		blocks:       make(map[[2]int64]bool),
		nextSeq:      make(map[int64]int64),
	}
}

// GetOrCreateDirectThread implements Store.
func (s *MemStore) GetOrCreateDirectThread(_ context.Context, userA, userB int64) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	lo, hi := normalizePair(userA, userB)
	if id, ok := s.pairIndex[[2]int64{lo, hi}]; ok {
		return cloneThread(s.threads[id]), nil
	}

	s.nextThreadID++
	t := &models.Thread{
		ID:        s.nextThreadID,
		CreatorID: userA,
		IsGroup:   false,
		CreatedAt: now(),
	}
	s.threads[t.ID] = t
	s.pairIndex[[2]int64{lo, hi}] = t.ID
	s.participants[t.ID] = []*models.ThreadParticipant{
		{ThreadID: t.ID, UserID: userA, JoinedAt: t.CreatedAt},
		{ThreadID: t.ID, UserID: userB, JoinedAt: t.CreatedAt},
	}
	return cloneThread(t), nil
}

// ThreadByID implements Store.
func (s *MemStore) ThreadByID(_ context.Context, threadID int64) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	t, ok := s.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneThread(t), nil
}

// Participants implements Store.
func (s *MemStore) Participants(_ context.Context, threadID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	parts, ok := s.participants[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.UserID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// IsParticipant implements Store.
func (s *MemStore) IsParticipant(_ context.Context, threadID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	for _, p := range s.participants[threadID] {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// IsBlocked implements Store.
func (s *MemStore) IsBlocked(_ context.Context, userA, userB int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.blocks[[2]int64{userA, userB}] || s.blocks[[2]int64{userB, userA}], nil
}

// SetBlock implements Store.
func (s *MemStore) SetBlock(_ context.Context, blockerID, blockedID int64, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if blocked {
		s.blocks[[2]int64{blockerID, blockedID}] = true
	} else {
		delete(s.blocks, [2]int64{blockerID, blockedID})
	}
	return nil
}

// AddParticipant enrolls a user on a thread. Used to build group
// threads and test fixtures; the production find-or-create path for
// direct threads enrolls both participants itself.
func (s *MemStore) AddParticipant(threadID, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants[threadID] {
		if p.UserID == userID {
			return
		}
	}
	s.participants[threadID] = append(s.participants[threadID],
		&models.ThreadParticipant{ThreadID: threadID, UserID: userID, JoinedAt: now()})
}

// CreateThread creates a thread with explicit attributes. Group threads
// and fixtures only.
func (s *MemStore) CreateThread(creatorID int64, isGroup bool, title string, participants ...int64) *models.Thread {
	s.mu.Lock()
	s.nextThreadID++
	t := &models.Thread{
		ID:        s.nextThreadID,
		CreatorID: creatorID,
		IsGroup:   isGroup,
		Title:     title,
		CreatedAt: now(),
	}
	s.threads[t.ID] = t
	s.mu.Unlock()

	for _, uid := range participants {
		s.AddParticipant(t.ID, uid)
	}
	return cloneThread(t)
}

// InsertMessage implements Store. The single-mutex critical section is
// the in-process analogue of the unique (thread_id, client_msg_id)
// constraint: the second of two racing inserts observes the winner's
// row and returns it with created=false.
func (s *MemStore) InsertMessage(_ context.Context, p InsertMessageParams) (*models.Message, bool, error) {
	body, err := prepareBody(p.Body, p.Attachments)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	if _, ok := s.threads[p.ThreadID]; !ok {
		return nil, false, ErrNotFound
	}

	if p.ClientMsgID != "" {
		if existing, ok := s.byClientID[clientKey{p.ThreadID, p.ClientMsgID}]; ok {
			return cloneMessage(existing), false, nil
		}
	}

	if p.ReplyToID != nil {
		target := s.findMessageLocked(p.ThreadID, *p.ReplyToID)
		if target == nil || target.Deleted() {
			return nil, false, ErrInvalidReply
		}
	}

	s.nextMessageID++
	s.nextSeq[p.ThreadID]++
	msg := &models.Message{
		ID:             s.nextMessageID,
		ThreadID:       p.ThreadID,
		SenderID:       p.SenderID,
		Kind:           models.InferKind(p.Attachments),
		Body:           body,
		Attachments:    append([]models.Attachment(nil), p.Attachments...),
		ReplyToID:      p.ReplyToID,
		ClientMsgID:    p.ClientMsgID,
		SequenceNumber: s.nextSeq[p.ThreadID],
		CreatedAt:      now(),
	}
	s.messages[p.ThreadID] = append(s.messages[p.ThreadID], msg)
	if p.ClientMsgID != "" {
		s.byClientID[clientKey{p.ThreadID, p.ClientMsgID}] = msg
	}

	// Thread summary and sent-receipts ride along with the insert,
	// matching the transactional tier of the SQL store.
	t := s.threads[p.ThreadID]
	t.LastMessageID = &msg.ID
	created := msg.CreatedAt
	t.LastMessageAt = &created
	for _, part := range s.participants[p.ThreadID] {
		if part.UserID == p.SenderID {
			continue
		}
		key := receiptKey{msg.ID, part.UserID}
		s.receipts[key] = &models.DeliveryReceipt{
			MessageID: msg.ID,
			UserID:    part.UserID,
			Status:    models.StatusSent,
			UpdatedAt: msg.CreatedAt,
		}
	}

	return cloneMessage(msg), true, nil
}

// MessageByClientID implements Store.
func (s *MemStore) MessageByClientID(_ context.Context, threadID int64, clientMsgID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	msg, ok := s.byClientID[clientKey{threadID, clientMsgID}]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(msg), nil
}

// MessagesAfter implements Store.
func (s *MemStore) MessagesAfter(_ context.Context, threadID, afterID int64, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []*models.Message
	for _, msg := range s.messages[threadID] {
		if msg.ID <= afterID || msg.Deleted() {
			continue
		}
		out = append(out, cloneMessage(msg))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// UpsertReceipt implements Store.
func (s *MemStore) UpsertReceipt(_ context.Context, messageID, userID int64, status models.DeliveryStatus) (models.DeliveryStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	key := receiptKey{messageID, userID}
	existing, ok := s.receipts[key]
	if !ok {
		s.receipts[key] = &models.DeliveryReceipt{
			MessageID: messageID,
			UserID:    userID,
			Status:    status,
			UpdatedAt: now(),
		}
		return status, nil
	}

	resolved := models.MaxStatus(existing.Status, status)
	if resolved != existing.Status {
		existing.Status = resolved
		existing.UpdatedAt = now()
	}
	return resolved, nil
}

// SetLastRead implements Store.
func (s *MemStore) SetLastRead(_ context.Context, threadID, userID, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, p := range s.participants[threadID] {
		if p.UserID == userID {
			if messageID > p.LastReadMessageID {
				p.LastReadMessageID = messageID
			}
			return nil
		}
	}
	return ErrNotFound
}

// Receipt returns the stored receipt for (messageID, userID), or nil.
// Test observation helper.
func (s *MemStore) Receipt(messageID, userID int64) *models.DeliveryReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[receiptKey{messageID, userID}]
	if !ok {
		return nil
	}
	clone := *r
	return &clone
}

// LastRead returns a participant's read high-water mark. Test
// observation helper.
func (s *MemStore) LastRead(threadID, userID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants[threadID] {
		if p.UserID == userID {
			return p.LastReadMessageID
		}
	}
	return 0
}

// Close implements Store.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemStore) findMessageLocked(threadID, messageID int64) *models.Message {
	for _, msg := range s.messages[threadID] {
		if msg.ID == messageID {
			return msg
		}
	}
	return nil
}

func cloneThread(t *models.Thread) *models.Thread {
	clone := *t
	if t.LastMessageID != nil {
		id := *t.LastMessageID
		clone.LastMessageID = &id
	}
	if t.LastMessageAt != nil {
		at := *t.LastMessageAt
		clone.LastMessageAt = &at
	}
	return &clone
}

func cloneMessage(m *models.Message) *models.Message {
	clone := *m
	clone.Attachments = append([]models.Attachment(nil), m.Attachments...)
	if m.ReplyToID != nil {
		id := *m.ReplyToID
		clone.ReplyToID = &id
	}
	return &clone
}
