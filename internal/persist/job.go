// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

// Package persist decouples the send hot path from durable writes.
// The gateway acknowledges a message as soon as it is broadcast and
// enqueued; a worker pool drains the queue into the store, retries
// transient failures with backoff, and parks exhausted jobs in a
// badger-backed failed set for operator inspection.
package persist

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pushfeed/relay/internal/models"
)

// Queue topics. The message topic is consumed by a shared queue group
// so exactly one worker across all instances handles each job; the
// poison topic receives jobs that exhausted their retries.
const (
	TopicMessage = "dm.persist.message"
	TopicPoison  = "dm.persist.poison"
)

// Job is one durable-write work item. It carries the full send intent
// so a worker on any instance can complete the write without shared
// state beyond the store.
type Job struct {
	// ID uniquely identifies the job; it doubles as the queue
	// deduplication key.
	ID string `json:"id"`

	// Origin is the gateway instance that accepted the send, kept for
	// diagnostics; confirmation events carry the processing worker's
	// own instance id.
	Origin string `json:"origin"`

	ThreadID       int64               `json:"thread_id"`
	ConversationID string              `json:"conversation_id"`
	SenderID       int64               `json:"sender_id"`
	Body           string              `json:"body"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
	ReplyToID      *int64              `json:"reply_to_id,omitempty"`
	ClientMsgID    string              `json:"client_msg_id"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewJob builds a job with identity and timestamp filled in.
func NewJob(origin string) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Origin:     origin,
		EnqueuedAt: time.Now().UTC(),
	}
}

func encodeJob(j *Job) ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal persist job: %w", err)
	}
	return data, nil
}

func decodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal persist job: %w", err)
	}
	return &j, nil
}
