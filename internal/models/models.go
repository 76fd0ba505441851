// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

// Package models defines the domain entities the gateway exchanges with
// its collaborators: threads, messages, attachments, and per-recipient
// delivery receipts.
package models

import (
	"strings"
	"time"
)

// EmptyBodyPlaceholder is substituted for an empty message body when
// attachments are present. The store rejects fully-empty bodies, so an
// attachment-only message carries this reserved non-printing marker
// (zero-width space) instead.
const EmptyBodyPlaceholder = "\u200b"

// Kind classifies a message by its content.
type Kind string

const (
	// KindText is a plain text message with no attachments.
	KindText Kind = "text"
	// KindSystem is a server-generated message (joins, renames).
	KindSystem Kind = "system"
	// KindImage is a message whose attachments are all or partly images.
	KindImage Kind = "image"
	// KindFile is a message carrying non-image attachments.
	KindFile Kind = "file"
)

// Attachment is an opaque descriptor of uploaded content. The gateway
// never dereferences URLs; it only classifies and forwards them.
type Attachment struct {
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// InferKind classifies an outgoing payload by its attachment list.
// Total function: an empty list is text, any image attachment makes the
// message an image message, anything else is a file message.
func InferKind(attachments []Attachment) Kind {
	if len(attachments) == 0 {
		return KindText
	}
	for _, a := range attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			return KindImage
		}
	}
	return KindFile
}

// Thread is a conversation between two or more participants. Numeric
// identity is store-assigned and monotonic; for a non-group thread
// exactly one row exists per unordered participant pair.
type Thread struct {
	ID            int64      `json:"id"`
	CreatorID     int64      `json:"creator_id"`
	IsGroup       bool       `json:"is_group"`
	Title         string     `json:"title,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageID *int64     `json:"last_message_id,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// ThreadParticipant is one user's membership record on a thread,
// including their read high-water mark.
type ThreadParticipant struct {
	ThreadID          int64     `json:"thread_id"`
	UserID            int64     `json:"user_id"`
	JoinedAt          time.Time `json:"joined_at"`
	LastReadMessageID int64     `json:"last_read_message_id"`
}

// Message is one unit of conversation content. ID is store-assigned and
// monotonically increasing within a thread; SequenceNumber is the
// authoritative ordering value when ids alone are ambiguous across
// replay.
type Message struct {
	ID             int64        `json:"id"`
	ThreadID       int64        `json:"thread_id"`
	SenderID       int64        `json:"sender_id"`
	Kind           Kind         `json:"kind"`
	Body           string       `json:"body"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyToID      *int64       `json:"reply_to_id,omitempty"`
	ClientMsgID    string       `json:"client_msg_id,omitempty"`
	SequenceNumber int64        `json:"sequence_number"`
	CreatedAt      time.Time    `json:"created_at"`
	EditedAt       *time.Time   `json:"edited_at,omitempty"`
	DeletedAt      *time.Time   `json:"deleted_at,omitempty"`
}

// Deleted reports whether the message has been soft-deleted.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// DeliveryStatus is the per-recipient delivery state of a message.
// The lattice is sent < delivered < read; status never regresses.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// rank orders delivery statuses. Unknown statuses rank below sent so
// they can never overwrite a real one.
func (s DeliveryStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the three known statuses.
func (s DeliveryStatus) Valid() bool {
	return s.rank() > 0
}

// AtLeast reports whether s is at or above other in the status lattice.
func (s DeliveryStatus) AtLeast(other DeliveryStatus) bool {
	return s.rank() >= other.rank()
}

// MaxStatus returns the higher of two delivery statuses. Out-of-order
// acknowledgments resolve through this, keeping receipts monotonic.
func MaxStatus(a, b DeliveryStatus) DeliveryStatus {
	if a.rank() >= b.rank() {
		return a
	}
	return b
}

// DeliveryReceipt tracks one recipient's status for one message.
type DeliveryReceipt struct {
	MessageID int64          `json:"message_id"`
	UserID    int64          `json:"user_id"`
	Status    DeliveryStatus `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
}
