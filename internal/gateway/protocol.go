// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package gateway

import (
	"time"

	"github.com/pushfeed/relay/internal/models"
)

// Client intent types.
const (
	IntentPing        = "ping"
	IntentAuth        = "auth"
	IntentSubscribe   = "subscribe"
	IntentUnsubscribe = "unsubscribe"
	IntentSendMessage = "send_message"
	IntentTyping      = "typing"
	IntentAck         = "ack"
	IntentSync        = "sync"
)

// Server event types.
const (
	EventPong             = "pong"
	EventConnected        = "connected"
	EventError            = "error"
	EventMessage          = "message"
	EventTyping           = "typing"
	EventPresence         = "presence"
	EventAck              = "ack"
	EventMessageAck       = "message_ack"
	EventMessagePersisted = "message_persisted"
	EventSyncResponse     = "sync_response"
)

// Error codes surfaced on the wire.
const (
	CodeAuthFailed       = "AUTH_FAILED"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeForbidden        = "FORBIDDEN"
	CodeConfigError      = "CONFIG_ERROR"
	CodeNoRecipient      = "NO_RECIPIENT"
	CodeSyncFailed       = "SYNC_FAILED"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeUnknownType      = "UNKNOWN_TYPE"
)

// Intent is the inbound client frame. One flat shape covers every
// intent; Type selects which fields are read.
type Intent struct {
	Type string `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// subscribe / unsubscribe / send_message / typing / ack / sync
	ThreadID int64 `json:"thread_id,omitempty"`

	// send_message
	Body        string              `json:"body,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	ReplyToID   *int64              `json:"reply_to_id,omitempty"`
	ClientMsgID string              `json:"client_msg_id,omitempty"`

	// typing
	Typing bool `json:"typing,omitempty"`

	// ack
	MessageID int64  `json:"message_id,omitempty"`
	Status    string `json:"status,omitempty"`

	// sync
	LastServerMsgID int64 `json:"last_server_msg_id,omitempty"`
}

// Outbound frames. Each event is its own struct so shapes stay flat on
// the wire and zero values (typing=false, online=false) are always
// explicit.

type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

func errorFrame(code, msg string) ErrorFrame {
	return ErrorFrame{Type: EventError, Error: msg, Code: code}
}

type PongFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type ConnectedFrame struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

type MessageFrame struct {
	Type           string          `json:"type"`
	ThreadID       int64           `json:"thread_id"`
	Message        *models.Message `json:"message"`
	ServerMsgID    int64           `json:"server_msg_id"`
	SequenceNumber int64           `json:"sequence_number"`
}

func messageFrame(msg *models.Message) MessageFrame {
	return MessageFrame{
		Type:           EventMessage,
		ThreadID:       msg.ThreadID,
		Message:        msg,
		ServerMsgID:    msg.ID,
		SequenceNumber: msg.SequenceNumber,
	}
}

type TypingFrame struct {
	Type     string `json:"type"`
	ThreadID int64  `json:"thread_id"`
	UserID   int64  `json:"user_id"`
	Typing   bool   `json:"typing"`
}

type PresenceFrame struct {
	Type     string `json:"type"`
	ThreadID int64  `json:"thread_id"`
	UserID   int64  `json:"user_id"`
	Online   bool   `json:"online"`
}

type AckFrame struct {
	Type        string `json:"type"`
	MessageID   int64  `json:"message_id"`
	ThreadID    int64  `json:"thread_id"`
	UserID      int64  `json:"user_id"`
	Status      string `json:"status"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// MessageAckFrame is the optimistic pre-persistence acknowledgment.
// Its arrival proves acceptance, not durability or position.
type MessageAckFrame struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	ClientMsgID    string    `json:"client_msg_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// MessagePersistedFrame confirms the durable write with the
// store-assigned identity.
type MessagePersistedFrame struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	DBMessageID    int64     `json:"db_message_id"`
	DBCreatedAt    time.Time `json:"db_created_at"`
}

type SyncResponseFrame struct {
	Type            string            `json:"type"`
	ThreadID        int64             `json:"thread_id"`
	Messages        []*models.Message `json:"messages"`
	LastServerMsgID int64             `json:"last_server_msg_id"`
}

// frameTypeOf labels a frame for metrics.
func frameTypeOf(frame any) string {
	switch f := frame.(type) {
	case ErrorFrame:
		return f.Type
	case PongFrame:
		return f.Type
	case ConnectedFrame:
		return f.Type
	case MessageFrame:
		return f.Type
	case TypingFrame:
		return f.Type
	case PresenceFrame:
		return f.Type
	case AckFrame:
		return f.Type
	case MessageAckFrame:
		return f.Type
	case MessagePersistedFrame:
		return f.Type
	case SyncResponseFrame:
		return f.Type
	default:
		return "unknown"
	}
}
