// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

// Package broker fans conversation events out across gateway
// instances. Every event a gateway broadcasts locally is also
// published here tagged with the instance's origin id; peer instances
// mirror the event to their own connections and use the origin tag to
// skip events they produced themselves.
//
// Two implementations exist: a NATS JetStream broker for multi-node
// deployments and an in-process channel broker for tests and
// single-node development.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pushfeed/relay/internal/models"
)

// EventType classifies a cross-instance event.
type EventType string

const (
	// TypeMessage is a freshly accepted (fast-acked) chat message.
	TypeMessage EventType = "message"

	// TypeMessagePersisted confirms a message survived the durable
	// write, carrying store-assigned identity.
	TypeMessagePersisted EventType = "message_persisted"

	// TypeMessageAck is the optimistic acknowledgment broadcast before
	// the durable write, keyed by the sender's client token.
	TypeMessageAck EventType = "message_ack"

	// TypeAck is a delivery-status change for one recipient, either
	// thread-wide or addressed to the acting user's own connections.
	TypeAck EventType = "ack"

	// TypeTyping is an ephemeral typing indicator.
	TypeTyping EventType = "typing"

	// TypePresence is a user online/offline transition.
	TypePresence EventType = "presence"
)

// eventTypes enumerates every type a full mirror subscribes to.
var eventTypes = []EventType{
	TypeMessage, TypeMessagePersisted, TypeMessageAck, TypeAck, TypeTyping, TypePresence,
}

// TopicFor maps an event type to its subject. Subjects share the
// dm.events.> hierarchy so one stream covers them all.
func TopicFor(t EventType) string {
	return "dm.events." + string(t)
}

// Event is the envelope exchanged between gateway instances.
type Event struct {
	// ID uniquely identifies the event and doubles as the broker
	// deduplication key.
	ID string `json:"id"`

	// Type selects which payload fields are meaningful.
	Type EventType `json:"type"`

	// Origin is the producing gateway instance id. Consumers drop
	// events whose origin matches their own.
	Origin string `json:"origin"`

	// ConversationID is the external conversation identity.
	ConversationID string `json:"conversation_id"`

	// ThreadID is the internal thread identity.
	ThreadID int64 `json:"thread_id"`

	// UserID is the acting user: sender, typer, acker, or the user
	// whose presence changed.
	UserID int64 `json:"user_id"`

	// Timestamp is when the producing instance emitted the event.
	Timestamp time.Time `json:"timestamp"`

	// Message carries the chat message for message and
	// message_persisted events.
	Message *models.Message `json:"message,omitempty"`

	// Receipt carries the resolved delivery status for ack events.
	Receipt *models.DeliveryReceipt `json:"receipt,omitempty"`

	// ClientMsgID is the sender's idempotency token, present on fast
	// acknowledgments and sender-directed delivery acks.
	ClientMsgID string `json:"client_msg_id,omitempty"`

	// SenderOnly marks an ack addressed to the acting user's own
	// connections rather than the whole thread.
	SenderOnly bool `json:"sender_only,omitempty"`

	// Typing carries the indicator state for typing events.
	Typing bool `json:"typing,omitempty"`

	// Online carries the presence state for presence events.
	Online bool `json:"online,omitempty"`
}

// NewEvent builds an envelope with identity and timestamp filled in.
func NewEvent(t EventType, origin string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Origin:    origin,
		Timestamp: time.Now().UTC(),
	}
}

// Handler consumes one mirrored event. Handlers must not block; slow
// work belongs on the handler's own goroutines.
type Handler func(ctx context.Context, ev *Event)

// Broker is the cross-instance event fabric.
type Broker interface {
	// Publish delivers the event to every subscribed instance,
	// including the publisher itself. Callers filter their own events
	// by origin.
	Publish(ctx context.Context, ev *Event) error

	// Subscribe registers a handler for the given event types (all
	// types when none are named). The returned function cancels the
	// subscription.
	Subscribe(ctx context.Context, handler Handler, types ...EventType) (func(), error)

	// Close releases broker resources. Subscriptions end when the
	// broker closes.
	Close() error
}

// encodeEvent serializes the envelope for the wire.
func encodeEvent(ev *Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}
	return data, nil
}

// decodeEvent parses an envelope off the wire.
func decodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &ev, nil
}
