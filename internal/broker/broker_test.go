// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/pushfeed/relay/internal/models"
)

func TestTopicFor(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      string
	}{
		{TypeMessage, "dm.events.message"},
		{TypeMessagePersisted, "dm.events.message_persisted"},
		{TypeMessageAck, "dm.events.message_ack"},
		{TypeAck, "dm.events.ack"},
		{TypeTyping, "dm.events.typing"},
		{TypePresence, "dm.events.presence"},
	}
	for _, tt := range tests {
		if got := TopicFor(tt.eventType); got != tt.want {
			t.Errorf("TopicFor(%q) = %q, want %q", tt.eventType, got, tt.want)
		}
	}
}

func TestEventEncodeDecode(t *testing.T) {
	ev := NewEvent(TypeMessage, "instance-a")
	ev.ConversationID = "00000000-0000-0000-0000-000000000007"
	ev.ThreadID = 7
	ev.UserID = 42
	ev.Message = &models.Message{ID: 1, ThreadID: 7, SenderID: 42, Kind: models.KindText, Body: "hi"}

	data, err := encodeEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != ev.ID || got.Type != ev.Type || got.Origin != ev.Origin {
		t.Fatalf("envelope mismatch: %+v vs %+v", got, ev)
	}
	if got.Message == nil || got.Message.Body != "hi" {
		t.Fatalf("payload lost: %+v", got.Message)
	}
}

func TestChannelBrokerDelivers(t *testing.T) {
	b := NewChannelBroker()
	defer b.Close()
	ctx := context.Background()

	received := make(chan *Event, 1)
	unsub, err := b.Subscribe(ctx, func(_ context.Context, ev *Event) {
		received <- ev
	}, TypeTyping)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	ev := NewEvent(TypeTyping, "instance-a")
	ev.ThreadID = 9
	ev.UserID = 3
	if err := b.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != ev.ID || got.ThreadID != 9 {
			t.Fatalf("got %+v, want published event", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestChannelBrokerTypeFilter(t *testing.T) {
	b := NewChannelBroker()
	defer b.Close()
	ctx := context.Background()

	received := make(chan *Event, 2)
	unsub, err := b.Subscribe(ctx, func(_ context.Context, ev *Event) {
		received <- ev
	}, TypePresence)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := b.Publish(ctx, NewEvent(TypeTyping, "a")); err != nil {
		t.Fatalf("publish typing: %v", err)
	}
	want := NewEvent(TypePresence, "a")
	if err := b.Publish(ctx, want); err != nil {
		t.Fatalf("publish presence: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != TypePresence || got.ID != want.ID {
			t.Fatalf("got %+v, want presence event only", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("presence event not delivered")
	}

	select {
	case got := <-received:
		t.Fatalf("unexpected second event: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelBrokerUnsubscribe(t *testing.T) {
	b := NewChannelBroker()
	defer b.Close()
	ctx := context.Background()

	received := make(chan *Event, 1)
	unsub, err := b.Subscribe(ctx, func(_ context.Context, ev *Event) {
		received <- ev
	}, TypeMessage)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	unsub()
	// Give the subscription teardown a moment.
	time.Sleep(50 * time.Millisecond)

	if err := b.Publish(ctx, NewEvent(TypeMessage, "a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-received:
		t.Fatalf("event delivered after unsubscribe: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}
