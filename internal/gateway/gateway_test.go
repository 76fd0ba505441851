// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pushfeed/relay/internal/auth"
	"github.com/pushfeed/relay/internal/broker"
	"github.com/pushfeed/relay/internal/models"
	"github.com/pushfeed/relay/internal/store"
)

// stubVerifier resolves tokens of the form "user:<id>".
type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (*auth.Identity, error) {
	var id int64
	if _, err := fmt.Sscanf(token, "user:%d", &id); err != nil || id <= 0 {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Identity{UserID: id, Username: fmt.Sprintf("u%d", id)}, nil
}

func newTestGateway(t *testing.T, origin string) (*Gateway, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	t.Cleanup(func() { _ = st.Close() })
	cfg := DefaultConfig()
	cfg.Origin = origin
	cfg.IntentRate = 1000
	cfg.IntentBurst = 1000
	return New(cfg, st, stubVerifier{}, nil, nil), st
}

// connect builds a pumpless client; frames are read straight off the
// send channel.
func connect(g *Gateway) *Client {
	return newClient(g, nil)
}

func authAs(t *testing.T, g *Gateway, c *Client, userID int64) {
	t.Helper()
	g.dispatch(c, &Intent{Type: IntentAuth, Token: fmt.Sprintf("user:%d", userID)})
	frame := nextFrame(t, c)
	connected, ok := frame.(ConnectedFrame)
	if !ok || connected.UserID != userID {
		t.Fatalf("auth reply = %#v, want connected as user %d", frame, userID)
	}
}

func nextFrame(t *testing.T, c *Client) any {
	t.Helper()
	select {
	case frame := <-c.send:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame within timeout")
		return nil
	}
}

func expectNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("unexpected frame: %#v", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func expectError(t *testing.T, c *Client, code string) {
	t.Helper()
	frame := nextFrame(t, c)
	errFrame, ok := frame.(ErrorFrame)
	if !ok {
		t.Fatalf("frame = %#v, want error %s", frame, code)
	}
	if errFrame.Code != code {
		t.Fatalf("error code = %s, want %s", errFrame.Code, code)
	}
}

func TestUnauthenticatedDenied(t *testing.T) {
	g, st := newTestGateway(t, "x")
	th, _ := st.GetOrCreateDirectThread(context.Background(), 1, 2)

	intents := []Intent{
		{Type: IntentSubscribe, ThreadID: th.ID},
		{Type: IntentUnsubscribe, ThreadID: th.ID},
		{Type: IntentSendMessage, ThreadID: th.ID, Body: "hi", ClientMsgID: "a"},
		{Type: IntentTyping, ThreadID: th.ID, Typing: true},
		{Type: IntentAck, MessageID: 1, ThreadID: th.ID, Status: "read"},
		{Type: IntentSync, ThreadID: th.ID},
	}
	for _, in := range intents {
		c := connect(g)
		g.dispatch(c, &in)
		expectError(t, c, CodeNotAuthenticated)
		if g.hub.SubscriberCount(th.ID) != 0 {
			t.Fatalf("%s mutated subscriber state while unauthenticated", in.Type)
		}
	}

	msgs, _ := st.MessagesAfter(context.Background(), th.ID, 0, 0)
	if len(msgs) != 0 {
		t.Fatal("unauthenticated intent produced a stored message")
	}
}

func TestAuthFailure(t *testing.T) {
	g, _ := newTestGateway(t, "x")
	c := connect(g)

	g.dispatch(c, &Intent{Type: IntentAuth, Token: "garbage"})
	expectError(t, c, CodeAuthFailed)
	if c.UserID() != 0 {
		t.Fatal("failed auth bound an identity")
	}

	// The connection stays open; a valid retry succeeds.
	authAs(t, g, c, 5)
}

func TestUnknownIntent(t *testing.T) {
	g, _ := newTestGateway(t, "x")
	c := connect(g)
	g.dispatch(c, &Intent{Type: "selfdestruct"})
	expectError(t, c, CodeUnknownType)
}

func TestPingPong(t *testing.T) {
	g, _ := newTestGateway(t, "x")
	c := connect(g)
	g.dispatch(c, &Intent{Type: IntentPing})
	if _, ok := nextFrame(t, c).(PongFrame); !ok {
		t.Fatal("ping not answered with pong")
	}
}

func TestSendMessageTwoPhase(t *testing.T) {
	g, st := newTestGateway(t, "x")
	ctx := context.Background()
	th, _ := st.GetOrCreateDirectThread(ctx, 1, 2)

	sender := connect(g)
	authAs(t, g, sender, 1)
	recipient := connect(g)
	authAs(t, g, recipient, 2)

	g.dispatch(sender, &Intent{Type: IntentSubscribe, ThreadID: th.ID})
	g.dispatch(recipient, &Intent{Type: IntentSubscribe, ThreadID: th.ID})
	// Drain the recipient's presence event from the sender's sub.
	for len(recipient.send) > 0 {
		<-recipient.send
	}
	for len(sender.send) > 0 {
		<-sender.send
	}

	g.dispatch(sender, &Intent{Type: IntentSendMessage, ThreadID: th.ID, Body: "hi", ClientMsgID: "abc"})

	// Recipient: fast ack, then the authoritative message, then the
	// durable confirmation, in that order.
	fastAck, ok := nextFrame(t, recipient).(MessageAckFrame)
	if !ok {
		t.Fatal("first frame is not the optimistic message_ack")
	}
	if fastAck.ClientMsgID != "abc" {
		t.Fatalf("fast ack token = %q", fastAck.ClientMsgID)
	}

	msgFrame, ok := nextFrame(t, recipient).(MessageFrame)
	if !ok {
		t.Fatal("second frame is not the authoritative message")
	}
	if msgFrame.ServerMsgID == 0 || msgFrame.SequenceNumber == 0 {
		t.Fatalf("message frame lacks server identity: %+v", msgFrame)
	}
	if msgFrame.Message.Body != "hi" {
		t.Fatalf("message body = %q", msgFrame.Message.Body)
	}

	persisted, ok := nextFrame(t, recipient).(MessagePersistedFrame)
	if !ok {
		t.Fatal("third frame is not message_persisted")
	}
	if persisted.DBMessageID != msgFrame.ServerMsgID {
		t.Fatal("persisted confirmation does not match the message identity")
	}

	// Sender: same three broadcasts plus the sent-ack keyed by the
	// client token.
	var sentAck *AckFrame
	for i := 0; i < 4; i++ {
		if ack, ok := nextFrame(t, sender).(AckFrame); ok {
			sentAck = &ack
		}
	}
	if sentAck == nil {
		t.Fatal("sender never received the sent-ack")
	}
	if sentAck.Status != string(models.StatusSent) || sentAck.ClientMsgID != "abc" {
		t.Fatalf("sent-ack = %+v", sentAck)
	}

	// Recipient receipt exists with status sent.
	if r := st.Receipt(msgFrame.ServerMsgID, 2); r == nil || r.Status != models.StatusSent {
		t.Fatalf("recipient receipt = %+v", r)
	}
}

func TestSendMessageIdempotentResend(t *testing.T) {
	g, st := newTestGateway(t, "x")
	ctx := context.Background()
	th, _ := st.GetOrCreateDirectThread(ctx, 1, 2)

	sender := connect(g)
	authAs(t, g, sender, 1)
	g.dispatch(sender, &Intent{Type: IntentSubscribe, ThreadID: th.ID})

	var firstID int64
	for attempt := 0; attempt < 2; attempt++ {
		g.dispatch(sender, &Intent{Type: IntentSendMessage, ThreadID: th.ID, Body: "hi", ClientMsgID: "dup"})
		var msgFrame *MessageFrame
		for i := 0; i < 4; i++ {
			if mf, ok := nextFrame(t, sender).(MessageFrame); ok {
				msgFrame = &mf
			}
		}
		if msgFrame == nil {
			t.Fatalf("attempt %d: no message frame", attempt)
		}
		if attempt == 0 {
			firstID = msgFrame.ServerMsgID
		} else if msgFrame.ServerMsgID != firstID {
			t.Fatalf("resend produced new identity %d, want %d", msgFrame.ServerMsgID, firstID)
		}
	}

	msgs, _ := st.MessagesAfter(ctx, th.ID, 0, 0)
	if len(msgs) != 1 {
		t.Fatalf("store holds %d rows, want 1", len(msgs))
	}
}

func TestSendBlockedRelationship(t *testing.T) {
	g, st := newTestGateway(t, "x")
	ctx := context.Background()
	th, _ := st.GetOrCreateDirectThread(ctx, 1, 2)

	// Block in the reverse direction: recipient blocked the sender.
	_ = st.SetBlock(ctx, 2, 1, true)

	sender := connect(g)
	authAs(t, g, sender, 1)
	g.dispatch(sender, &Intent{Type: IntentSendMessage, ThreadID: th.ID, Body: "hi", ClientMsgID: "blocked"})
	expectError(t, sender, CodeForbidden)

	msgs, _ := st.MessagesAfter(ctx, th.ID, 0, 0)
	if len(msgs) != 0 {
		t.Fatal("blocked send produced a stored message")
	}
}

func TestSendNonMemberForbidden(t *testing.T) {
	g, st := newTestGateway(t, "x")
	th, _ := st.GetOrCreateDirectThread(context.Background(), 1, 2)

	outsider := connect(g)
	authAs(t, g, outsider, 99)
	g.dispatch(outsider, &Intent{Type: IntentSendMessage, ThreadID: th.ID, Body: "hi", ClientMsgID: "nope"})
	expectError(t, outsider, CodeForbidden)
}

func TestSendNoRecipient(t *testing.T) {
	g, st := newTestGateway(t, "x")
	th := st.CreateThread(1, true, "empty room", 1)

	sender := connect(g)
	authAs(t, g, sender, 1)
	g.dispatch(sender, &Intent{Type: IntentSendMessage, ThreadID: th.ID, Body: "hello?", ClientMsgID: "solo"})
	expectError(t, sender, CodeNoRecipient)
}

func TestSendEmptyMessage(t *testing.T) {
	g, st := newTestGateway(t, "x")
	th, _ := st.GetOrCreateDirectThread(context.Background(), 1, 2)

	sender := connect(g)
	authAs(t, g, sender, 1)
	g.dispatch(sender, &Intent{Type: IntentSendMessage, ThreadID: th.ID, ClientMsgID: "void"})
	expectError(t, sender, CodeInvalidMessage)
}

func TestTypingExcludesSenderSocket(t *testing.T) {
	g, st := newTestGateway(t, "x")
	th, _ := st.GetOrCreateDirectThread(context.Background(), 1, 2)

	sender := connect(g)
	authAs(t, g, sender, 1)
	other := connect(g)
	authAs(t, g, other, 2)
	g.dispatch(sender, &Intent{Type: IntentSubscribe, ThreadID: th.ID})
	g.dispatch(other, &Intent{Type: IntentSubscribe, ThreadID: th.ID})
	for len(sender.send) > 0 {
		<-sender.send
	}

	g.dispatch(sender, &Intent{Type: IntentTyping, ThreadID: th.ID, Typing: true})

	typing, ok := nextFrame(t, other).(TypingFrame)
	if !ok || typing.UserID != 1 || !typing.Typing {
		t.Fatalf("typing frame = %#v", typing)
	}
	expectNoFrame(t, sender)
}

func TestAckMonotonic(t *testing.T) {
	g, st := newTestGateway(t, "x")
	ctx := context.Background()
	th, _ := st.GetOrCreateDirectThread(ctx, 1, 2)
	msg, _, _ := st.InsertMessage(ctx, store.InsertMessageParams{ThreadID: th.ID, SenderID: 1, Body: "m", ClientMsgID: "m"})

	reader := connect(g)
	authAs(t, g, reader, 2)
	g.dispatch(reader, &Intent{Type: IntentSubscribe, ThreadID: th.ID})

	statuses := []string{"sent", "delivered", "read", "delivered"}
	var last AckFrame
	for _, s := range statuses {
		g.dispatch(reader, &Intent{Type: IntentAck, MessageID: msg.ID, ThreadID: th.ID, Status: s})
		frame, ok := nextFrame(t, reader).(AckFrame)
		if !ok {
			t.Fatalf("no ack broadcast for status %q", s)
		}
		last = frame
	}
	if last.Status != "read" {
		t.Fatalf("final broadcast status = %q, want read (no regression)", last.Status)
	}
	if r := st.Receipt(msg.ID, 2); r == nil || r.Status != models.StatusRead {
		t.Fatalf("stored receipt = %+v, want read", r)
	}
	if got := st.LastRead(th.ID, 2); got != msg.ID {
		t.Fatalf("last-read pointer = %d, want %d", got, msg.ID)
	}
}

func TestSyncIdempotent(t *testing.T) {
	g, st := newTestGateway(t, "x")
	ctx := context.Background()
	th, _ := st.GetOrCreateDirectThread(ctx, 1, 2)
	for _, body := range []string{"a", "b", "c"} {
		_, _, _ = st.InsertMessage(ctx, store.InsertMessageParams{ThreadID: th.ID, SenderID: 1, Body: body, ClientMsgID: body})
	}

	c := connect(g)
	authAs(t, g, c, 2)

	var first SyncResponseFrame
	for i := 0; i < 2; i++ {
		g.dispatch(c, &Intent{Type: IntentSync, ThreadID: th.ID, LastServerMsgID: 0})
		resp, ok := nextFrame(t, c).(SyncResponseFrame)
		if !ok {
			t.Fatal("no sync_response")
		}
		if i == 0 {
			first = resp
			continue
		}
		if len(resp.Messages) != len(first.Messages) || resp.LastServerMsgID != first.LastServerMsgID {
			t.Fatalf("repeated sync diverged: %+v vs %+v", resp, first)
		}
	}
	if len(first.Messages) != 3 {
		t.Fatalf("sync returned %d messages, want 3", len(first.Messages))
	}
	for i := 1; i < len(first.Messages); i++ {
		if first.Messages[i].ID <= first.Messages[i-1].ID {
			t.Fatal("sync messages not ascending")
		}
	}
	if first.LastServerMsgID != first.Messages[2].ID {
		t.Fatal("high-water mark mismatch")
	}

	// Cursor past the last message returns the cursor back unchanged.
	g.dispatch(c, &Intent{Type: IntentSync, ThreadID: th.ID, LastServerMsgID: first.LastServerMsgID})
	resp, _ := nextFrame(t, c).(SyncResponseFrame)
	if len(resp.Messages) != 0 || resp.LastServerMsgID != first.LastServerMsgID {
		t.Fatalf("tail sync = %+v", resp)
	}
}

func TestSyncNonMemberForbidden(t *testing.T) {
	g, st := newTestGateway(t, "x")
	th, _ := st.GetOrCreateDirectThread(context.Background(), 1, 2)

	outsider := connect(g)
	authAs(t, g, outsider, 99)
	g.dispatch(outsider, &Intent{Type: IntentSync, ThreadID: th.ID})
	expectError(t, outsider, CodeForbidden)
}

func TestMirrorDropsOwnOrigin(t *testing.T) {
	g, st := newTestGateway(t, "instance-x")
	th, _ := st.GetOrCreateDirectThread(context.Background(), 1, 2)

	c := connect(g)
	authAs(t, g, c, 2)
	g.dispatch(c, &Intent{Type: IntentSubscribe, ThreadID: th.ID})

	own := broker.NewEvent(broker.TypeMessage, "instance-x")
	own.ThreadID = th.ID
	own.Message = &models.Message{ID: 10, ThreadID: th.ID, SenderID: 1, Body: "dup"}
	g.mirror(context.Background(), own)
	expectNoFrame(t, c)

	foreign := broker.NewEvent(broker.TypeMessage, "instance-y")
	foreign.ThreadID = th.ID
	foreign.Message = &models.Message{ID: 11, ThreadID: th.ID, SenderID: 1, Body: "hi", SequenceNumber: 11}
	g.mirror(context.Background(), foreign)
	frame, ok := nextFrame(t, c).(MessageFrame)
	if !ok || frame.ServerMsgID != 11 {
		t.Fatalf("mirrored frame = %#v", frame)
	}
}

func TestMirrorDeliversForeignAcks(t *testing.T) {
	g, st := newTestGateway(t, "instance-x")
	th, _ := st.GetOrCreateDirectThread(context.Background(), 1, 2)

	member := connect(g)
	authAs(t, g, member, 2)
	g.dispatch(member, &Intent{Type: IntentSubscribe, ThreadID: th.ID})

	// A thread-wide delivery ack from a peer instance.
	ev := broker.NewEvent(broker.TypeAck, "instance-y")
	ev.ThreadID = th.ID
	ev.UserID = 1
	ev.Receipt = &models.DeliveryReceipt{MessageID: 5, UserID: 1, Status: models.StatusRead}
	g.mirror(context.Background(), ev)

	ack, ok := nextFrame(t, member).(AckFrame)
	if !ok || ack.MessageID != 5 || ack.Status != string(models.StatusRead) {
		t.Fatalf("mirrored ack = %#v", ack)
	}

	// A sender-directed sent-ack routes by user, not by thread.
	sent := broker.NewEvent(broker.TypeAck, "instance-y")
	sent.ThreadID = th.ID
	sent.UserID = 2
	sent.ClientMsgID = "tok"
	sent.Receipt = &models.DeliveryReceipt{MessageID: 6, UserID: 2, Status: models.StatusSent}
	sent.SenderOnly = true
	g.mirror(context.Background(), sent)

	own, ok := nextFrame(t, member).(AckFrame)
	if !ok || own.ClientMsgID != "tok" || own.Status != string(models.StatusSent) {
		t.Fatalf("sender-directed ack = %#v", own)
	}

	// The optimistic pre-persist ack stays a message_ack frame.
	fast := broker.NewEvent(broker.TypeMessageAck, "instance-y")
	fast.ThreadID = th.ID
	fast.ClientMsgID = "tok"
	g.mirror(context.Background(), fast)
	if _, ok := nextFrame(t, member).(MessageAckFrame); !ok {
		t.Fatal("optimistic ack not mirrored as message_ack")
	}
}

func TestCrossInstanceFanOut(t *testing.T) {
	shared := broker.NewChannelBroker()
	defer shared.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemStore()
	defer st.Close()
	th, _ := st.GetOrCreateDirectThread(ctx, 1, 2)

	cfgX := DefaultConfig()
	cfgX.Origin = "x"
	gx := New(cfgX, st, stubVerifier{}, shared, nil)
	cfgY := DefaultConfig()
	cfgY.Origin = "y"
	gy := New(cfgY, st, stubVerifier{}, shared, nil)

	for _, g := range []*Gateway{gx, gy} {
		if _, err := shared.Subscribe(ctx, g.mirror); err != nil {
			t.Fatalf("subscribe mirror: %v", err)
		}
	}

	// User 2 connected to instance Y only.
	remote := connect(gy)
	authAs(t, gy, remote, 2)
	gy.dispatch(remote, &Intent{Type: IntentSubscribe, ThreadID: th.ID})

	// User 1 sends through instance X.
	sender := connect(gx)
	authAs(t, gx, sender, 1)
	gx.dispatch(sender, &Intent{Type: IntentSendMessage, ThreadID: th.ID, Body: "cross", ClientMsgID: "xy"})

	sawMessage := false
	deadline := time.After(3 * time.Second)
	for !sawMessage {
		select {
		case frame := <-remote.send:
			if mf, ok := frame.(MessageFrame); ok && mf.Message.Body == "cross" {
				sawMessage = true
			}
		case <-deadline:
			t.Fatal("message never mirrored to the peer instance")
		}
	}
}

func TestPresenceOnSubscribeAndDisconnect(t *testing.T) {
	g, st := newTestGateway(t, "x")
	th, _ := st.GetOrCreateDirectThread(context.Background(), 1, 2)

	watcher := connect(g)
	authAs(t, g, watcher, 1)
	g.dispatch(watcher, &Intent{Type: IntentSubscribe, ThreadID: th.ID})

	peer := connect(g)
	authAs(t, g, peer, 2)
	g.dispatch(peer, &Intent{Type: IntentSubscribe, ThreadID: th.ID})

	online, ok := nextFrame(t, watcher).(PresenceFrame)
	if !ok || !online.Online || online.UserID != 2 {
		t.Fatalf("presence-online frame = %#v", online)
	}

	g.disconnect(peer)
	offline, ok := nextFrame(t, watcher).(PresenceFrame)
	if !ok || offline.Online || offline.UserID != 2 {
		t.Fatalf("presence-offline frame = %#v", offline)
	}
	if g.hub.SubscriberCount(th.ID) != 1 {
		t.Fatal("disconnected client still indexed")
	}
}

func TestDisconnectKeepsPresenceWithSecondConnection(t *testing.T) {
	g, st := newTestGateway(t, "x")
	th, _ := st.GetOrCreateDirectThread(context.Background(), 1, 2)

	watcher := connect(g)
	authAs(t, g, watcher, 1)
	g.dispatch(watcher, &Intent{Type: IntentSubscribe, ThreadID: th.ID})

	// User 2 holds two connections on the same thread.
	first := connect(g)
	authAs(t, g, first, 2)
	g.dispatch(first, &Intent{Type: IntentSubscribe, ThreadID: th.ID})
	_ = nextFrame(t, watcher) // presence online

	second := connect(g)
	authAs(t, g, second, 2)
	g.dispatch(second, &Intent{Type: IntentSubscribe, ThreadID: th.ID})
	expectNoFrame(t, watcher) // already online, no duplicate broadcast

	g.disconnect(first)
	expectNoFrame(t, watcher) // still online through the second connection

	g.disconnect(second)
	offline, ok := nextFrame(t, watcher).(PresenceFrame)
	if !ok || offline.Online {
		t.Fatalf("expected offline after last connection closed, got %#v", offline)
	}
}

func TestMultiDeviceFanOut(t *testing.T) {
	g, st := newTestGateway(t, "x")
	th, _ := st.GetOrCreateDirectThread(context.Background(), 1, 2)

	deviceA := connect(g)
	authAs(t, g, deviceA, 1)
	deviceB := connect(g)
	authAs(t, g, deviceB, 1)
	g.dispatch(deviceA, &Intent{Type: IntentSubscribe, ThreadID: th.ID})
	g.dispatch(deviceB, &Intent{Type: IntentSubscribe, ThreadID: th.ID})

	g.dispatch(deviceA, &Intent{Type: IntentSendMessage, ThreadID: th.ID, Body: "multi", ClientMsgID: "md"})

	// The sender's other device gets the broadcasts plus the sent-ack.
	var gotAck bool
	for i := 0; i < 4; i++ {
		if ack, ok := nextFrame(t, deviceB).(AckFrame); ok && ack.ClientMsgID == "md" {
			gotAck = true
		}
	}
	if !gotAck {
		t.Fatal("second device never received the sent-ack")
	}
}

func TestEnqueueAfterCloseDropped(t *testing.T) {
	g, _ := newTestGateway(t, "x")
	c := connect(g)
	c.close()

	c.enqueue(PongFrame{Type: EventPong})
	select {
	case frame := <-c.send:
		t.Fatalf("closed client queued frame %#v", frame)
	default:
	}

	// close is idempotent.
	c.close()
}

func TestBroadcastDuringDisconnect(t *testing.T) {
	g, st := newTestGateway(t, "x")
	th, _ := st.GetOrCreateDirectThread(context.Background(), 1, 2)

	// Fan-out snapshots its targets before enqueueing, so a broadcast
	// can land on a client that disconnects in between. Hammer that
	// window; any send on a closed channel panics the whole process.
	for i := 0; i < 200; i++ {
		c := connect(g)
		authAs(t, g, c, 2)
		g.dispatch(c, &Intent{Type: IntentSubscribe, ThreadID: th.ID})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				g.hub.BroadcastThread(th.ID, TypingFrame{Type: EventTyping, ThreadID: th.ID, UserID: 1, Typing: true}, nil)
			}
		}()
		go func() {
			defer wg.Done()
			g.disconnect(c)
		}()
		wg.Wait()

		if g.hub.SubscriberCount(th.ID) != 0 {
			t.Fatal("disconnected client still indexed")
		}
	}
}
