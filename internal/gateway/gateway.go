// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

// Package gateway is the connection core: it accepts websocket
// connections, authenticates them, tracks thread and user
// subscription indexes, routes client intents to store and broker
// effects, and fans outbound events to the right sockets.
//
// Sends are two-phase by design: an optimistic acknowledgment is
// broadcast before the database round trip, and the authoritative
// message event with store-assigned identity follows once the
// privileged write completes. Peer instances receive every event
// through the broker and mirror it to their own connections, dropping
// events they originated.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pushfeed/relay/internal/auth"
	"github.com/pushfeed/relay/internal/broker"
	"github.com/pushfeed/relay/internal/convid"
	"github.com/pushfeed/relay/internal/logging"
	"github.com/pushfeed/relay/internal/metrics"
	"github.com/pushfeed/relay/internal/models"
	"github.com/pushfeed/relay/internal/persist"
	"github.com/pushfeed/relay/internal/store"
)

// Config holds Gateway configuration.
type Config struct {
	// Origin identifies this instance on the broker. Defaults to a
	// random id per process.
	Origin string

	// SyncPageSize bounds one sync response.
	SyncPageSize int

	// IntentRate and IntentBurst shape the per-connection token
	// bucket for inbound intents.
	IntentRate  float64
	IntentBurst int

	// AllowedOrigins restricts websocket upgrades by Origin header.
	// Empty allows any origin.
	AllowedOrigins []string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Origin:       uuid.NewString(),
		SyncPageSize: 100,
		IntentRate:   20,
		IntentBurst:  40,
	}
}

// Gateway wires the hub to its collaborators. One Gateway runs per
// process.
type Gateway struct {
	cfg      Config
	hub      *Hub
	store    store.Store
	verifier auth.Verifier
	events   broker.Broker
	enqueuer *persist.Enqueuer
	upgrader websocket.Upgrader
}

// New creates a gateway. verifier and enqueuer may be nil in reduced
// deployments; the corresponding intents then fail with CONFIG_ERROR
// or skip the queue.
func New(cfg Config, st store.Store, verifier auth.Verifier, events broker.Broker, enqueuer *persist.Enqueuer) *Gateway {
	if cfg.Origin == "" {
		cfg.Origin = uuid.NewString()
	}
	if cfg.SyncPageSize <= 0 {
		cfg.SyncPageSize = 100
	}
	if cfg.IntentRate <= 0 {
		cfg.IntentRate = 20
	}
	if cfg.IntentBurst <= 0 {
		cfg.IntentBurst = 40
	}

	g := &Gateway{
		cfg:      cfg,
		hub:      NewHub(),
		store:    st,
		verifier: verifier,
		events:   events,
		enqueuer: enqueuer,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// Origin returns this instance's broker identity.
func (g *Gateway) Origin() string {
	return g.cfg.Origin
}

// Hub exposes the connection indexes, mainly for the persist worker's
// local fan-out and for tests.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range g.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Serve runs the broker mirror loop until the context is canceled.
// Implements suture.Service.
func (g *Gateway) Serve(ctx context.Context) error {
	if g.events == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	unsub, err := g.events.Subscribe(ctx, g.mirror)
	if err != nil {
		return err
	}
	defer unsub()

	logging.Info().Str("origin", g.cfg.Origin).Msg("gateway mirror loop running")
	<-ctx.Done()
	return ctx.Err()
}

// ServeWS upgrades an HTTP request and runs the connection until it
// closes. Authentication happens in-protocol, not at upgrade time.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()

	c := newClient(g, conn)
	go c.writePump()
	c.readPump()
}

// disconnect tears a connection out of every index and broadcasts
// presence-offline for threads where this was the user's last
// connection.
func (g *Gateway) disconnect(c *Client) {
	userID := c.UserID()
	subs := c.subscriptions()

	g.hub.remove(c)
	c.close()
	metrics.ConnectionsActive.Dec()

	if userID == 0 {
		return
	}
	ctx := context.Background()
	for threadID := range subs {
		if g.userSubscribed(userID, threadID) {
			continue
		}
		frame := PresenceFrame{Type: EventPresence, ThreadID: threadID, UserID: userID, Online: false}
		g.hub.BroadcastThread(threadID, frame, nil)

		ev := broker.NewEvent(broker.TypePresence, g.cfg.Origin)
		ev.ThreadID = threadID
		ev.UserID = userID
		ev.Online = false
		g.publishEvent(ctx, ev)
	}
}

// userSubscribed reports whether any of the user's remaining
// connections still subscribes to the thread.
func (g *Gateway) userSubscribed(userID, threadID int64) bool {
	g.hub.mu.RLock()
	defer g.hub.mu.RUnlock()
	for conn := range g.hub.users[userID] {
		if conn.subscribed(threadID) {
			return true
		}
	}
	return false
}

// dispatch routes one inbound intent.
func (g *Gateway) dispatch(c *Client, in *Intent) {
	metrics.IntentsTotal.WithLabelValues(in.Type).Inc()
	ctx := context.Background()

	switch in.Type {
	case IntentPing:
		c.touch()
		c.enqueue(PongFrame{Type: EventPong, Timestamp: time.Now().UTC()})
	case IntentAuth:
		g.handleAuth(ctx, c, in)
	case IntentSubscribe:
		g.handleSubscribe(ctx, c, in)
	case IntentUnsubscribe:
		g.handleUnsubscribe(c, in)
	case IntentSendMessage:
		g.handleSend(ctx, c, in)
	case IntentTyping:
		g.handleTyping(ctx, c, in)
	case IntentAck:
		g.handleAck(ctx, c, in)
	case IntentSync:
		g.handleSync(ctx, c, in)
	default:
		g.fail(c, CodeUnknownType, "unknown intent type")
	}
}

// fail sends an error frame and counts it.
func (g *Gateway) fail(c *Client, code, msg string) {
	metrics.IntentErrorsTotal.WithLabelValues(code).Inc()
	c.enqueue(errorFrame(code, msg))
}

// requireAuth gates authenticated-only intents.
func (g *Gateway) requireAuth(c *Client) bool {
	if c.UserID() == 0 {
		g.fail(c, CodeNotAuthenticated, "authenticate first")
		return false
	}
	return true
}

func (g *Gateway) handleAuth(ctx context.Context, c *Client, in *Intent) {
	if g.verifier == nil {
		g.fail(c, CodeConfigError, "no identity verifier configured")
		return
	}
	if in.Token == "" {
		metrics.AuthFailuresTotal.Inc()
		g.fail(c, CodeAuthFailed, "empty token")
		return
	}

	identity, err := g.verifier.Verify(ctx, in.Token)
	if err != nil {
		metrics.AuthFailuresTotal.Inc()
		logging.Debug().Err(err).Uint64("client_id", c.id).Msg("authentication failed")
		g.fail(c, CodeAuthFailed, "invalid credentials")
		return
	}

	c.setIdentity(identity.UserID, identity.Username)
	g.hub.addUser(c, identity.UserID)
	c.enqueue(ConnectedFrame{Type: EventConnected, UserID: identity.UserID})
	logging.Debug().Int64("user_id", identity.UserID).Uint64("client_id", c.id).Msg("connection authenticated")
}

func (g *Gateway) handleSubscribe(ctx context.Context, c *Client, in *Intent) {
	if !g.requireAuth(c) {
		return
	}
	if in.ThreadID <= 0 {
		g.fail(c, CodeInvalidMessage, "invalid thread id")
		return
	}

	firstForUser := !g.userSubscribed(c.UserID(), in.ThreadID)
	g.hub.subscribe(c, in.ThreadID)
	c.addSub(in.ThreadID)

	if firstForUser {
		frame := PresenceFrame{Type: EventPresence, ThreadID: in.ThreadID, UserID: c.UserID(), Online: true}
		g.hub.BroadcastThread(in.ThreadID, frame, c)

		ev := broker.NewEvent(broker.TypePresence, g.cfg.Origin)
		ev.ThreadID = in.ThreadID
		ev.UserID = c.UserID()
		ev.Online = true
		g.publishEvent(ctx, ev)
	}
}

func (g *Gateway) handleUnsubscribe(c *Client, in *Intent) {
	if !g.requireAuth(c) {
		return
	}
	g.hub.unsubscribe(c, in.ThreadID)
	c.removeSub(in.ThreadID)
}

// handleSend runs the two-phase send. The steps are deliberately
// independent: a later failure never rolls back an earlier broadcast,
// and the queued job plus the client's idempotency token make eventual
// persistence safe.
func (g *Gateway) handleSend(ctx context.Context, c *Client, in *Intent) {
	if !g.requireAuth(c) {
		return
	}
	start := time.Now()
	userID := c.UserID()

	if in.ThreadID <= 0 {
		g.fail(c, CodeInvalidMessage, "invalid thread id")
		return
	}
	if in.Body == "" && len(in.Attachments) == 0 {
		g.fail(c, CodeInvalidMessage, "message has no content")
		return
	}
	conversationID, err := convid.FromThreadID(in.ThreadID)
	if err != nil {
		g.fail(c, CodeInvalidMessage, "invalid thread id")
		return
	}

	// Authorization: membership, recipients, block list. The store is
	// the source of truth; nothing below this point re-checks it.
	isMember, err := g.store.IsParticipant(ctx, in.ThreadID, userID)
	if err != nil {
		g.fail(c, CodeInternalError, "membership check failed")
		return
	}
	if !isMember {
		g.fail(c, CodeForbidden, "not a participant of this thread")
		return
	}

	participants, err := g.store.Participants(ctx, in.ThreadID)
	if err != nil {
		g.fail(c, CodeInternalError, "participant lookup failed")
		return
	}
	recipients := make([]int64, 0, len(participants)-1)
	for _, id := range participants {
		if id != userID {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		g.fail(c, CodeNoRecipient, "thread has no other participant")
		return
	}
	for _, recipient := range recipients {
		blocked, err := g.store.IsBlocked(ctx, userID, recipient)
		if err != nil {
			g.fail(c, CodeInternalError, "block check failed")
			return
		}
		if blocked {
			g.fail(c, CodeForbidden, "blocked relationship")
			return
		}
	}

	// Phase one: optimistic acknowledgment before any durable write.
	now := time.Now().UTC()
	fastAck := MessageAckFrame{
		Type:           EventMessageAck,
		ConversationID: conversationID,
		ClientMsgID:    in.ClientMsgID,
		Timestamp:      now,
	}
	g.hub.BroadcastThread(in.ThreadID, fastAck, nil)

	ackEv := broker.NewEvent(broker.TypeMessageAck, g.cfg.Origin)
	ackEv.ConversationID = conversationID
	ackEv.ThreadID = in.ThreadID
	ackEv.UserID = userID
	ackEv.ClientMsgID = in.ClientMsgID
	g.publishEvent(ctx, ackEv)

	// Queue the durable write; the queue is the safety net if the
	// synchronous tier below fails.
	if g.enqueuer != nil {
		job := persist.NewJob(g.cfg.Origin)
		job.ThreadID = in.ThreadID
		job.ConversationID = conversationID
		job.SenderID = userID
		job.Body = in.Body
		job.Attachments = in.Attachments
		job.ReplyToID = in.ReplyToID
		job.ClientMsgID = in.ClientMsgID
		if err := g.enqueuer.Enqueue(ctx, job); err != nil {
			logging.Warn().Err(err).Int64("thread_id", in.ThreadID).Msg("persist enqueue failed")
		}
	}

	// Phase two: privileged synchronous write. Duplicate tokens return
	// the original row and the broadcasts are simply re-emitted.
	msg, _, err := g.store.InsertMessage(ctx, store.InsertMessageParams{
		ThreadID:    in.ThreadID,
		SenderID:    userID,
		Body:        in.Body,
		Attachments: in.Attachments,
		ReplyToID:   in.ReplyToID,
		ClientMsgID: in.ClientMsgID,
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidReply) || errors.Is(err, store.ErrEmptyMessage) {
			g.fail(c, CodeInvalidMessage, err.Error())
			return
		}
		// The fast ack is already out and the job is queued; the
		// worker finishes the write and confirmation.
		logging.Error().Err(err).
			Int64("thread_id", in.ThreadID).
			Str("client_msg_id", in.ClientMsgID).
			Msg("synchronous persist failed, deferring to queue")
		return
	}

	g.hub.BroadcastThread(in.ThreadID, messageFrame(msg), nil)
	msgEv := broker.NewEvent(broker.TypeMessage, g.cfg.Origin)
	msgEv.ConversationID = conversationID
	msgEv.ThreadID = in.ThreadID
	msgEv.UserID = userID
	msgEv.ClientMsgID = in.ClientMsgID
	msgEv.Message = msg
	g.publishEvent(ctx, msgEv)

	persistedFrame := MessagePersistedFrame{
		Type:           EventMessagePersisted,
		ConversationID: conversationID,
		ClientMsgID:    in.ClientMsgID,
		DBMessageID:    msg.ID,
		DBCreatedAt:    msg.CreatedAt,
	}
	g.hub.BroadcastThread(in.ThreadID, persistedFrame, nil)
	persistedEv := broker.NewEvent(broker.TypeMessagePersisted, g.cfg.Origin)
	persistedEv.ConversationID = conversationID
	persistedEv.ThreadID = in.ThreadID
	persistedEv.UserID = userID
	persistedEv.ClientMsgID = in.ClientMsgID
	persistedEv.Message = msg
	g.publishEvent(ctx, persistedEv)

	// The sender's own connections, on every instance, reconcile the
	// optimistic copy through a sent-ack keyed by the client token.
	sentAck := AckFrame{
		Type:        EventAck,
		MessageID:   msg.ID,
		ThreadID:    in.ThreadID,
		UserID:      userID,
		Status:      string(models.StatusSent),
		ClientMsgID: in.ClientMsgID,
	}
	g.hub.SendToUser(userID, sentAck)
	sentEv := broker.NewEvent(broker.TypeAck, g.cfg.Origin)
	sentEv.ConversationID = conversationID
	sentEv.ThreadID = in.ThreadID
	sentEv.UserID = userID
	sentEv.ClientMsgID = in.ClientMsgID
	sentEv.Receipt = &models.DeliveryReceipt{MessageID: msg.ID, UserID: userID, Status: models.StatusSent}
	sentEv.SenderOnly = true
	g.publishEvent(ctx, sentEv)

	metrics.SendDuration.Observe(time.Since(start).Seconds())
}

func (g *Gateway) handleTyping(ctx context.Context, c *Client, in *Intent) {
	if !g.requireAuth(c) {
		return
	}
	frame := TypingFrame{Type: EventTyping, ThreadID: in.ThreadID, UserID: c.UserID(), Typing: in.Typing}
	g.hub.BroadcastThread(in.ThreadID, frame, c)

	ev := broker.NewEvent(broker.TypeTyping, g.cfg.Origin)
	ev.ThreadID = in.ThreadID
	ev.UserID = c.UserID()
	ev.Typing = in.Typing
	g.publishEvent(ctx, ev)
}

func (g *Gateway) handleAck(ctx context.Context, c *Client, in *Intent) {
	if !g.requireAuth(c) {
		return
	}
	if in.MessageID <= 0 || in.ThreadID <= 0 {
		g.fail(c, CodeInvalidMessage, "invalid ack target")
		return
	}
	status := models.DeliveryStatus(in.Status)
	if in.Status == "" {
		status = models.StatusDelivered
	}
	if !status.Valid() {
		g.fail(c, CodeInvalidMessage, "invalid delivery status")
		return
	}

	userID := c.UserID()
	resolved, err := g.store.UpsertReceipt(ctx, in.MessageID, userID, status)
	if err != nil {
		g.fail(c, CodeInternalError, "receipt update failed")
		return
	}
	if resolved == models.StatusRead {
		if err := g.store.SetLastRead(ctx, in.ThreadID, userID, in.MessageID); err != nil {
			logging.Warn().Err(err).Int64("thread_id", in.ThreadID).Msg("last-read advance failed")
		}
	}

	frame := AckFrame{
		Type:        EventAck,
		MessageID:   in.MessageID,
		ThreadID:    in.ThreadID,
		UserID:      userID,
		Status:      string(resolved),
		ClientMsgID: in.ClientMsgID,
	}
	g.hub.BroadcastThread(in.ThreadID, frame, nil)

	ev := broker.NewEvent(broker.TypeAck, g.cfg.Origin)
	ev.ThreadID = in.ThreadID
	ev.UserID = userID
	ev.ClientMsgID = in.ClientMsgID
	ev.Receipt = &models.DeliveryReceipt{MessageID: in.MessageID, UserID: userID, Status: resolved}
	g.publishEvent(ctx, ev)
}

// handleSync replays messages after a cursor. Read-only and idempotent
// so clients can retry freely.
func (g *Gateway) handleSync(ctx context.Context, c *Client, in *Intent) {
	if !g.requireAuth(c) {
		return
	}
	if in.ThreadID <= 0 {
		g.fail(c, CodeInvalidMessage, "invalid thread id")
		return
	}

	isMember, err := g.store.IsParticipant(ctx, in.ThreadID, c.UserID())
	if err != nil {
		g.fail(c, CodeSyncFailed, "membership check failed")
		return
	}
	if !isMember {
		g.fail(c, CodeForbidden, "not a participant of this thread")
		return
	}

	msgs, err := g.store.MessagesAfter(ctx, in.ThreadID, in.LastServerMsgID, g.cfg.SyncPageSize)
	if err != nil {
		g.fail(c, CodeSyncFailed, "message replay failed")
		return
	}

	highWater := in.LastServerMsgID
	if len(msgs) > 0 {
		highWater = msgs[len(msgs)-1].ID
	}
	c.enqueue(SyncResponseFrame{
		Type:            EventSyncResponse,
		ThreadID:        in.ThreadID,
		Messages:        msgs,
		LastServerMsgID: highWater,
	})
}

// publishEvent logs and swallows broker failures: fan-out degradation
// must never block the local send path.
func (g *Gateway) publishEvent(ctx context.Context, ev *broker.Event) {
	if g.events == nil {
		return
	}
	if err := g.events.Publish(ctx, ev); err != nil {
		logging.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("broker publish failed")
	}
}

// mirror consumes broker events from peer instances. Own-origin events
// were already delivered locally and are dropped.
func (g *Gateway) mirror(ctx context.Context, ev *broker.Event) {
	if ev.Origin == g.cfg.Origin {
		metrics.BrokerDroppedOwnOrigin.Inc()
		return
	}
	g.deliver(ev)
}

// HandlePersisted fans a worker-side confirmation out to this
// instance's subscribers. Wired as the persist worker's local
// callback.
func (g *Gateway) HandlePersisted(_ context.Context, ev *broker.Event) {
	g.deliver(ev)
}

// deliver maps one event to client frames.
func (g *Gateway) deliver(ev *broker.Event) {
	switch ev.Type {
	case broker.TypeMessage:
		if ev.Message != nil {
			g.hub.BroadcastThread(ev.ThreadID, messageFrame(ev.Message), nil)
		}

	case broker.TypeMessagePersisted:
		if ev.Message != nil {
			g.hub.BroadcastThread(ev.ThreadID, MessagePersistedFrame{
				Type:           EventMessagePersisted,
				ConversationID: ev.ConversationID,
				ClientMsgID:    ev.ClientMsgID,
				DBMessageID:    ev.Message.ID,
				DBCreatedAt:    ev.Message.CreatedAt,
			}, nil)
		}

	case broker.TypeMessageAck:
		g.hub.BroadcastThread(ev.ThreadID, MessageAckFrame{
			Type:           EventMessageAck,
			ConversationID: ev.ConversationID,
			ClientMsgID:    ev.ClientMsgID,
			Timestamp:      ev.Timestamp,
		}, nil)

	case broker.TypeAck:
		if ev.Receipt == nil {
			return
		}
		frame := AckFrame{
			Type:        EventAck,
			MessageID:   ev.Receipt.MessageID,
			ThreadID:    ev.ThreadID,
			UserID:      ev.UserID,
			Status:      string(ev.Receipt.Status),
			ClientMsgID: ev.ClientMsgID,
		}
		if ev.SenderOnly {
			g.hub.SendToUser(ev.UserID, frame)
			return
		}
		g.hub.BroadcastThread(ev.ThreadID, frame, nil)

	case broker.TypeTyping:
		g.hub.BroadcastThread(ev.ThreadID, TypingFrame{
			Type:     EventTyping,
			ThreadID: ev.ThreadID,
			UserID:   ev.UserID,
			Typing:   ev.Typing,
		}, nil)

	case broker.TypePresence:
		g.hub.BroadcastThread(ev.ThreadID, PresenceFrame{
			Type:     EventPresence,
			ThreadID: ev.ThreadID,
			UserID:   ev.UserID,
			Online:   ev.Online,
		}, nil)
	}
}
