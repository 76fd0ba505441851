// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/pushfeed/relay/internal/logging"
	"github.com/pushfeed/relay/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// clientIDCounter assigns stable ids for logging.
var clientIDCounter atomic.Uint64

// Client is one persistent connection. It starts unauthenticated;
// a successful auth intent binds it to a user and indexes it in the
// hub. All mutable fields sit behind the client's own mutex so intent
// handlers and the broker mirror loop can touch them concurrently.
type Client struct {
	id      uint64
	gw      *Gateway
	conn    *websocket.Conn
	send    chan any
	done    chan struct{}
	limiter *rate.Limiter

	closeOnce sync.Once

	mu       sync.Mutex
	closed   bool
	userID   int64
	username string
	subs     map[int64]struct{}
	lastSeen time.Time
}

func newClient(gw *Gateway, conn *websocket.Conn) *Client {
	return &Client{
		id:       clientIDCounter.Add(1),
		gw:       gw,
		conn:     conn,
		send:     make(chan any, 256),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Limit(gw.cfg.IntentRate), gw.cfg.IntentBurst),
		subs:     make(map[int64]struct{}),
		lastSeen: time.Now(),
	}
}

// UserID returns the bound user, or 0 while unauthenticated.
func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setIdentity(userID int64, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.username = username
}

func (c *Client) addSub(threadID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[threadID] = struct{}{}
}

func (c *Client) removeSub(threadID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, threadID)
}

func (c *Client) subscribed(threadID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[threadID]
	return ok
}

// subscriptions returns a snapshot of the connection's thread set.
func (c *Client) subscriptions() map[int64]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[int64]struct{}, len(c.subs))
	for id := range c.subs {
		snapshot[id] = struct{}{}
	}
	return snapshot
}

func (c *Client) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
}

// enqueue queues an outbound frame without blocking. A full buffer
// means the client cannot keep up; the frame is dropped and the client
// reconciles through sync. Frames for a closed client are dropped:
// fan-out snapshots its targets before enqueueing, so a broadcast can
// race a disconnect.
func (c *Client) enqueue(frame any) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	select {
	case c.send <- frame:
	default:
		logging.Debug().Uint64("client_id", c.id).Msg("dropping frame for slow client")
	}
}

// close marks the client dead and wakes writePump. The send channel is
// never closed; late enqueues land in the buffer or are dropped.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

// readPump consumes inbound frames until the socket dies or the pong
// window is missed. Exactly one readPump runs per connection.
func (c *Client) readPump() {
	defer func() {
		c.gw.disconnect(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Warn().Err(err).Uint64("client_id", c.id).Msg("set read deadline failed")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Uint64("client_id", c.id).Msg("websocket read error")
			}
			return
		}

		var intent Intent
		if err := json.Unmarshal(data, &intent); err != nil {
			c.enqueue(errorFrame(CodeInvalidMessage, "malformed frame"))
			metrics.IntentErrorsTotal.WithLabelValues(CodeInvalidMessage).Inc()
			continue
		}

		if !c.limiter.Allow() {
			metrics.IntentRateLimited.Inc()
			continue
		}

		c.gw.dispatch(c, &intent)
	}
}

// writePump owns all writes to the socket: queued frames plus the
// keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}

			data, err := json.Marshal(frame)
			if err != nil {
				logging.Error().Err(err).Uint64("client_id", c.id).Msg("frame marshal failed")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			metrics.FramesSentTotal.WithLabelValues(frameTypeOf(frame)).Inc()

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
