// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package gateway

import (
	"sync"

	"github.com/pushfeed/relay/internal/metrics"
)

// Hub owns the per-instance connection indexes: thread id to
// subscribed connections and user id to that user's connections. It is
// the only mutable shared state in the gateway; the mutex is never
// held across a store or broker call.
type Hub struct {
	mu      sync.RWMutex
	threads map[int64]map[*Client]struct{}
	users   map[int64]map[*Client]struct{}
}

// NewHub creates empty indexes.
func NewHub() *Hub {
	return &Hub{
		threads: make(map[int64]map[*Client]struct{}),
		users:   make(map[int64]map[*Client]struct{}),
	}
}

// addUser indexes an authenticated connection under its user. A user
// may hold any number of simultaneous connections.
func (h *Hub) addUser(c *Client, userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.users[userID] = set
	}
	set[c] = struct{}{}
	metrics.PresenceOnline.Set(float64(len(h.users)))
}

// subscribe adds the connection to a thread's subscriber set.
// Idempotent.
func (h *Hub) subscribe(c *Client, threadID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.threads[threadID]
	if !ok {
		set = make(map[*Client]struct{})
		h.threads[threadID] = set
	}
	set[c] = struct{}{}
}

// unsubscribe removes the connection from a thread's subscriber set.
// Idempotent.
func (h *Hub) unsubscribe(c *Client, threadID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropFromThreadLocked(c, threadID)
}

func (h *Hub) dropFromThreadLocked(c *Client, threadID int64) {
	if set, ok := h.threads[threadID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.threads, threadID)
		}
	}
}

// remove evicts a connection from every index. Called exactly once per
// connection, on close.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for threadID := range c.subscriptions() {
		h.dropFromThreadLocked(c, threadID)
	}
	if userID := c.UserID(); userID != 0 {
		if set, ok := h.users[userID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.users, userID)
			}
		}
	}
	metrics.PresenceOnline.Set(float64(len(h.users)))
}

// BroadcastThread queues a frame on every subscriber of a thread,
// optionally excluding one connection.
func (h *Hub) BroadcastThread(threadID int64, frame any, except *Client) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.threads[threadID]))
	for c := range h.threads[threadID] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// SendToUser queues a frame on every connection a user holds.
func (h *Hub) SendToUser(userID int64, frame any) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// UserOnline reports whether the user has at least one live connection
// on this instance.
func (h *Hub) UserOnline(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// SubscriberCount returns the local subscriber count for a thread.
func (h *Hub) SubscriberCount(threadID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.threads[threadID])
}
