// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/pushfeed/relay/internal/metrics"
)

// ChannelBroker implements Broker over an in-process pub/sub. It
// exists for tests and single-node runs where cross-instance fan-out
// degenerates to a loopback; the envelope and origin semantics stay
// identical to the NATS broker.
type ChannelBroker struct {
	pubsub *gochannel.GoChannel

	mu     sync.Mutex
	closed bool
}

// NewChannelBroker creates an in-process broker.
func NewChannelBroker() *ChannelBroker {
	return &ChannelBroker{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, nil),
	}
}

// Publish implements Broker.
func (b *ChannelBroker) Publish(ctx context.Context, ev *Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker closed")
	}
	b.mu.Unlock()

	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	msg := message.NewMessage(ev.ID, data)
	msg.SetContext(ctx)
	if err := b.pubsub.Publish(TopicFor(ev.Type), msg); err != nil {
		metrics.BrokerPublishErrors.Inc()
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	metrics.BrokerPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// Subscribe implements Broker.
func (b *ChannelBroker) Subscribe(ctx context.Context, handler Handler, types ...EventType) (func(), error) {
	if len(types) == 0 {
		types = eventTypes
	}

	subCtx, cancel := context.WithCancel(ctx)
	for _, t := range types {
		msgs, err := b.pubsub.Subscribe(subCtx, TopicFor(t))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe %s: %w", TopicFor(t), err)
		}
		go dispatch(subCtx, msgs, handler)
	}
	return cancel, nil
}

// Close implements Broker.
func (b *ChannelBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pubsub.Close()
}
