// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pushfeed/relay/internal/logging"
	"github.com/pushfeed/relay/internal/metrics"
)

// StreamName is the JetStream stream covering all dm.events subjects.
const StreamName = "DM_EVENTS"

// NATSConfig holds NATSBroker configuration.
type NATSConfig struct {
	// URL is the NATS server address.
	URL string

	// MaxReconnects bounds client reconnection attempts; -1 retries
	// forever.
	MaxReconnects int

	// ReconnectWait is the delay between reconnection attempts.
	ReconnectWait time.Duration

	// StreamMaxAge bounds event retention; mirrors only need events
	// long enough to cover a consumer restart.
	StreamMaxAge time.Duration

	// DuplicateWindow is the JetStream deduplication window keyed on
	// the event id.
	DuplicateWindow time.Duration
}

// DefaultNATSConfig returns production defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             natsgo.DefaultURL,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		StreamMaxAge:    10 * time.Minute,
		DuplicateWindow: 2 * time.Minute,
	}
}

// NATSBroker implements Broker over NATS JetStream. Mirror
// subscriptions are deliberately not queue-grouped: every gateway
// instance must observe every event so it can fan out to its own
// connections.
type NATSBroker struct {
	cfg       NATSConfig
	publisher message.Publisher

	mu     sync.Mutex
	subs   []message.Subscriber
	closed bool
}

// NewNATSBroker connects to NATS, ensures the event stream exists, and
// returns a broker ready to publish.
func NewNATSBroker(ctx context.Context, cfg NATSConfig) (*NATSBroker, error) {
	if cfg.URL == "" {
		cfg.URL = natsgo.DefaultURL
	}
	if err := ensureStream(ctx, cfg); err != nil {
		return nil, err
	}

	wmLogger := logging.NewWatermillLogger()
	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOptions(cfg),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create broker publisher: %w", err)
	}

	return &NATSBroker{cfg: cfg, publisher: pub}, nil
}

func natsOptions(cfg NATSConfig) []natsgo.Option {
	return []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
}

// ensureStream creates or updates the dm.events stream.
func ensureStream(ctx context.Context, cfg NATSConfig) error {
	nc, err := natsgo.Connect(cfg.URL, natsOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("connect for stream setup: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	streamCfg := jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"dm.events.>"},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     cfg.StreamMaxAge,
		Duplicates: cfg.DuplicateWindow,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
	}
	if _, err := js.CreateOrUpdateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}
	return nil
}

// Publish implements Broker. The event id rides as the Nats-Msg-Id so
// JetStream deduplicates redelivered publishes.
func (b *NATSBroker) Publish(ctx context.Context, ev *Event) error {
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
	if err := b.publisher.Publish(TopicFor(ev.Type), msg); err != nil {
		metrics.BrokerPublishErrors.Inc()
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	metrics.BrokerPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// Subscribe implements Broker. Each call builds its own ephemeral
// consumer delivering new events only; missed history is recovered by
// the client-side sync protocol, not the broker.
func (b *NATSBroker) Subscribe(ctx context.Context, handler Handler, types ...EventType) (func(), error) {
	if len(types) == 0 {
		types = eventTypes
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:         b.cfg.URL,
		NatsOptions: natsOptions(b.cfg),
		Unmarshaler: &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.BindStream(StreamName),
				natsgo.DeliverNew(),
			},
		},
	}, logging.NewWatermillLogger())
	if err != nil {
		return nil, fmt.Errorf("create broker subscriber: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	for _, t := range types {
		msgs, err := sub.Subscribe(subCtx, TopicFor(t))
		if err != nil {
			cancel()
			_ = sub.Close()
			return nil, fmt.Errorf("subscribe %s: %w", TopicFor(t), err)
		}
		go dispatch(subCtx, msgs, handler)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		cancel()
		_ = sub.Close()
	}, nil
}

// dispatch decodes and hands events to the handler, acking
// unconditionally: mirror delivery is at-most-once per instance and
// losers are recovered by sync.
func dispatch(ctx context.Context, msgs <-chan *message.Message, handler Handler) {
	for msg := range msgs {
		ev, err := decodeEvent(msg.Payload)
		if err != nil {
			logging.Warn().Err(err).Str("msg_uuid", msg.UUID).Msg("dropping undecodable broker event")
			msg.Ack()
			continue
		}
		metrics.BrokerConsumedTotal.WithLabelValues(string(ev.Type)).Inc()
		handler(ctx, ev)
		msg.Ack()
	}
}

// Close implements Broker.
func (b *NATSBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	for _, sub := range b.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.publisher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
