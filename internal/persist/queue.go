// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package persist

import (
	"context"
	"fmt"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pushfeed/relay/internal/logging"
)

// QueueStreamName is the JetStream stream backing the persistence
// queue, covering the job and poison subjects.
const QueueStreamName = "DM_PERSIST"

// queueGroup load-balances jobs across worker instances. Unlike the
// event mirror, exactly one worker should process each job.
const queueGroup = "persisters"

// QueueConfig holds the NATS-backed queue settings.
type QueueConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	StreamMaxAge    time.Duration
	DuplicateWindow time.Duration
}

// DefaultQueueConfig returns production defaults. Jobs are retained a
// full day so a crashed worker fleet can drain its backlog.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		URL:             natsgo.DefaultURL,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		StreamMaxAge:    24 * time.Hour,
		DuplicateWindow: 2 * time.Minute,
	}
}

// Queue bundles the publisher and subscriber ends of the persistence
// queue.
type Queue struct {
	pub message.Publisher
	sub message.Subscriber
}

// Publisher returns the enqueue end.
func (q *Queue) Publisher() message.Publisher { return q.pub }

// Subscriber returns the worker end.
func (q *Queue) Subscriber() message.Subscriber { return q.sub }

// Close closes both ends.
func (q *Queue) Close() error {
	err := q.sub.Close()
	if perr := q.pub.Close(); err == nil {
		err = perr
	}
	return err
}

// NewNATSQueue ensures the persist stream exists and opens a durable,
// queue-grouped transport over it. Duplicate publishes within the
// dedup window collapse on the job id.
func NewNATSQueue(ctx context.Context, cfg QueueConfig) (*Queue, error) {
	if cfg.URL == "" {
		cfg.URL = natsgo.DefaultURL
	}
	if cfg.StreamMaxAge <= 0 {
		cfg.StreamMaxAge = 24 * time.Hour
	}
	if err := ensureQueueStream(ctx, cfg); err != nil {
		return nil, err
	}

	opts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
	}
	wmLogger := logging.NewWatermillLogger()

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: opts,
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
		return nil, fmt.Errorf("create queue publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: queueGroup,
		NatsOptions:      opts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false,
			DurablePrefix: "relay-persist",
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.BindStream(QueueStreamName),
			},
		},
	}, wmLogger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create queue subscriber: %w", err)
	}

	return &Queue{pub: pub, sub: sub}, nil
}

func ensureQueueStream(ctx context.Context, cfg QueueConfig) error {
	nc, err := natsgo.Connect(cfg.URL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return fmt.Errorf("connect for queue stream setup: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	streamCfg := jetstream.StreamConfig{
		Name:       QueueStreamName,
		Subjects:   []string{"dm.persist.>"},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     cfg.StreamMaxAge,
		Duplicates: cfg.DuplicateWindow,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
	}
	if _, err := js.CreateOrUpdateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("ensure stream %s: %w", QueueStreamName, err)
	}
	return nil
}

// NewChannelQueue returns an in-process queue for single-node
// deployments and tests.
func NewChannelQueue() *Queue {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logging.NewWatermillLogger())
	return &Queue{pub: ch, sub: ch}
}
