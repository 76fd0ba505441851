// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/pushfeed/relay/internal/broker"
	"github.com/pushfeed/relay/internal/convid"
	"github.com/pushfeed/relay/internal/logging"
	"github.com/pushfeed/relay/internal/metrics"
	"github.com/pushfeed/relay/internal/store"
)

// WorkerConfig holds Worker configuration.
type WorkerConfig struct {
	// CloseTimeout bounds handler drain on shutdown.
	CloseTimeout time.Duration

	// Retry backoff for transient store failures.
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64
}

// DefaultWorkerConfig returns production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      5,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     time.Minute,
		RetryMultiplier:      2.0,
	}
}

// Worker drains the persistence queue into the store. Each completed
// write emits a persisted-confirmation event through the broker and
// the local callback so connected clients can upgrade their fast ack
// to a durable one.
//
// Jobs that keep failing after retries are routed to the poison topic;
// a separate consumer parks them in the failed set.
type Worker struct {
	cfg       WorkerConfig
	router    *message.Router
	store     store.Store
	events    broker.Broker
	origin    string
	failedSet *FailedSet

	// OnPersisted, when set, receives every confirmation event for
	// local fan-out in addition to the broker publish.
	OnPersisted func(ctx context.Context, ev *broker.Event)
}

// NewWorker builds the worker's router: recoverer, retry with
// exponential backoff, then poison-queue routing, with the job handler
// innermost. The subscriber should consume TopicMessage in a shared
// queue group; poisonPub publishes to TopicPoison.
func NewWorker(
	cfg WorkerConfig,
	st store.Store,
	events broker.Broker,
	origin string,
	sub message.Subscriber,
	poisonPub message.Publisher,
	failedSet *FailedSet,
) (*Worker, error) {
	wmLogger := logging.NewWatermillLogger()
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create persist router: %w", err)
	}

	w := &Worker{
		cfg:       cfg,
		router:    router,
		store:     st,
		events:    events,
		origin:    origin,
		failedSet: failedSet,
	}

	router.AddMiddleware(middleware.Recoverer)

	retry := middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      cfg.RetryMultiplier,
		Logger:          wmLogger,
		OnRetryHook: func(retryNum int, delay time.Duration) {
			metrics.PersistRetriesTotal.Inc()
		},
	}
	router.AddMiddleware(retry.Middleware)

	poison, err := middleware.PoisonQueue(poisonPub, TopicPoison)
	if err != nil {
		return nil, fmt.Errorf("create poison queue middleware: %w", err)
	}
	router.AddMiddleware(poison)

	router.AddNoPublisherHandler("persist-message", TopicMessage, sub, w.handleJob)

	return w, nil
}

// AddPoisonConsumer registers the failed-set recorder on a subscriber
// for the poison topic. Kept separate from NewWorker so tests can run
// the worker without a poison consumer and vice versa.
func (w *Worker) AddPoisonConsumer(sub message.Subscriber) {
	w.router.AddNoPublisherHandler("persist-poison", TopicPoison, sub, w.handlePoisoned)
}

// handleJob performs the durable write. Duplicate deliveries collapse
// on the store's idempotency token; only first writes emit a
// confirmation.
func (w *Worker) handleJob(msg *message.Message) error {
	ctx := msg.Context()
	job, err := decodeJob(msg.Payload)
	if err != nil {
		// Undecodable jobs can never succeed; fail straight to poison.
		logging.Error().Err(err).Str("msg_uuid", msg.UUID).Msg("undecodable persist job")
		return err
	}

	start := time.Now()
	persisted, created, err := w.store.InsertMessage(ctx, store.InsertMessageParams{
		ThreadID:    job.ThreadID,
		SenderID:    job.SenderID,
		Body:        job.Body,
		Attachments: job.Attachments,
		ReplyToID:   job.ReplyToID,
		ClientMsgID: job.ClientMsgID,
	})
	if err != nil {
		return fmt.Errorf("persist message for thread %d: %w", job.ThreadID, err)
	}
	metrics.PersistDuration.Observe(time.Since(start).Seconds())
	metrics.PersistSucceededTotal.Inc()

	if !created {
		logging.Debug().
			Str("job_id", job.ID).
			Str("client_msg_id", job.ClientMsgID).
			Msg("persist job was a duplicate, skipping confirmation")
		return nil
	}

	conversationID := job.ConversationID
	if conversationID == "" {
		if cid, err := convid.FromThreadID(job.ThreadID); err == nil {
			conversationID = cid
		}
	}

	// A first write by the worker means the gateway's synchronous tier
	// never completed, so peers have not seen the authoritative
	// message event either. Emit both it and the durable confirmation,
	// stamped with this worker's instance so the local fan-out is not
	// repeated by the mirror loop.
	for _, t := range []broker.EventType{broker.TypeMessage, broker.TypeMessagePersisted} {
		ev := broker.NewEvent(t, w.origin)
		ev.ConversationID = conversationID
		ev.ThreadID = job.ThreadID
		ev.UserID = job.SenderID
		ev.ClientMsgID = job.ClientMsgID
		ev.Message = persisted

		if w.OnPersisted != nil {
			w.OnPersisted(ctx, ev)
		}
		if err := w.events.Publish(ctx, ev); err != nil {
			// The write is durable; peers will converge through sync.
			logging.Warn().Err(err).Int64("message_id", persisted.ID).
				Msg("persisted confirmation publish failed")
		}
	}
	return nil
}

// handlePoisoned parks an exhausted job in the failed set.
func (w *Worker) handlePoisoned(msg *message.Message) error {
	reason := msg.Metadata.Get(middleware.ReasonForPoisonedKey)
	job, err := decodeJob(msg.Payload)
	if err != nil {
		logging.Error().Err(err).Str("msg_uuid", msg.UUID).Msg("undecodable poisoned job")
		return nil
	}

	metrics.PersistFailedTotal.Inc()
	logging.Error().
		Str("job_id", job.ID).
		Int64("thread_id", job.ThreadID).
		Str("reason", reason).
		Msg("persist job exhausted retries")

	if w.failedSet == nil {
		return nil
	}
	return w.failedSet.Add(job, reason)
}

// Serve runs the worker until the context is canceled. Implements
// suture.Service.
func (w *Worker) Serve(ctx context.Context) error {
	return w.router.Run(ctx)
}

// Running returns a channel closed once the router is consuming.
func (w *Worker) Running() <-chan struct{} {
	return w.router.Running()
}

// Close stops the router.
func (w *Worker) Close() error {
	return w.router.Close()
}
