// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

package persist

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/pushfeed/relay/internal/metrics"
)

// Enqueuer places jobs on the persistence queue. It is transport
// agnostic: any watermill publisher (NATS JetStream in production, an
// in-process channel in tests) serves.
type Enqueuer struct {
	pub message.Publisher
}

// NewEnqueuer wraps a publisher.
func NewEnqueuer(pub message.Publisher) *Enqueuer {
	return &Enqueuer{pub: pub}
}

// Enqueue publishes one job. The caller has already fast-acked the
// client, so a failure here is surfaced for logging but the send is
// not rolled back; the client's idempotency token makes a later
// re-send safe.
func (e *Enqueuer) Enqueue(ctx context.Context, job *Job) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	msg := message.NewMessage(job.ID, data)
	msg.SetContext(ctx)
	if err := e.pub.Publish(TopicMessage, msg); err != nil {
		return fmt.Errorf("enqueue persist job: %w", err)
	}
	metrics.PersistEnqueuedTotal.Inc()
	return nil
}
