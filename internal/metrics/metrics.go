// Relay - Real-time Direct Messaging Gateway
// Copyright 2026 Pushfeed
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pushfeed/relay

// Package metrics defines the Prometheus instrumentation for the
// gateway. Metrics register on the default registry at package load;
// the /metrics endpoint exposes them through promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway connection lifecycle

	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Current number of open websocket connections",
		},
	)

	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total number of websocket connections accepted",
		},
	)

	AuthFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Total number of rejected authentication attempts",
		},
	)

	// Intent processing

	IntentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_intents_total",
			Help: "Total number of client intents processed",
		},
		[]string{"type"},
	)

	IntentErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_intent_errors_total",
			Help: "Total number of intents rejected with an error frame",
		},
		[]string{"code"},
	)

	IntentRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_intents_rate_limited_total",
			Help: "Total number of intents dropped by per-connection rate limiting",
		},
	)

	FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_frames_sent_total",
			Help: "Total number of frames written to clients",
		},
		[]string{"type"},
	)

	SendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_send_duration_seconds",
			Help:    "Latency from send intent receipt to fast acknowledgment",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Broker fan-out

	BrokerPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_events_published_total",
			Help: "Total number of events published to the broker",
		},
		[]string{"type"},
	)

	BrokerPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_publish_errors_total",
			Help: "Total number of failed broker publishes",
		},
	)

	BrokerConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_events_consumed_total",
			Help: "Total number of events consumed from the broker",
		},
		[]string{"type"},
	)

	BrokerDroppedOwnOrigin = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_events_dropped_own_origin_total",
			Help: "Total number of mirrored events skipped because this instance produced them",
		},
	)

	// Async persistence

	PersistEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persist_jobs_enqueued_total",
			Help: "Total number of persistence jobs enqueued",
		},
	)

	PersistSucceededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persist_jobs_succeeded_total",
			Help: "Total number of persistence jobs durably written",
		},
	)

	PersistRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persist_job_retries_total",
			Help: "Total number of persistence job retry attempts",
		},
	)

	PersistFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persist_jobs_failed_total",
			Help: "Total number of persistence jobs exhausted to the failed set",
		},
	)

	PersistDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "persist_write_duration_seconds",
			Help:    "Duration of durable message writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Presence

	PresenceOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_users_online",
			Help: "Current number of users considered online by this instance",
		},
	)
)
