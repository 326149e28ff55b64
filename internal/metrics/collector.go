// Package metrics provides internal metrics collection for the transport.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates transport and round metrics. A nil *Collector is valid
// and records nothing, so instrumentation stays optional at every call site.
type Collector struct {
	requestsSent       *prometheus.CounterVec
	responsesReceived  *prometheus.CounterVec
	requestsServed     *prometheus.CounterVec
	duplicatesDropped  prometheus.Counter
	staleDropped       prometheus.Counter
	mismatchedDropped  prometheus.Counter
	decodeFailures     prometheus.Counter
	expiredDropped     prometheus.Counter
	waitDuration       prometheus.Histogram
	roundDuration      prometheus.Histogram
	roundTargetOutcome *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registering under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.requestsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_sent_total",
			Help:      "Total request frames written to remote mailboxes",
		},
		[]string{"recipient"},
	)

	c.responsesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_received_total",
			Help:      "Total response frames resolved, by outcome",
		},
		[]string{"outcome"},
	)

	c.requestsServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_served_total",
			Help:      "Total inbound requests handled, by handler outcome",
		},
		[]string{"outcome"},
	)

	c.duplicatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_deliveries_dropped_total",
			Help:      "Redundant frames discarded after their request resolved",
		},
	)

	c.staleDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_responses_dropped_total",
			Help:      "Responses discarded because their request was canceled or timed out",
		},
	)

	c.mismatchedDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mismatched_responses_dropped_total",
			Help:      "Well-formed frames discarded for a wrong kind or correlation id",
		},
	)

	c.decodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Frames dropped because they could not be decoded",
		},
	)

	c.expiredDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_requests_dropped_total",
			Help:      "Inbound requests dropped past their expiry without invoking the handler",
		},
	)

	c.waitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_duration_seconds",
			Help:      "Time from send to resolution of a pending request",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	c.roundDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Wall-clock duration of broadcast rounds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	c.roundTargetOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "round_target_outcomes_total",
			Help:      "Per-target terminal states across rounds",
		},
		[]string{"outcome"},
	)

	return c
}

// RecordRequestSent counts a request frame written for recipient.
func (c *Collector) RecordRequestSent(recipient string) {
	if c == nil {
		return
	}
	c.requestsSent.WithLabelValues(recipient).Inc()
}

// RecordResponse counts a resolved response and the wait it ended.
func (c *Collector) RecordResponse(outcome string, waited time.Duration) {
	if c == nil {
		return
	}
	c.responsesReceived.WithLabelValues(outcome).Inc()
	c.waitDuration.Observe(waited.Seconds())
}

// RecordServed counts an inbound request by handler outcome.
func (c *Collector) RecordServed(outcome string) {
	if c == nil {
		return
	}
	c.requestsServed.WithLabelValues(outcome).Inc()
}

// RecordDuplicateDropped counts a discarded duplicate delivery.
func (c *Collector) RecordDuplicateDropped() {
	if c == nil {
		return
	}
	c.duplicatesDropped.Inc()
}

// RecordStaleDropped counts a discarded stale response.
func (c *Collector) RecordStaleDropped() {
	if c == nil {
		return
	}
	c.staleDropped.Inc()
}

// RecordMismatchedDropped counts a decodable frame dropped because its kind
// or correlation id did not match the pending request.
func (c *Collector) RecordMismatchedDropped() {
	if c == nil {
		return
	}
	c.mismatchedDropped.Inc()
}

// RecordDecodeFailure counts a dropped undecodable frame.
func (c *Collector) RecordDecodeFailure() {
	if c == nil {
		return
	}
	c.decodeFailures.Inc()
}

// RecordExpiredDropped counts an inbound request dropped past expiry.
func (c *Collector) RecordExpiredDropped() {
	if c == nil {
		return
	}
	c.expiredDropped.Inc()
}

// RecordRound records a finished round and its per-target outcomes.
func (c *Collector) RecordRound(d time.Duration, completed, timedOut, failed int) {
	if c == nil {
		return
	}
	c.roundDuration.Observe(d.Seconds())
	c.roundTargetOutcome.WithLabelValues("fulfilled").Add(float64(completed))
	c.roundTargetOutcome.WithLabelValues("timed_out").Add(float64(timedOut))
	c.roundTargetOutcome.WithLabelValues("failed").Add(float64(failed))
}
