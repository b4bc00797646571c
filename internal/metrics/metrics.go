// Package metrics exposes Prometheus instruments for the mailbox engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion metrics
var (
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_fetches_total",
			Help: "Total number of mailbox fetches by outcome.",
		},
		[]string{"outcome"}, // outcome: "ok", "failed", "discarded", "auth_expired"
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailsync_fetch_duration_seconds",
			Help:    "Duration of mailbox fetches in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	MessagesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_messages_ingested_total",
			Help: "Total number of messages fetched and normalized.",
		},
	)

	MessagesFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_messages_failed_total",
			Help: "Total number of messages skipped because they could not be fetched.",
		},
	)

	MessagesMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_messages_malformed_total",
			Help: "Total number of messages with unparsed MIME parts.",
		},
	)
)

// Mutation and composition metrics
var (
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_mutations_total",
			Help: "Total number of flag and label mutations.",
		},
		[]string{"op", "status"}, // status: "success", "failure"
	)

	DraftSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_draft_saves_total",
			Help: "Total number of draft autosaves.",
		},
		[]string{"kind", "status"}, // kind: "create", "update"
	)

	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_sends_total",
			Help: "Total number of send attempts.",
		},
		[]string{"mode", "status"}, // mode: "draft", "direct"
	)
)

// Status returns the status label for err.
func Status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
