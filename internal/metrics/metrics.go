// Package metrics exposes prometheus instrumentation for the streaming
// pipeline and the durable-write loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventsDecoded counts decoded stream events by type.
	EventsDecoded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_stream_events_total",
		Help: "Decoded stream events by event type.",
	}, []string{"type"})

	// RecordsSkipped counts malformed wire records skipped by the decoder.
	RecordsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_stream_malformed_records_total",
		Help: "Malformed wire records skipped by the decoder.",
	})

	// WritesIssued counts durable streaming-content writes actually sent.
	WritesIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_session_writes_issued_total",
		Help: "Durable streaming-content writes issued.",
	})

	// WritesSkipped counts write-loop ticks skipped because content was unchanged.
	WritesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_session_writes_skipped_total",
		Help: "Write-loop ticks skipped due to unchanged content.",
	})

	// SessionsEnded counts streaming sessions by terminal outcome.
	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_sessions_ended_total",
		Help: "Streaming sessions by terminal outcome.",
	}, []string{"outcome"})

	// ActiveSessions tracks sessions currently streaming.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_sessions_active",
		Help: "Streaming sessions currently active.",
	})
)

// Register registers all collectors with the given registerer. Binaries call
// this once; the library never touches the default registry on its own.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		EventsDecoded,
		RecordsSkipped,
		WritesIssued,
		WritesSkipped,
		SessionsEnded,
		ActiveSessions,
	)
}
