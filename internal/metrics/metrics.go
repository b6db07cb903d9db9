package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SagaTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_transitions_total",
			Help: "Saga state transitions by target state",
		},
		[]string{"to"},
	)

	RepliesDiscardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_replies_discarded_total",
			Help: "Replies that did not match the awaited step",
		},
		[]string{"step"},
	)

	OutboxTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_outbox_messages_total",
			Help: "Outbox relay results by outcome",
		},
		[]string{"outcome"}, // published|failed|skipped
	)

	DuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_duplicate_events_total",
			Help: "Inbound events rejected by the idempotency guard",
		},
		[]string{"consumer"},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_participant_commands_total",
			Help: "Participant commands handled by result",
		},
		[]string{"participant", "command", "result"}, // success|failure
	)

	StaleWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_fenced_stale_writes_total",
			Help: "Fenced writes rejected because a newer token was stored",
		},
	)

	ReportExportedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_report_transitions_exported_total",
			Help: "Saga transitions copied into ClickHouse",
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		SagaTransitionsTotal,
		RepliesDiscardedTotal,
		OutboxTotal,
		DuplicatesTotal,
		CommandsTotal,
		StaleWritesTotal,
		ReportExportedTotal,
	)
}
