package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PublishAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_publish_attempts_total",
			Help: "Per-account publish attempts by platform and outcome",
		},
		[]string{"platform", "outcome"}, // published|failed , outcome kind
	)

	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_token_refreshes_total",
			Help: "Token refreshes by platform and result",
		},
		[]string{"platform", "result"}, // ok|failed|unrecoverable
	)

	JanitorRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_janitor_repairs_total",
			Help: "State repairs applied by the reconciliation janitor",
		},
		[]string{"routine"}, // stuck|corrupted|removed|rejected|requeued|retry_budget
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_jobs_total",
			Help: "Queue jobs by kind and result",
		},
		[]string{"kind", "result"}, // enqueued|done|retried|dead|stale
	)

	OutboxRelayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "publisher_outbox_relayed_total",
			Help: "Outbox rows relayed to Kafka",
		},
	)
)

var once sync.Once

// MustRegister registers all collectors once per process.
func MustRegister(r prometheus.Registerer) {
	once.Do(func() {
		r.MustRegister(
			PublishAttemptsTotal,
			TokenRefreshesTotal,
			JanitorRepairsTotal,
			JobsTotal,
			OutboxRelayedTotal,
		)
	})
}
