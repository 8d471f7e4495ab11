// Package metrics exposes the login flow's operational counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Flow counts login attempts and outcomes. A nil *Flow is a no-op so leaf
// packages can run without a registry in tests.
type Flow struct {
	attempts     prometheus.Counter
	failures     *prometheus.CounterVec
	proofLatency prometheus.Histogram
	backups      *prometheus.CounterVec
}

func NewFlow(reg prometheus.Registerer) *Flow {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Flow{
		attempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "zkauth_login_attempts_total",
			Help: "Login attempts started.",
		}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zkauth_login_failures_total",
			Help: "Login attempts that failed, by reason.",
		}, []string{"reason"}),
		proofLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "zkauth_proof_request_seconds",
			Help:    "Latency of proving service requests.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		backups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zkauth_salt_backup_total",
			Help: "Salt backup deliveries, by result.",
		}, []string{"result"}),
	}
}

func (f *Flow) AttemptStarted() {
	if f != nil {
		f.attempts.Inc()
	}
}

func (f *Flow) AttemptFailed(reason string) {
	if f != nil {
		f.failures.WithLabelValues(reason).Inc()
	}
}

func (f *Flow) ProofRequested(elapsed time.Duration) {
	if f != nil {
		f.proofLatency.Observe(elapsed.Seconds())
	}
}

func (f *Flow) BackupResult(result string) {
	if f != nil {
		f.backups.WithLabelValues(result).Inc()
	}
}
