package orchard

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeCompleted = "completed"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
)

// Metrics holds the Prometheus collectors updated by the engine.
// A nil *Metrics records nothing.
type Metrics struct {
	runs         *prometheus.CounterVec
	duration     prometheus.Histogram
	trials       prometheus.Counter
	feasible     prometheus.Counter
	improvements prometheus.Counter
}

// NewMetrics creates the orchard collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchard",
			Name:      "runs_total",
			Help:      "Orchard runs by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orchard",
			Name:      "run_duration_seconds",
			Help:      "Wall time of orchard runs that started sampling.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		trials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orchard",
			Name:      "trials_total",
			Help:      "Candidate points drawn.",
		}),
		feasible: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orchard",
			Name:      "feasible_trials_total",
			Help:      "Candidate points that satisfied every constraint.",
		}),
		improvements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orchard",
			Name:      "improvements_total",
			Help:      "Times the best objective value strictly decreased.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.duration, m.trials, m.feasible, m.improvements)
	}
	return m
}

func (m *Metrics) observeRun(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	if outcome != outcomeRejected {
		m.duration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) addTrials(done, feasible int) {
	if m == nil {
		return
	}
	m.trials.Add(float64(done))
	m.feasible.Add(float64(feasible))
}

func (m *Metrics) improved(n int) {
	if m == nil || n == 0 {
		return
	}
	m.improvements.Add(float64(n))
}
