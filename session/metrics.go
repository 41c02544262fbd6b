package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the coordinator's prometheus collectors.
type Metrics struct {
	Observations    *prometheus.CounterVec
	StaleDropped    prometheus.Counter
	ResolveFailures prometheus.Counter
	Authenticated   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Observations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "auth_session",
				Name:      "observations_total",
				Help:      "Session observations by source and event kind",
			},
			[]string{"source", "kind"},
		),
		StaleDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auth_session",
			Name:      "stale_observations_total",
			Help:      "Observations discarded because a newer one was already applied or queued",
		}),
		ResolveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auth_session",
			Name:      "profile_resolution_failures_total",
			Help:      "Sessions published without a profile because resolution failed",
		}),
		Authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "auth_session",
			Name:      "authenticated",
			Help:      "1 while the published state is authenticated",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Observations, m.StaleDropped, m.ResolveFailures, m.Authenticated)
	}
	return m
}
