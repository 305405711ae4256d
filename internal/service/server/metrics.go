package server

import "github.com/prometheus/client_golang/prometheus"

const namespace = "e2e_vault"

type metrics struct {
	registrations prometheus.Counter
	loginAttempts *prometheus.CounterVec
	rotations     prometheus.Counter
	events        *prometheus.CounterVec
	wsConnections prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Accounts registered.",
		}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login steps by stage and outcome.",
		}, []string{"stage", "outcome"}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_rotations_total",
			Help:      "Group key rotations applied.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Change events by delivery path.",
		}, []string{"delivery"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open change feed connections.",
		}),
	}
	reg.MustRegister(m.registrations, m.loginAttempts, m.rotations, m.events, m.wsConnections)
	return m
}
