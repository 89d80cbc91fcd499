package license

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	heartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "licensing_heartbeats_total",
		Help: "Heartbeats received by result.",
	}, []string{"result"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "licensing_license_transitions_total",
		Help: "License status transitions by target status.",
	}, []string{"status"})

	engineRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "licensing_engine_retries_total",
		Help: "Retried entitlement operations after a conflict or storage failure.",
	}, []string{"operation"})
)
