package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// dispatchTotal counts dispatches by handler and outcome.
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpilot",
			Subsystem: "router",
			Name:      "dispatch_total",
			Help:      "Number of units dispatched to sub-agent handlers",
		},
		[]string{"handler", "outcome"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskpilot",
			Subsystem: "router",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent in a handler per dispatch",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"handler"},
	)
)
