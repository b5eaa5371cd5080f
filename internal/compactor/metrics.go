package compactor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// compactionsTotal counts summary folds.
	compactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskpilot",
			Subsystem: "compactor",
			Name:      "compactions_total",
			Help:      "Number of times message history was folded into the rolling summary",
		},
	)

	// summarizedMessagesTotal counts messages folded into summaries.
	summarizedMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskpilot",
			Subsystem: "compactor",
			Name:      "summarized_messages_total",
			Help:      "Number of messages folded into rolling summaries",
		},
	)
)
