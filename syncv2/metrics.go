package syncv2

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mxcli",
		Subsystem: "sync",
		Name:      "polls_total",
		Help:      "Sync polls issued, by outcome.",
	}, []string{"outcome"})

	eventsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mxcli",
		Subsystem: "sync",
		Name:      "events_dispatched_total",
		Help:      "Timeline events delivered to handlers.",
	})

	handlerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mxcli",
		Subsystem: "sync",
		Name:      "handler_failures_total",
		Help:      "Handler panics recovered by the dispatcher.",
	})
)
