package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "langbridge_messages_total",
			Help: "Inbound messages by kind and the route that handled them.",
		},
		[]string{"kind", "route"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "langbridge_errors_total",
			Help: "Routing failures by class.",
		},
		[]string{"kind", "class"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "langbridge_dispatch_duration_seconds",
			Help:    "Time from receipt of a message to the end of its handling.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 9),
		},
		[]string{"kind"},
	)

	reconcileFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "langbridge_reconcile_failures_total",
			Help: "Post-dispatch reconciliation runs that failed.",
		},
	)
)

// Message kinds.
const (
	kindCall         = "call"
	kindNotification = "notification"
)

// Routes a message can take.
const (
	routeOverride  = "override"
	routeBuiltin   = "builtin"
	routeReserved  = "reserved"
	routeUnhandled = "unhandled"
	routeProxy     = "proxy"
	routeInvalid   = "invalid"
)
