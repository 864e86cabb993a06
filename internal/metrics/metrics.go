// Package metrics holds the Prometheus collectors for the sync server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts protocol requests by type and resulting error code.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuckersync",
		Name:      "requests_total",
		Help:      "Protocol requests by request type and error code.",
	}, []string{"type", "code"})

	// SessionsReserved counts sync-count sessions reserved per object class.
	SessionsReserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuckersync",
		Name:      "sessions_reserved_total",
		Help:      "Sync sessions reserved by object class.",
	}, []string{"object_class"})

	// SessionsReaped counts expired sessions promoted to committed by the
	// reservation reaping step.
	SessionsReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuckersync",
		Name:      "sessions_reaped_total",
		Help:      "Expired sync sessions reaped (marked committed) by object class.",
	}, []string{"object_class"})

	// UploadObjects counts object rows written by syncUp requests.
	UploadObjects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuckersync",
		Name:      "upload_objects_total",
		Help:      "Objects upserted by syncUp requests, by object class.",
	}, []string{"object_class"})
)
