// Package metrics defines the Prometheus instrumentation for the bridge. It is
// the single source of truth for metric names, labels, and help strings.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "o2db"

// ReceivedUpdates counts every message received from the broker, whether or
// not it decodes into a location update.
var ReceivedUpdates = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "received_updates_total",
	Help:      "Total number of messages received from the MQTT broker.",
})

// PersistedUpdates counts updates successfully written to the database.
var PersistedUpdates = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "persisted_updates_total",
	Help:      "Total number of location updates saved into the database.",
})

// DecodeRejections counts dropped messages by reject reason.
var DecodeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "decode_rejections_total",
	Help:      "Total number of messages rejected before persistence, by reason.",
}, []string{"reason"})

// PersistErrors counts failed inserts by error kind (transient/constraint).
var PersistErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "persist_errors_total",
	Help:      "Total number of failed database inserts, by error kind.",
}, []string{"kind"})

// SpilledUpdates counts updates written to the local spill queue.
var SpilledUpdates = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "spilled_updates_total",
	Help:      "Total number of location updates diverted to the local spill queue.",
})

// PersistenceLag is the gap in seconds between the event time of the most
// recently received update and the most recently persisted one.
var PersistenceLag = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "persistence_lag_seconds",
	Help:      "Seconds between the most-recently-received update and the most-recently-persisted update.",
})
