// Package metrics exposes Prometheus metrics for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SyncCyclesTotal counts completed sync cycles per path (buffer,
	// directory, realtime).
	SyncCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canopy_sync_cycles_total",
		Help: "Total number of sync cycles by path",
	}, []string{"path"})

	// SyncDuration observes cycle durations per path.
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "canopy_sync_duration_seconds",
		Help:    "Sync cycle duration in seconds by path",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	// ConflictsResolved counts three-way merges that produced a conflict
	// resolution, by path.
	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canopy_conflicts_resolved_total",
		Help: "Total number of conflicts resolved by the merge primitive",
	}, []string{"path"})

	// StoreResizes counts map-size growth events of the key/value store.
	StoreResizes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canopy_store_resizes_total",
		Help: "Total number of store map resizes",
	})

	// RealtimePacketsDropped counts inbound packets dropped by the filter
	// (own client id, stale timestamp, empty payload).
	RealtimePacketsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canopy_realtime_packets_dropped_total",
		Help: "Total number of inbound realtime packets dropped",
	})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
