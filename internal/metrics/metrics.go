// Package metrics holds the archiver's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxarchive_runs_total",
			Help: "Total archival passes by outcome",
		},
		[]string{"outcome"}, // "ok", "partial", "failed"
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mxarchive_run_duration_seconds",
			Help:    "Archival pass duration",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mxarchive_last_run_timestamp_seconds",
			Help: "Unix time the last archival pass finished",
		},
	)

	RoomsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxarchive_rooms_processed_total",
			Help: "Rooms processed by outcome",
		},
		[]string{"outcome"}, // "ok", "failed", "skipped"
	)

	// History metrics
	PagesCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mxarchive_pages_committed_total",
			Help: "Event pages committed together with their cursor",
		},
	)

	EventsArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mxarchive_events_archived_total",
			Help: "New events written to the archive",
		},
	)

	EventDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mxarchive_event_duplicates_total",
			Help: "Re-delivered events skipped by idempotent insert",
		},
	)

	// Roster metrics
	SnapshotsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxarchive_snapshots_recorded_total",
			Help: "Append-only snapshot rows recorded",
		},
		[]string{"kind"}, // "membership", "device"
	)

	// Media metrics
	MediaFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxarchive_media_fetches_total",
			Help: "Media materialization attempts by result",
		},
		[]string{"result"}, // "materialized", "failed", "skipped"
	)

	MediaBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mxarchive_media_bytes_total",
			Help: "Bytes of media materialized",
		},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mxarchive_store_latency_seconds",
			Help:    "Archive store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"op"},
	)
)

// ObserveStore records the latency of a store operation.
// Use as: defer metrics.ObserveStore("commit_page", time.Now())
func ObserveStore(op string, start time.Time) {
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
