// Package metrics exposes Winery's Prometheus collectors.
//
// Collectors are package-level so every component can record against them
// without threading a registry through constructors; Handler exposes them
// over HTTP for each daemon subcommand (packer, rbd, rw-shard-cleaner).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Shard lifecycle

	ShardsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "winery_shards_total",
			Help: "Number of shards by lifecycle state",
		},
		[]string{"state"},
	)

	ShardTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "winery_shard_transitions_total",
			Help: "Total shard state transitions",
		},
		[]string{"from", "to"},
	)

	// Writer

	ObjectsAddedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "winery_objects_added_total",
			Help: "Total objects accepted by add()",
		},
	)

	ObjectsRedirectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "winery_objects_redirected_total",
			Help: "Total add() calls that lost the record_new_obj_id race and wrote nothing",
		},
	)

	BytesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "winery_bytes_written_total",
			Help: "Total content bytes appended to write shards",
		},
	)

	// Packer

	PackDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "winery_pack_duration_seconds",
			Help:    "Time to convert one RW shard into an RO image",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	ShardsPackedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "winery_shards_packed_total",
			Help: "Total shards successfully packed",
		},
	)

	PackFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "winery_pack_failures_total",
			Help: "Total pack attempts that rolled the shard back to FULL",
		},
	)

	// Image manager / cleaner

	ImageManagerPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "winery_image_manager_pass_duration_seconds",
			Help:    "Time for one image manager pass over all shards",
			Buckets: prometheus.DefBuckets,
		},
	)

	ShardsMappedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "winery_shards_mapped_total",
			Help: "Total read-only mappings this image manager recorded in the catalog",
		},
	)

	ShardsCleanedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "winery_shards_cleaned_total",
			Help: "Total RW shard tables dropped by the cleaner",
		},
	)

	DeletedObjectsPunchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "winery_deleted_objects_punched_total",
			Help: "Total deleted objects whose RO payload was punched out",
		},
	)

	// Throttler

	ThrottlerObservedBps = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "winery_throttler_observed_bytes_per_second",
			Help: "Locally observed mean bandwidth per throttler direction",
		},
		[]string{"direction"},
	)

	ThrottlerBucketCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "winery_throttler_bucket_capacity_bytes",
			Help: "Current leaky bucket capacity after fair-share sync",
		},
		[]string{"direction"},
	)

	// Catalog

	CatalogRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "winery_catalog_retries_total",
			Help: "Total catalog transactions retried by a caller's work loop",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		ShardsByState,
		ShardTransitionsTotal,
		ObjectsAddedTotal,
		ObjectsRedirectedTotal,
		BytesWrittenTotal,
		PackDuration,
		ShardsPackedTotal,
		PackFailuresTotal,
		ImageManagerPassDuration,
		ShardsMappedTotal,
		ShardsCleanedTotal,
		DeletedObjectsPunchedTotal,
		ThrottlerObservedBps,
		ThrottlerBucketCapacity,
		CatalogRetriesTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
