// Package metrics exposes Prometheus collectors for the engine's internals:
// cache hit rate and spills, block decode latency, execution-engine worker
// utilization, and groupby/sort/join throughput. It intentionally stops at
// the collectors — the HTTP exposition server is an out-of-scope external
// collaborator, not this module's concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the engine's Prometheus collectors behind one handle so
// components receive it via explicit injection rather than a package-level
// singleton.
type Registry struct {
	reg *prometheus.Registry

	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheSpills    *prometheus.CounterVec
	CacheBytes     *prometheus.GaugeVec
	BlockDecodeSec *prometheus.HistogramVec
	BlockBytesRead *prometheus.CounterVec

	ExecWorkersBusy prometheus.Gauge
	ExecRowsPulled  *prometheus.CounterVec

	GroupbyFlushes  prometheus.Counter
	GroupbyRowsSeen prometheus.Counter
	SortPartitions  prometheus.Counter
	JoinBucketPairs prometheus.Counter
}

// NewRegistry constructs a fresh, unregistered-elsewhere Registry. Callers in
// tests typically create one per test to avoid duplicate-registration
// panics; production wires a single instance at startup.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sframecore", Subsystem: "cache", Name: "hits_total",
			Help: "Cache block reads served from memory or spilled storage.",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sframecore", Subsystem: "cache", Name: "misses_total",
			Help: "Cache block reads that found no entry.",
		}, []string{"tier"}),
		CacheSpills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sframecore", Subsystem: "cache", Name: "spills_total",
			Help: "Cache blocks converted from in-memory to on-disk.",
		}, []string{"reason"}),
		CacheBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sframecore", Subsystem: "cache", Name: "bytes",
			Help: "Current in-memory byte footprint by tier.",
		}, []string{"tier"}),
		BlockDecodeSec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sframecore", Subsystem: "blockfmt", Name: "decode_seconds",
			Help:    "Time to decompress+decode one column block.",
			Buckets: prometheus.DefBuckets,
		}, []string{"dtype"}),
		BlockBytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sframecore", Subsystem: "blockfmt", Name: "bytes_read_total",
			Help: "Compressed bytes read from segment files.",
		}, []string{"dtype"}),
		ExecWorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sframecore", Subsystem: "exec", Name: "workers_busy",
			Help: "Number of execution-engine worker goroutines currently processing a row range.",
		}),
		ExecRowsPulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sframecore", Subsystem: "exec", Name: "rows_pulled_total",
			Help: "Rows pulled through the parallel iterator, by op kind.",
		}, []string{"op_kind"}),
		GroupbyFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sframecore", Subsystem: "groupby", Name: "flushes_total",
			Help: "Bucket hash tables flushed to a sorted run on disk.",
		}),
		GroupbyRowsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sframecore", Subsystem: "groupby", Name: "rows_seen_total",
			Help: "Input rows consumed by the groupby aggregator.",
		}),
		SortPartitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sframecore", Subsystem: "sort", Name: "partitions_total",
			Help: "Scatter-partition files created by the external sort.",
		}),
		JoinBucketPairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sframecore", Subsystem: "join", Name: "bucket_pairs_total",
			Help: "Partition pairs processed by the grace hash join.",
		}),
	}

	reg.MustRegister(
		r.CacheHits, r.CacheMisses, r.CacheSpills, r.CacheBytes,
		r.BlockDecodeSec, r.BlockBytesRead,
		r.ExecWorkersBusy, r.ExecRowsPulled,
		r.GroupbyFlushes, r.GroupbyRowsSeen,
		r.SortPartitions, r.JoinBucketPairs,
	)
	return r
}

// Prometheus exposes the underlying registry for callers that wire their own
// exposition (e.g. an external HTTP server out of this module's scope).
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// Noop returns a Registry whose collectors are never read by the caller;
// used by components that take a *Registry but where a test doesn't care to
// assert on metrics.
func Noop() *Registry { return NewRegistry() }
