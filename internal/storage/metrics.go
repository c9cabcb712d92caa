package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// storeMetrics is the Prometheus instrumentation of a Store. A nil
// *storeMetrics is valid and records nothing.
type storeMetrics struct {
	operations     *prometheus.CounterVec
	contentBlocks  prometheus.Counter
	contentBytes   prometheus.Counter
	dedupHits      prometheus.Counter
	rebuilds       *prometheus.CounterVec
	flushes        *prometheus.CounterVec
	childrenRetry  prometheus.Counter
	indexRebuilds  prometheus.Counter
	corruptions    prometheus.Counter
	recordsInStore prometheus.Gauge
}

// newStoreMetrics registers the store metrics on reg.
//
// Returns nil if reg is nil.
func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	if reg == nil {
		return nil
	}

	return &storeMetrics{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "persistentfs_operations_total",
				Help: "Total number of store operations by kind and outcome",
			},
			[]string{"operation", "outcome"}, // "ok", "error"
		),
		contentBlocks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "persistentfs_content_blocks_created_total",
			Help: "Total number of content blocks written",
		}),
		contentBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "persistentfs_content_bytes_written_total",
			Help: "Total number of bytes written to content storage (after compression)",
		}),
		dedupHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "persistentfs_content_dedup_hits_total",
			Help: "Total number of content writes satisfied by an existing block",
		}),
		rebuilds: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "persistentfs_rebuilds_total",
				Help: "Total number of store rebuilds by cause",
			},
			[]string{"cause"}, // "marker", "status", "version", "error"
		),
		flushes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "persistentfs_flushes_total",
				Help: "Total number of background flush ticks by result",
			},
			[]string{"result"}, // "flushed", "skipped_heavy", "skipped_busy", "clean", "error"
		),
		childrenRetry: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "persistentfs_children_update_retries_total",
			Help: "Total number of children updates re-applied after a concurrent change",
		}),
		indexRebuilds: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "persistentfs_name_index_rebuilds_total",
			Help: "Total number of full rebuilds of the inverted name index",
		}),
		corruptions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "persistentfs_corruptions_total",
			Help: "Total number of times the store was marked corrupted",
		}),
		recordsInStore: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "persistentfs_records",
			Help: "Number of record slots in the record table",
		}),
	}
}

func (m *storeMetrics) operation(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *storeMetrics) contentBlockCreated(size int) {
	if m == nil {
		return
	}
	m.contentBlocks.Inc()
	m.contentBytes.Add(float64(size))
}

func (m *storeMetrics) contentDeduplicated() {
	if m == nil {
		return
	}
	m.dedupHits.Inc()
}

func (m *storeMetrics) rebuilt(cause string) {
	if m == nil {
		return
	}
	m.rebuilds.WithLabelValues(cause).Inc()
}

func (m *storeMetrics) flushed(result string) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(result).Inc()
}

func (m *storeMetrics) childrenRetried() {
	if m == nil {
		return
	}
	m.childrenRetry.Inc()
}

func (m *storeMetrics) nameIndexRebuilt() {
	if m == nil {
		return
	}
	m.indexRebuilds.Inc()
}

func (m *storeMetrics) corrupted() {
	if m == nil {
		return
	}
	m.corruptions.Inc()
}

func (m *storeMetrics) recordCount(n int32) {
	if m == nil {
		return
	}
	m.recordsInStore.Set(float64(n))
}
