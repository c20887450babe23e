// Package metrics holds the prometheus collectors for the content store and
// the thread gateway. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "narrator"

// Blob put outcomes.
const (
	PutStored       = "stored"
	PutDeduplicated = "deduplicated"
	PutRejected     = "rejected"
	PutFailed       = "failed"
)

type Metrics struct {
	blobPuts     *prometheus.CounterVec
	blobBytes    prometheus.Counter
	blobDeletes  prometheus.Counter
	storageBytes prometheus.Gauge

	threadOps        *prometheus.CounterVec
	threadOpDuration *prometheus.HistogramVec
	attachments      prometheus.Counter
	lockWait         prometheus.Histogram
}

// New builds the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		blobPuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contentstore",
			Name:      "puts_total",
			Help:      "Blob put calls by outcome.",
		}, []string{"result"}),
		blobBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contentstore",
			Name:      "written_bytes_total",
			Help:      "Bytes physically written to blob storage.",
		}),
		blobDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contentstore",
			Name:      "deletes_total",
			Help:      "Blobs removed.",
		}),
		storageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "contentstore",
			Name:      "usage_bytes",
			Help:      "Total bytes held by the content store.",
		}),
		threadOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "threads",
			Name:      "operations_total",
			Help:      "Thread gateway operations by backend and result.",
		}, []string{"op", "backend", "result"}),
		threadOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "threads",
			Name:      "operation_duration_seconds",
			Help:      "Thread gateway operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "backend"}),
		attachments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "threads",
			Name:      "attachments_stored_total",
			Help:      "Inline attachments moved to the content store during save.",
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "threads",
			Name:      "save_lock_wait_seconds",
			Help:      "Time spent acquiring the per-thread save lock.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.blobPuts, m.blobBytes, m.blobDeletes, m.storageBytes,
			m.threadOps, m.threadOpDuration, m.attachments, m.lockWait,
		)
	}
	return m
}

func (m *Metrics) BlobPut(result string, written int) {
	if m == nil {
		return
	}
	m.blobPuts.WithLabelValues(result).Inc()
	if written > 0 {
		m.blobBytes.Add(float64(written))
	}
}

func (m *Metrics) BlobDeleted() {
	if m == nil {
		return
	}
	m.blobDeletes.Inc()
}

func (m *Metrics) StorageUsage(bytes int64) {
	if m == nil {
		return
	}
	m.storageBytes.Set(float64(bytes))
}

// ThreadOp records one gateway call. err decides the result label.
func (m *Metrics) ThreadOp(op, backend string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.threadOps.WithLabelValues(op, backend, result).Inc()
	m.threadOpDuration.WithLabelValues(op, backend).Observe(time.Since(start).Seconds())
}

func (m *Metrics) AttachmentsStored(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.attachments.Add(float64(n))
}

func (m *Metrics) LockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}
