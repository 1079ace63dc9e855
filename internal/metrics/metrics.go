package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagenode_http_responses_total",
		Help: "The total number of HTTP responses by path and status code",
	}, []string{"path", "status_code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stagenode_http_request_duration_seconds",
		Help:    "Latency of HTTP requests by path",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	// Staging pool metrics, labelled by the owning stream context
	StagingAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staging_acquisitions_total",
		Help: "Total number of staging buffer acquisitions by outcome (hit, miss)",
	}, []string{"pool", "outcome"})

	StagingAllocationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staging_allocation_failures_total",
		Help: "Total number of failed pinned allocations",
	}, []string{"pool"})

	StagingBuffers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "staging_buffers",
		Help: "Number of pinned buffers owned by the pool",
	}, []string{"pool"})

	StagingBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "staging_bytes",
		Help: "Pinned bytes owned by the pool",
	}, []string{"pool"})

	StagingInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "staging_buffers_in_use",
		Help: "Number of buffers reserved by outstanding transfers",
	}, []string{"pool"})

	// Transfer metrics
	TransferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transfer_duration_ms",
		Help:    "Duration from submission to completion of staged transfers in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 18), // 10µs to ~1.3s
	}, []string{"direction"})

	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_bytes_total",
		Help: "Total bytes moved by completed transfers",
	}, []string{"direction"})

	TransferErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_errors_total",
		Help: "Total number of transfers that failed at submission or on the stream",
	}, []string{"direction"})

	ProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagenode_probe_results_total",
		Help: "Total number of round-trip probes by outcome (ok, error)",
	}, []string{"outcome"})
)

// PoolObserver feeds staging pool events into the Staging* collectors. It
// satisfies staging.Observer.
type PoolObserver struct {
	hits     prometheus.Counter
	misses   prometheus.Counter
	failures prometheus.Counter
	buffers  prometheus.Gauge
	bytes    prometheus.Gauge
	inUse    prometheus.Gauge
}

// NewPoolObserver binds the collectors to a pool label.
func NewPoolObserver(pool string) *PoolObserver {
	return &PoolObserver{
		hits:     StagingAcquisitions.WithLabelValues(pool, "hit"),
		misses:   StagingAcquisitions.WithLabelValues(pool, "miss"),
		failures: StagingAllocationFailures.WithLabelValues(pool),
		buffers:  StagingBuffers.WithLabelValues(pool),
		bytes:    StagingBytes.WithLabelValues(pool),
		inUse:    StagingInUse.WithLabelValues(pool),
	}
}

func (o *PoolObserver) Acquired(reused bool) {
	if reused {
		o.hits.Inc()
	} else {
		o.misses.Inc()
	}
	o.inUse.Inc()
}

func (o *PoolObserver) Allocated(bytes int) {
	o.buffers.Inc()
	o.bytes.Add(float64(bytes))
}

func (o *PoolObserver) AllocationFailed() { o.failures.Inc() }

func (o *PoolObserver) Released() { o.inUse.Dec() }

func (o *PoolObserver) Freed(bytes int) {
	o.buffers.Dec()
	o.bytes.Sub(float64(bytes))
}
