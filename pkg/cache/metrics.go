package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics observes segment lifecycle events. A nil Metrics is never passed to
// user code; NopMetrics is used in its place.
type Metrics interface {
	// RecordReservation records the outcome of a budget reservation attempt.
	RecordReservation(ok bool, bytes int64)
	// RecordDownload records the duration and size of one local write.
	RecordDownload(duration float64, bytes int64)
	// RecordWaitTimeout records a waiter that timed out before the downloader finished.
	RecordWaitTimeout()
	// RecordHit records a caller that found a segment already downloaded or
	// partially downloaded, rather than empty.
	RecordHit()
	// RecordSegmentCreated records a new Segment entering the index.
	RecordSegmentCreated()
	// RecordSegmentDestroyed records a Segment leaving the index, whether by
	// eviction or explicit detach.
	RecordSegmentDestroyed()
}

type nopMetrics struct{}

func (nopMetrics) RecordReservation(bool, int64) {}
func (nopMetrics) RecordDownload(float64, int64) {}
func (nopMetrics) RecordWaitTimeout() {}
func (nopMetrics) RecordHit() {}
func (nopMetrics) RecordSegmentCreated() {}
func (nopMetrics) RecordSegmentDestroyed() {}

// NopMetrics is a Metrics implementation that discards everything.
var NopMetrics Metrics = nopMetrics{}

// promMetrics is a Metrics implementation backed by Prometheus.
type promMetrics struct {
	reservations     *prometheus.CounterVec
	reservedBytes    prometheus.Counter
	downloadDuration prometheus.Histogram
	downloadBytes    prometheus.Counter
	waitTimeouts     prometheus.Counter
	hits             prometheus.Counter
	segmentsLive     prometheus.Gauge
}

var _ Metrics = &promMetrics{}

// NewPromMetrics creates a Metrics implementation registered on reg.
func NewPromMetrics(reg prometheus.Registerer, prefix string) Metrics {
	m := &promMetrics{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_reservations_total",
			Help: "Count of cache space reservation attempts by outcome.",
		}, []string{"outcome"}),
		reservedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_reserved_bytes_total",
			Help: "Total bytes successfully reserved against the cache budget.",
		}),
		downloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_download_duration_seconds",
			Help:    "Duration of local segment writes in seconds.",
			Buckets: prometheus.LinearBuckets(0.005, 0.025, 200),
		}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_download_bytes_total",
			Help: "Total bytes written locally by downloaders.",
		}),
		waitTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_wait_timeouts_total",
			Help: "Count of waiters that gave up before the downloader finished.",
		}),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_hits_total",
			Help: "Count of callers that found a segment already (partially) downloaded.",
		}),
		segmentsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_segments_live",
			Help: "Number of segments currently present in the index.",
		}),
	}

	reg.MustRegister(
		m.reservations,
		m.reservedBytes,
		m.downloadDuration,
		m.downloadBytes,
		m.waitTimeouts,
		m.hits,
		m.segmentsLive,
	)

	return m
}

func (m *promMetrics) RecordReservation(ok bool, bytes int64) {
	outcome := "denied"
	if ok {
		outcome = "granted"
		m.reservedBytes.Add(float64(bytes))
	}
	m.reservations.WithLabelValues(outcome).Inc()
}

func (m *promMetrics) RecordDownload(duration float64, bytes int64) {
	m.downloadDuration.Observe(duration)
	m.downloadBytes.Add(float64(bytes))
}

func (m *promMetrics) RecordWaitTimeout() {
	m.waitTimeouts.Inc()
}

func (m *promMetrics) RecordHit() {
	m.hits.Inc()
}

func (m *promMetrics) RecordSegmentCreated() {
	m.segmentsLive.Inc()
}

func (m *promMetrics) RecordSegmentDestroyed() {
	m.segmentsLive.Dec()
}
