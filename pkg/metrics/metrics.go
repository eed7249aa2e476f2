package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the bridge collectors. A nil *Metrics is valid and records
// nothing, so components can take one unconditionally.
type Metrics struct {
	TileRequests   *prometheus.CounterVec
	RenderLatency  *prometheus.HistogramVec
	RenderTimeouts *prometheus.CounterVec
	PoolHandles    *prometheus.GaugeVec

	OversizeTiles    *prometheus.CounterVec
	OversizeBytes    *prometheus.CounterVec
	OversizeMaxBytes *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		TileRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_tile_requests_total",
			Help: "Total number of tile requests by source, kind and status",
		}, []string{"source", "kind", "status"}),

		RenderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_render_latency_seconds",
			Help:    "Latency of tile renders in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"source", "kind"}),

		RenderTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_render_timeouts_total",
			Help: "Total number of renders that exceeded their deadline",
		}, []string{"source"}),

		PoolHandles: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_pool_handles",
			Help: "Handles per pool by state",
		}, []string{"source", "pool", "state"}),

		OversizeTiles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_vector_oversize_tiles_total",
			Help: "Compressed vector tiles above the logging threshold",
		}, []string{"source"}),

		OversizeBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_vector_oversize_bytes_total",
			Help: "Bytes of compressed vector tiles above the logging threshold",
		}, []string{"source"}),

		OversizeMaxBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_vector_oversize_max_bytes",
			Help: "Largest compressed vector tile above the logging threshold",
		}, []string{"source"}),
	}
}

func (m *Metrics) ObserveTile(source, kind, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.TileRequests.WithLabelValues(source, kind, status).Inc()
	if kind != "" {
		m.RenderLatency.WithLabelValues(source, kind).Observe(latency.Seconds())
	}
}

func (m *Metrics) ObserveTimeout(source string) {
	if m == nil {
		return
	}
	m.RenderTimeouts.WithLabelValues(source).Inc()
}

func (m *Metrics) ObservePool(source, pool string, free, inUse int) {
	if m == nil {
		return
	}
	m.PoolHandles.WithLabelValues(source, pool, "free").Set(float64(free))
	m.PoolHandles.WithLabelValues(source, pool, "in_use").Set(float64(inUse))
}

func (m *Metrics) ObserveOversize(source string, size int, max int64) {
	if m == nil {
		return
	}
	m.OversizeTiles.WithLabelValues(source).Inc()
	m.OversizeBytes.WithLabelValues(source).Add(float64(size))
	m.OversizeMaxBytes.WithLabelValues(source).Set(float64(max))
}
