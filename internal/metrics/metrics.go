// Package metrics holds the Prometheus collectors of the dashboard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Record origins.
const (
	OriginSnapshot = "snapshot"
	OriginLive     = "live"
)

type Metrics struct {
	registry *prometheus.Registry

	RecordsIngested  *prometheus.CounterVec
	RecordsRejected  *prometheus.CounterVec
	LiveReconnects   *prometheus.CounterVec
	ViewsActive      prometheus.Gauge
	WebSocketClients prometheus.Gauge
	AggregationTime  prometheus.Histogram
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RecordsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trafficwatch",
			Name:      "records_ingested_total",
			Help:      "Detection records accepted into a view.",
		}, []string{"origin"}),
		RecordsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trafficwatch",
			Name:      "records_rejected_total",
			Help:      "Detection records dropped at the ingestion boundary.",
		}, []string{"origin"}),
		LiveReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trafficwatch",
			Name:      "live_reconnects_total",
			Help:      "Reconnection attempts of the live channel.",
		}, []string{"transport"}),
		ViewsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "trafficwatch",
			Name:      "views_active",
			Help:      "Dashboard views currently open.",
		}),
		WebSocketClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "trafficwatch",
			Name:      "ws_clients",
			Help:      "Connected dashboard websocket clients.",
		}),
		AggregationTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trafficwatch",
			Name:      "aggregation_seconds",
			Help:      "Time spent recomputing the dashboard views.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WatchFrames exports the number of live frames replaced before anybody
// fetched them. Call it once.
func (m *Metrics) WatchFrames(overwritten func() uint64) {
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{
		Namespace: "trafficwatch",
		Name:      "frames_overwritten_total",
		Help:      "Camera frames replaced by a newer frame.",
	}, func() float64 { return float64(overwritten()) })
}
