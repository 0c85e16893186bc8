package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esimd_http_requests_total",
		Help: "Total HTTP requests by route and status class",
	}, []string{"method", "route", "code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "esimd_http_request_duration_ms",
		Help:    "HTTP request latency in milliseconds",
		Buckets: []float64{5, 25, 100, 500, 2000, 10000, 60000},
	}, []string{"route"})

	ChangeFeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "esimd_change_feed_clients",
		Help: "Current number of connected change feed websockets",
	})
)
