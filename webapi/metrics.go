package webapi

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics is a no-op when no registry was configured.
type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	cacheOps *prometheus.CounterVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropdesk_http_requests_total",
				Help: "API requests by route and response status",
			},
			[]string{"route", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dropdesk_http_request_duration_seconds",
				Help:    "API request duration in seconds, including streamed chat bodies",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"route"},
		),
		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropdesk_search_cache_total",
				Help: "Augmented search cache lookups by result",
			},
			[]string{"result"}, // hit|miss
		),
	}
	reg.MustRegister(m.requests, m.duration, m.cacheOps)
	return m
}

func (m *metrics) observe(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *metrics) cache(result string) {
	if m == nil {
		return
	}
	m.cacheOps.WithLabelValues(result).Inc()
}
