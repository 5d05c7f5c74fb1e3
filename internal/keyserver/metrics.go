package keyserver

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests *prometheus.CounterVec
	keys     prometheus.Counter
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groupseal",
			Subsystem: "keyserver",
			Name:      "fetch_key_total",
			Help:      "fetch_key requests by outcome.",
		}, []string{"outcome"}),
		keys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "groupseal",
			Subsystem: "keyserver",
			Name:      "keys_released_total",
			Help:      "User secret keys released.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "groupseal",
			Subsystem: "keyserver",
			Name:      "request_seconds",
			Help:      "Request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(m.requests, m.keys, m.duration)
	return m
}
