package threshold

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	cache    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groupseal",
			Name:      "keyserver_requests_total",
			Help:      "Key server requests by server, operation and outcome.",
		}, []string{"server", "op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "groupseal",
			Name:      "keyserver_request_duration_seconds",
			Help:      "Key server request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server", "op"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groupseal",
			Name:      "key_cache_total",
			Help:      "User key cache lookups by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.cache)
	}
	return m
}
