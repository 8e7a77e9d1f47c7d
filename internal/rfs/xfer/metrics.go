package xfer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	inUse     prometheus.Gauge
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	dropped   prometheus.Counter
	timeouts  prometheus.Counter
	exhausted prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		inUse: f.NewGauge(prometheus.GaugeOpts{
			Name: "rfs_xfer_slots_in_use",
			Help: "Number of transfer slots currently reserved.",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rfs_xfer_requests_total",
			Help: "Total number of requests sent to the remote core.",
		}, []string{"command", "mode"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rfs_xfer_request_duration_seconds",
			Help:    "Time between sending a request and receiving its reply.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"command"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "rfs_xfer_dropped_messages_total",
			Help: "Total number of inbound messages which were malformed or matched no request.",
		}),
		timeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "rfs_xfer_timeouts_total",
			Help: "Total number of requests which gave up waiting for a reply.",
		}),
		exhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "rfs_xfer_slot_exhausted_total",
			Help: "Total number of requests which failed to reserve a transfer slot.",
		}),
	}
}
