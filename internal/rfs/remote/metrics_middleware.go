package remote

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rfratto/rfs/internal/rfs"
)

// NewMetricsMiddleware returns a middleware which records the count, result,
// and duration of requests. Metrics are registered against reg; a nil reg
// leaves them unregistered.
func NewMetricsMiddleware(reg prometheus.Registerer) Middleware {
	f := promauto.With(reg)
	return &metricsMiddleware{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rfs_remote_requests_total",
			Help: "Total number of requests handled by the remote core.",
		}, []string{"command", "result"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rfs_remote_request_duration_seconds",
			Help:    "Time spent handling requests.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"command"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "rfs_remote_requests_in_flight",
			Help: "Number of requests currently being handled.",
		}),
	}
}

type metricsMiddleware struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

func (mm *metricsMiddleware) HandleRequest(ctx context.Context, hdr *RequestHeader, req rfs.Payload, invoker Invoker) (rfs.Payload, error) {
	mm.inFlight.Inc()
	defer mm.inFlight.Dec()

	start := time.Now()
	resp, err := invoker(ctx, hdr, req)
	mm.duration.WithLabelValues(hdr.Command.String()).Observe(time.Since(start).Seconds())

	result := "success"
	if err != nil {
		result = "error"
	}
	mm.requests.WithLabelValues(hdr.Command.String(), result).Inc()
	return resp, err
}
