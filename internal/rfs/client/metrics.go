package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	pages        *prometheus.CounterVec
	batches      *prometheus.CounterVec
	revalidate   *prometheus.CounterVec
	pageFailures *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		pages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rfs_client_pages_total",
			Help: "Total number of pages transferred to or from the remote core.",
		}, []string{"op"}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rfs_client_page_batches_total",
			Help: "Total number of batched page requests sent to the remote core.",
		}, []string{"op"}),
		revalidate: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rfs_client_revalidations_total",
			Help: "Total number of quick dentry revalidations by result.",
		}, []string{"result"}),
		pageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rfs_client_page_failures_total",
			Help: "Total number of pages whose transfer failed.",
		}, []string{"op"}),
	}
}
