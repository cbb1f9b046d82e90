// Package metrics holds the Prometheus collectors shared by the gateway and the RPC server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "weathergw"

type Metrics struct {
	CacheLookups     *prometheus.CounterVec
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	RPCRequests      *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
}

// New registers every collector on reg. Pass a fresh prometheus.NewRegistry()
// in tests to keep them isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Freshness lookups by result (hit, miss).",
		}, []string{"result"}),
		ProviderRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Upstream provider calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Upstream provider call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "RPC calls by method and status code.",
		}, []string{"method", "code"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "History store failures by operation.",
		}, []string{"operation"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Gateway requests by route and status.",
		}, []string{"route", "status"}),
	}
}

// Nop returns collectors registered on a private registry nobody scrapes.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
