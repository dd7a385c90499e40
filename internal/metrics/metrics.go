// Package metrics exposes Prometheus instrumentation for the pipeline and
// delivery paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineRuns counts completed acquisition pipeline runs by result.
	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ytrelay",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Completed acquisition pipeline runs by result.",
	}, []string{"result"})

	// CoalescedRequests counts callers that attached to an in-flight run
	// instead of starting their own.
	CoalescedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ytrelay",
		Subsystem: "pipeline",
		Name:      "coalesced_requests_total",
		Help:      "Requests that joined an already-running pipeline.",
	})

	// Deliveries counts delivery attempts by kind, mode and result.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ytrelay",
		Subsystem: "delivery",
		Name:      "requests_total",
		Help:      "Delivery attempts by media kind, delivery mode and result.",
	}, []string{"kind", "mode", "result"})

	// ExpiredRetries counts delete-and-reacquire cycles triggered by expired
	// store handles.
	ExpiredRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ytrelay",
		Subsystem: "delivery",
		Name:      "expired_handle_retries_total",
		Help:      "Delete-and-reacquire cycles triggered by expired handles.",
	})

	// ProxiedBytes counts bytes relayed through the proxy-streaming path.
	ProxiedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ytrelay",
		Subsystem: "delivery",
		Name:      "proxied_bytes_total",
		Help:      "Bytes relayed from the durable store to clients.",
	})
)
