// Package metrics holds the Prometheus collectors of the service. Collectors
// are usable before Register; Register only exposes them.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mutation outcomes reported by the push path.
const (
	OutcomeApplied  = "applied"
	OutcomeSkipped  = "skipped"
	OutcomeRejected = "rejected"
	OutcomeUnknown  = "unknown"
)

var (
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifelog_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"method", "route", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lifelog_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	Mutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifelog_sync_mutations_total",
		Help: "Pushed mutations by kind and outcome.",
	}, []string{"kind", "outcome"})

	PushBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifelog_sync_push_batches_total",
		Help: "Push batches by kind and result.",
	}, []string{"kind", "result"})

	PullPatchOps = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lifelog_sync_pull_patch_ops",
		Help:    "Patch operations returned per pull.",
		Buckets: []float64{0, 1, 5, 25, 100, 500, 2500},
	}, []string{"kind"})

	PullSnapshots = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifelog_sync_pull_snapshots_total",
		Help: "Pulls answered with a full snapshot.",
	}, []string{"kind"})

	TombstonesCompacted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lifelog_sync_tombstones_compacted_total",
		Help: "Tombstones removed by compaction.",
	})
)

var (
	registerOnce sync.Once
	registerErr  error
)

// Register adds every collector to reg (prometheus.DefaultRegisterer if nil)
// and returns the /metrics handler.
func Register(reg prometheus.Registerer) (http.Handler, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registerOnce.Do(func() {
		for _, c := range []prometheus.Collector{
			HTTPRequests, HTTPDuration, Mutations, PushBatches,
			PullPatchOps, PullSnapshots, TombstonesCompacted,
		} {
			if err := reg.Register(c); err != nil {
				var already prometheus.AlreadyRegisteredError
				if errors.As(err, &already) {
					continue
				}
				registerErr = err
				return
			}
		}
	})
	if registerErr != nil {
		return nil, registerErr
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{}), nil
	}
	return promhttp.Handler(), nil
}

// ObserveHTTP records one finished request.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
