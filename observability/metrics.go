// Package observability holds the Prometheus metrics exported by the
// commander and recorded by worker bookkeeping.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drover_claims_total",
		Help: "Task claims by result (claimed, empty, rate_limited, error).",
	}, []string{"result"})

	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drover_sends_total",
		Help: "Send attempts by outcome kind.",
	}, []string{"kind"})

	TasksBlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drover_tasks_blocked_total",
		Help: "Tasks blocked, by reason.",
	}, []string{"reason"})

	WorkerRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drover_worker_restarts_total",
		Help: "Worker process restarts, by profile.",
	}, []string{"profile"})

	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drover_workers_active",
		Help: "Worker processes currently running.",
	})

	ProxyRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drover_proxy_rotations_total",
		Help: "Proxy rotations triggered by the chat_not_found policy.",
	})

	StaleTasksReset = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drover_stale_tasks_reset_total",
		Help: "in_progress tasks returned to pending by the reaper.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drover_queue_depth",
		Help: "Tasks by status for the active group.",
	}, []string{"status"})

	SendDelaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drover_send_delay_seconds",
		Help:    "Observed delay between consecutive sends per worker.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)
