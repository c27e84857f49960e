// ABOUTME: Prometheus collectors for agents, tasks, deployments, and the HTTP API
// ABOUTME: Registered on the default registry through promauto and served at the metrics path

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Agents tracks agents by effective status, refreshed by the sweeper.
	Agents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dockhand_agents",
		Help: "Number of registered agents by effective status",
	}, []string{"status"})

	// AgentRegistrations counts register calls by outcome.
	AgentRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockhand_agent_registrations_total",
		Help: "Agent registration attempts",
	}, []string{"result"}) // result: created, refreshed, rejected

	// Heartbeats counts heartbeat calls by outcome.
	Heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockhand_heartbeats_total",
		Help: "Agent heartbeats received",
	}, []string{"result"}) // result: ok, unknown_agent, rate_limited

	// TasksCreated counts tasks queued by type.
	TasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockhand_tasks_created_total",
		Help: "Tasks queued for agents",
	}, []string{"type"})

	// TaskTransitions counts task status writes by resulting status.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockhand_task_transitions_total",
		Help: "Task status transitions applied",
	}, []string{"status"})

	// TaskDuration observes time from task creation to a terminal status.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dockhand_task_duration_seconds",
		Help:    "Time from task creation to terminal status",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
	}, []string{"type", "status"})

	// DispatchRejections counts dispatch attempts refused before queueing.
	DispatchRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockhand_dispatch_rejections_total",
		Help: "Dispatch attempts rejected before a task was created",
	}, []string{"reason"}) // reason: not_found, not_online, invalid

	// DeploymentTransitions counts deployment status projections.
	DeploymentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockhand_deployment_transitions_total",
		Help: "Deployment status changes applied by the reconciler",
	}, []string{"status"})

	// IdempotentReplays counts responses served from the idempotency store.
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dockhand_idempotent_replays_total",
		Help: "Dispatch responses replayed for a repeated Idempotency-Key",
	})

	// StreamClients tracks open agent WebSocket streams.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockhand_stream_clients",
		Help: "Open agent task streams",
	})

	// HTTPRequests counts API requests by route template and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockhand_http_requests_total",
		Help: "HTTP requests served",
	}, []string{"route", "method", "code"})

	// HTTPDuration observes API latency by route template.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dockhand_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})
)
