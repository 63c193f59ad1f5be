package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Исходы обработки job.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
)

var (
	// JobsEnqueued — добавленные в очередь job (и отброшенные как дубликаты).
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navigator",
		Name:      "jobs_enqueued_total",
		Help:      "Jobs added to named queues.",
	}, []string{"queue", "job", "outcome"})

	// JobsProcessed — обработанные job по исходу.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navigator",
		Name:      "jobs_processed_total",
		Help:      "Jobs handled by workers, by outcome.",
	}, []string{"queue", "job", "outcome"})

	// JobDuration — время обработки job.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "navigator",
		Name:      "job_duration_seconds",
		Help:      "Job handler duration.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"queue", "job"})

	// NodeTransitions — переходы node в статусы.
	NodeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navigator",
		Name:      "node_transitions_total",
		Help:      "Node status transitions.",
	}, []string{"status"})

	// RunsFinished — завершённые runs.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navigator",
		Name:      "runs_finished_total",
		Help:      "Runs that reached a terminal status.",
	}, []string{"status"})

	// DecisionCalls — вызовы сервиса решений (LLM).
	DecisionCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navigator",
		Name:      "decision_calls_total",
		Help:      "LLM decision calls by outcome.",
	}, []string{"agent", "outcome"})

	// BrowserSessions — активные браузерные сессии.
	BrowserSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "navigator",
		Name:      "browser_sessions",
		Help:      "Browser sessions currently held by runs.",
	})

	// EventsDispatched — сопоставления событий с flows и node.
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navigator",
		Name:      "events_dispatched_total",
		Help:      "Jobs produced by the event dispatcher.",
	}, []string{"target"})

	// HTTPRequests — запросы к HTTP API.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "navigator",
		Name:      "http_requests_total",
		Help:      "HTTP API requests by route and status class.",
	}, []string{"route", "code"})
)
