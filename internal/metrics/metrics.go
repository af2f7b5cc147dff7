package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// Pipeline metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auskunft_runs_started_total",
			Help: "Total number of pipeline runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auskunft_runs_completed_total",
			Help: "Total number of pipeline runs completed",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auskunft_run_duration_seconds",
			Help:    "End-to-end pipeline run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auskunft_stage_duration_seconds",
			Help:    "Per-stage duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	// Store metrics
	StoreSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auskunft_store_searches_total",
			Help: "Total store search calls",
		},
		[]string{"store", "status"},
	)

	StoreSearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auskunft_store_search_duration_seconds",
			Help:    "Store search duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"store"},
	)

	// Fusion metrics
	FusionSources = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auskunft_fusion_sources",
			Help:    "Number of unique sources after fusion",
			Buckets: []float64{1, 3, 5, 10, 20, 50, 100},
		},
		[]string{"strategy"},
	)

	RerankApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auskunft_rerank_applied_total",
			Help: "Rerank passes by outcome",
		},
		[]string{"outcome"},
	)

	// Agent metrics
	AgentExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auskunft_agent_executions_total",
			Help: "Total agent executions",
		},
		[]string{"agent_id", "status"},
	)

	AgentExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auskunft_agent_execution_duration_ms",
			Help:    "Agent execution duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"agent_id"},
	)

	RegistryAcquireWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auskunft_registry_acquire_wait_seconds",
			Help:    "Time spent waiting for an agent handle",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// Budget metrics
	BudgetOverflowActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auskunft_budget_overflow_actions_total",
			Help: "Overflow strategies applied",
		},
		[]string{"strategy"},
	)

	TokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auskunft_run_tokens_used",
			Help:    "Tokens consumed per run",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 20000, 32768},
		},
	)

	// Synthesis metrics
	SynthesisChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auskunft_synthesis_chunks_total",
			Help: "Streamed synthesis chunks forwarded",
		},
	)

	SynthesisOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auskunft_synthesis_outcome_total",
			Help: "Synthesis completions by outcome",
		},
		[]string{"outcome"},
	)

	// Progress bus metrics
	BusEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auskunft_bus_events_published_total",
			Help: "Progress events published",
		},
	)

	BusEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auskunft_bus_events_dropped_total",
			Help: "Progress events dropped per slow subscriber",
		},
		[]string{"kind"},
	)

	BusSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auskunft_bus_subscribers",
			Help: "Active progress subscribers",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auskunft_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// RecordStoreSearch records one store call outcome.
func RecordStoreSearch(store, status string, seconds float64) {
	StoreSearches.WithLabelValues(store, status).Inc()
	StoreSearchDuration.WithLabelValues(store).Observe(seconds)
}

// RecordStage records a completed stage duration.
func RecordStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Serve exposes /metrics on the given port until the process exits.
func Serve(port int, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server exited", zap.Error(err))
		}
	}()
	logger.Info("Metrics server listening", zap.Int("port", port))
	return srv
}
