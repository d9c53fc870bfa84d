package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TrainingJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lrtc_training_jobs_total",
			Help: "Total training jobs by model type and final status",
		},
		[]string{"model_type", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lrtc_job_duration_seconds",
			Help:    "Background job duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"status"},
	)

	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lrtc_active_jobs",
			Help: "Background jobs currently running",
		},
	)

	InferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lrtc_infer_duration_seconds",
			Help:    "Inference call duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"model_type"},
	)

	InferredItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lrtc_inferred_items_total",
			Help: "Items passed to a model implementation (cache misses only)",
		},
		[]string{"model_type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lrtc_prediction_cache_hits_total",
			Help: "Total prediction cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lrtc_prediction_cache_misses_total",
			Help: "Total prediction cache misses",
		},
		[]string{"cache_type"},
	)

	CacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lrtc_prediction_cache_entries",
			Help: "Entries held by a prediction cache after its last persist",
		},
		[]string{"cache_type"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lrtc_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

func Init() {
	prometheus.MustRegister(TrainingJobsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ActiveJobs)
	prometheus.MustRegister(InferDuration)
	prometheus.MustRegister(InferredItems)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(CacheEntries)
	prometheus.MustRegister(BreakerState)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
