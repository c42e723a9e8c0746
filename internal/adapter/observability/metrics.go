package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by provider and operation",
		},
		[]string{"provider", "operation"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "operation"},
	)
	AIFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_failures_total",
			Help: "AI request failures by provider and failure class",
		},
		[]string{"provider", "reason"},
	)
	FallbackExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_fallback_exhausted_total",
			Help: "Times every provider in the chain failed for an operation",
		},
		[]string{"operation"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of grading jobs enqueued",
		},
		[]string{"mode"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of grading jobs currently processing",
		},
		[]string{"mode"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of grading jobs completed",
		},
		[]string{"mode"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of grading jobs failed",
		},
		[]string{"mode"},
	)

	ResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grading_results_total",
			Help: "Grading results by status and whether they were degraded",
		},
		[]string{"status", "degraded"},
	)
	ScorePercentHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grading_score_percent",
			Help:    "Distribution of totalScore / maxPossibleScore as a percentage",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)
	SchemaOriginTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grading_schema_origin_total",
			Help: "Analyzed schemas by origin (ai, heuristic, default)",
		},
		[]string{"origin"},
	)
)

var registerOnce sync.Once

// InitMetrics registers all collectors with the default registry. Safe to
// call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			AIRequestsTotal,
			AIRequestDuration,
			AIFailuresTotal,
			FallbackExhaustedTotal,
			JobsEnqueuedTotal,
			JobsProcessing,
			JobsCompletedTotal,
			JobsFailedTotal,
			ResultsTotal,
			ScorePercentHistogram,
			SchemaOriginTotal,
		)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

func EnqueueJob(mode string) {
	JobsEnqueuedTotal.WithLabelValues(mode).Inc()
}

func StartProcessingJob(mode string) {
	JobsProcessing.WithLabelValues(mode).Inc()
}

func CompleteJob(mode string) {
	JobsProcessing.WithLabelValues(mode).Dec()
	JobsCompletedTotal.WithLabelValues(mode).Inc()
}

func FailJob(mode string) {
	JobsProcessing.WithLabelValues(mode).Dec()
	JobsFailedTotal.WithLabelValues(mode).Inc()
}

// RecordAIFailure counts a failed provider call under a coarse reason label.
func RecordAIFailure(provider, reason string) {
	AIFailuresTotal.WithLabelValues(provider, reason).Inc()
}

// RecordFallbackExhausted counts an operation for which no provider succeeded.
func RecordFallbackExhausted(operation string) {
	FallbackExhaustedTotal.WithLabelValues(operation).Inc()
}

// RecordSchemaOrigin counts analyzed schemas by how they were produced.
func RecordSchemaOrigin(origin string) {
	SchemaOriginTotal.WithLabelValues(origin).Inc()
}

// ObserveResult records the outcome of a graded submission.
func ObserveResult(status string, degraded bool, total, maxPossible float64) {
	d := "false"
	if degraded {
		d = "true"
	}
	ResultsTotal.WithLabelValues(status, d).Inc()
	if !degraded && maxPossible > 0 {
		pct := total / maxPossible * 100
		if pct >= 0 && pct <= 100 {
			ScorePercentHistogram.Observe(pct)
		}
	}
}
