// Package app assembles the HTTP router, readiness probes and background
// maintenance loops from the adapters.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	httpserver "github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(requestTimeout(cfg)))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{httpserver.RequestIDHeader, "ETag", "Location"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/v1", func(v1 chi.Router) {
		// Mutating endpoints are rate limited per client IP.
		v1.Group(func(wr chi.Router) {
			if cfg.RateLimitPerMin > 0 {
				wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			}
			wr.Post("/materials", srv.RegisterMaterialHandler())
			wr.Put("/materials/{id}/extraction", srv.MaterialExtractionHandler())
			wr.Post("/submissions", srv.RegisterSubmissionHandler())
			wr.Put("/submissions/{id}/extraction", srv.SubmissionExtractionHandler())
			wr.Post("/grading-jobs", srv.SubmitJobHandler())
		})
		v1.Get("/grading-jobs/{id}", srv.JobStatusHandler())
		v1.Get("/grading-jobs/{id}/results", srv.JobResultsHandler())
	})

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(httpserver.SecurityHeaders(r), "http.server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func requestTimeout(cfg config.Config) time.Duration {
	if cfg.HTTPWriteTimeout > time.Second {
		return cfg.HTTPWriteTimeout - time.Second
	}
	return 30 * time.Second
}
