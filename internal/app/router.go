// Package app wires the broker's HTTP surface together.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/openclaw/internal/adapter/httpserver"
	"github.com/fairyhunter13/openclaw/internal/adapter/observability"
	"github.com/fairyhunter13/openclaw/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
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
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Bot-facing endpoints; create is rate limited per IP.
	r.Group(func(br chi.Router) {
		br.Use(srv.RequireBotToken())
		br.Group(func(cr chi.Router) {
			cr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			cr.Post("/jobs", srv.CreateJobHandler())
		})
		br.Get("/jobs/{id}", srv.GetJobHandler())
	})

	// Worker-facing endpoints.
	r.Group(func(wr chi.Router) {
		wr.Use(srv.RequireWorkerToken())
		wr.Get("/jobs/next", srv.NextJobHandler())
		wr.Post("/jobs/{id}/result", srv.ResultHandler())
		wr.Post("/jobs/{id}/fail", srv.FailHandler())
	})

	// Health and metrics
	r.Get("/health", srv.HealthHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
