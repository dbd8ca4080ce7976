// Package api implements the control surface fronting the pipeline: health
// checks, feed CRUD, the stats aggregate, and Prometheus metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/darrenoakey/newsfeed-pipeline/internal/common/health"
	"github.com/darrenoakey/newsfeed-pipeline/internal/common/metrics"
	"github.com/darrenoakey/newsfeed-pipeline/internal/pipeline"
)

// NewRouter builds the chi router backing the control surface. ranker may be
// nil, in which case /training-sync responds 503.
func NewRouter(store pipeline.Store, ranker pipeline.Ranker, checker *health.Checker, export ExportConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	h := &Handlers{store: store, ranker: ranker, export: export}

	r.Get("/health", checker.HandleHealth)
	r.Get("/health/live", checker.HandleLive)
	r.Get("/health/ready", checker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/feeds", func(fr chi.Router) {
		fr.Get("/", h.ListFeeds)
		fr.Post("/", h.CreateFeed)
		fr.Delete("/{id}", h.DeleteFeed)
	})
	r.Get("/stats", h.Stats)
	r.Get("/export", h.Export)
	r.Post("/training-sync", h.SyncTraining)

	r.Get("/swagger/*", httpSwagger.WrapHandler)

	return r
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, http.StatusText(ww.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
