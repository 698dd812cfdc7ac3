// Package adminhttp provides the small HTTP admin surface every WIP server
// binary runs alongside its UDP listener: liveness, build version, and a
// Prometheus scrape endpoint, built on gorilla/mux exactly as the original
// HTTP-facing service wired its router.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wip-weather/wip-gateway/internal/runtime"
	"github.com/wip-weather/wip-gateway/internal/version"
)

// Server is the admin HTTP listener. It never affects whether a UDP
// dispatcher serves requests — it is pure observability surface.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// New builds the admin HTTP server for one WIP server binary. stats, when
// non-nil, is exposed as JSON under /stats; serviceName labels /version.
func New(addr string, serviceName string, stats *runtime.Stats, logger *zap.Logger) *Server {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET")

	router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		info := version.Get()
		info.Platform = serviceName + "@" + info.Platform
		if err := json.NewEncoder(w).Encode(info); err != nil {
			logger.Error("failed to encode version info", zap.Error(err))
		}
	}).Methods("GET")

	if stats != nil {
		router.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(stats.Snapshot()); err != nil {
				logger.Error("failed to encode stats", zap.Error(err))
			}
		}).Methods("GET")
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Start runs the listener until Shutdown is called. It always returns a
// non-nil error; http.ErrServerClosed signals a clean shutdown.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
