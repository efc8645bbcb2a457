// Package api exposes the HTTP interface for the tracker service: run
// administration, snapshots, predictions, and the SSE change stream.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/e3brown-rba/ikoma-tracker/internal/config"
	"github.com/e3brown-rba/ikoma-tracker/internal/estimate"
	"github.com/e3brown-rba/ikoma-tracker/internal/run"
	"github.com/e3brown-rba/ikoma-tracker/internal/track"
)

const requestTimeout = 30 * time.Second

// IDGenerator produces run ids when the caller does not supply one.
type IDGenerator interface {
	NewID() (string, error)
}

// Server wires HTTP handlers to the run store and estimator.
type Server struct {
	router    chi.Router
	store     *track.Store
	estimator *estimate.Estimator
	idGen     IDGenerator
	clock     run.Clock
	cfg       config.Config
	logger    *zap.Logger
	broker    *eventBroker
}

// NewServer constructs a Server with middleware and routes, and subscribes
// its SSE broker to the store. The metrics handler is injected so the binary
// controls which Prometheus registry is served.
func NewServer(
	store *track.Store,
	estimator *estimate.Estimator,
	idGen IDGenerator,
	clock run.Clock,
	cfg config.Config,
	metrics http.Handler,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:     store,
		estimator: estimator,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		broker:    newEventBroker(logger),
	}
	store.Subscribe(s.broker.publish)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	// The SSE stream stays outside the timeout group: http.TimeoutHandler
	// buffers responses, which breaks flushing.
	r.Get("/v1/events", s.streamEvents)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		r.Route("/v1", func(r chi.Router) {
			r.Get("/stats", s.getStats)
			r.Route("/runs", func(r chi.Router) {
				r.Post("/", s.createRun)
				r.Get("/", s.listRuns)
				r.Route("/{run_id}", func(r chi.Router) {
					r.Get("/", s.getRun)
					r.Patch("/", s.patchRun)
					r.Delete("/", s.deleteRun)
					r.Post("/output", s.ingestOutput)
					r.Post("/complete", s.completeRun)
					r.Post("/fail", s.failRun)
					r.Get("/prediction", s.getPrediction)
				})
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// The store is in-memory and always ready.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encoding to an already-committed response can only fail on a dead
	// connection; nothing useful to do about it here.
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
