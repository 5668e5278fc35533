package observability

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Readiness is the narrow view of *credentials.Reconciler the
// /startup-status handler needs.
type Readiness interface {
	AllPresent() bool
}

// Server is the HTTP surface from spec section 6: /metrics, /health, and
// /startup-status on METRICS_PORT.
type Server struct {
	router    *chi.Mux
	readiness Readiness
}

// NewServer builds the chi-routed HTTP surface, serving the given
// registry's collectors on /metrics. It registers nothing itself: build the
// registry with NewRegistry, which uses a dedicated registry so repeated
// test construction never panics on duplicate registration.
func NewServer(registry *prometheus.Registry, readiness Readiness, log logr.Logger) *Server {
	s := &Server{router: chi.NewRouter(), readiness: readiness}

	s.router.Use(middleware.Recoverer)
	s.router.Get("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/startup-status", s.handleStartupStatus)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type startupStatusResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleStartupStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.readiness.AllPresent() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(startupStatusResponse{Status: "ready"})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(startupStatusResponse{Status: "not_ready"})
}

// NewRegistry builds a fresh registry with this package's collectors
// registered, so the caller (bootstrap) owns exactly one registry per
// process.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
