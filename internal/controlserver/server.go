// Package controlserver exposes the consumer REST surface and the worker RPC
// surface over one HTTP/2 (h2c) handler.
package controlserver

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/buildkite/jobrunner/internal/consumers"
	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/lifecycle"
	"github.com/buildkite/jobrunner/internal/tlsbootstrap"
	"github.com/buildkite/jobrunner/internal/tlsconfig"
	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const healthTimeout = 2 * time.Second

type Options struct {
	Manager   *lifecycle.Manager
	Consumers consumers.Directory
	// WorkerToken authenticates workers. An empty token disables the worker
	// RPC surface.
	WorkerToken string
	Logger      *log.Logger
}

type Server struct {
	manager     *lifecycle.Manager
	consumers   consumers.Directory
	workerToken string
	logger      *log.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Server{
		manager:     opts.Manager,
		consumers:   opts.Consumers,
		workerToken: opts.WorkerToken,
		logger:      logger,
	}
}

// Handler routes:
//
//	/v1/...                      consumer REST (key auth)
//	/jobrunner.v1.WorkerService/ worker RPC (token auth)
//	/healthz                     liveness plus a database ping
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	workerPath, workerHandler := s.workerHandler()
	router.PathPrefix(workerPath).Handler(s.requireCertRole(tlsbootstrap.RoleWorker)(workerHandler))
	consumerRoutes := router.PathPrefix("/v1").Subrouter()
	consumerRoutes.Use(s.requireCertRole(tlsbootstrap.RoleConsumer))
	s.registerConsumerRoutes(consumerRoutes)
	router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	return h2c.NewHandler(router, &http2.Server{})
}

type healthResponse struct {
	Status         string `json:"status"`
	WorkersEnabled bool   `json:"workers_enabled"`
	Error          string `json:"error,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", WorkersEnabled: s.workerToken != ""}
	status := http.StatusOK
	if s.manager != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.manager.Ping(ctx); err != nil {
			s.logger.Error("health check failed", "error", err)
			resp.Status, resp.Error = "unavailable", "database unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

// requireCertRole rejects mutual-TLS callers whose certificate was issued for
// a different role. Certificates that name no role, and connections without a
// verified client certificate, pass through to token or key auth.
func (s *Server) requireCertRole(want tlsbootstrap.Role) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := tlsconfig.PeerRole(r.TLS)
			if !ok || role == "" || role == string(want) {
				next.ServeHTTP(w, r)
				return
			}
			s.logger.Warn("client certificate used for the wrong surface", "role", role, "want", want, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, jobapi.ErrorResponse{
				Error: "client certificate is not valid for " + string(want) + " requests",
				Kind:  string(failure.KindAuth),
			})
		})
	}
}
