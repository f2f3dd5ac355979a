package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"caseflow/internal/approvals"
	"caseflow/internal/config"
	"caseflow/internal/locks"
	"caseflow/internal/logging"
	"caseflow/internal/metrics"
	"caseflow/internal/notifications"
	"caseflow/internal/queue"
	"caseflow/internal/services"
	"caseflow/internal/sla"
	"caseflow/internal/workflow"
)

// Deps are the stores the API reads and mutates. Nil optional stores turn
// their routes into 503 responses.
type Deps struct {
	Jobs          *queue.Store
	Locks         *locks.Manager
	Workflows     *workflow.Machine
	Notifications *notifications.Store
	Approvals     *approvals.Store
	SLA           *sla.Monitor
}

// Server is the caseflow HTTP API.
type Server struct {
	bind               string
	deps               Deps
	lockCleanupSeconds int
	logger             *slog.Logger
	handler            http.Handler

	listener net.Listener
	server   *http.Server
}

// New builds a server from configuration. Jobs, Locks and Workflows are required.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "api", "init", "configuration is required", nil)
	}
	if deps.Jobs == nil || deps.Locks == nil || deps.Workflows == nil {
		return nil, services.Wrap(services.ErrConfiguration, "api", "init", "jobs, locks and workflows are required", nil)
	}
	cleanup := cfg.Locks.CleanupTimeoutSeconds
	if cleanup <= 0 {
		cleanup = 600
	}
	s := &Server{
		bind:               strings.TrimSpace(cfg.API.Bind),
		deps:               deps,
		lockCleanupSeconds: cleanup,
		logger:             logging.NewComponentLogger(logger, "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJob)
	mux.HandleFunc("POST /api/jobs/{id}/reset", s.handleJobReset)
	mux.HandleFunc("GET /api/documents/{id}/lock", s.handleLockStatus)
	mux.HandleFunc("POST /api/documents/{id}/lock/release", s.handleLockRelease)
	mux.HandleFunc("GET /api/workflows", s.handleWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/acknowledge", s.handleWorkflowAcknowledge)
	mux.HandleFunc("GET /api/notifications", s.handleNotifications)
	mux.HandleFunc("POST /api/notifications/{id}/read", s.handleNotificationRead)
	mux.HandleFunc("GET /api/approvals", s.handleApprovals)
	mux.HandleFunc("POST /api/approvals", s.handleApprovalRequest)
	mux.HandleFunc("POST /api/approvals/{id}/decision", s.handleApprovalDecision)
	mux.HandleFunc("POST /api/sweeps/sla", s.handleSweepSLA)
	mux.HandleFunc("POST /api/sweeps/locks", s.handleSweepLocks)
	mux.HandleFunc("POST /api/sweeps/diagnose", s.handleSweepDiagnose)
	mux.Handle("GET /metrics", metrics.Handler())

	s.handler = tokenMiddleware(cfg.API.Token, identityMiddleware(mux))
	return s, nil
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.bind == "" {
		return services.Wrap(services.ErrConfiguration, "api", "listen", "api.bind is not set", nil)
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}

// writeFailure maps store errors onto HTTP status codes.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "api request failed", "api_request_failed",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Error(err),
		)
	}
	s.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, locks.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, services.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrStaleStage),
		errors.Is(err, approvals.ErrAlreadyDecided),
		errors.Is(err, queue.ErrNotClaimable):
		return http.StatusConflict
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, services.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// lockStatusCode maps a lock outcome to the response status.
func lockStatusCode(reason locks.Reason) int {
	switch reason {
	case locks.ReasonSuccess:
		return http.StatusOK
	case locks.ReasonAuthRequired:
		return http.StatusUnauthorized
	case locks.ReasonAccessDenied:
		return http.StatusForbidden
	case locks.ReasonDocumentNotFound:
		return http.StatusNotFound
	default:
		return http.StatusConflict
	}
}
