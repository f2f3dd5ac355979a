package api

import (
	"net/http"
	"time"

	"caseflow/internal/logging"
)

// Sweeps are idempotent; schedulers may call them on any cadence and
// concurrently.

func (s *Server) handleSweepSLA(w http.ResponseWriter, r *http.Request) {
	if s.deps.SLA == nil {
		s.writeError(w, http.StatusServiceUnavailable, "sla monitor is not configured")
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	report, err := s.deps.SLA.Sweep(r.Context(), time.Time{})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, FromSLAReport(report))
}

func (s *Server) handleSweepLocks(w http.ResponseWriter, r *http.Request) {
	reclaimed, err := s.deps.Locks.CleanupExpiredLocks(r.Context(), s.lockCleanupSeconds)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	logging.WithContext(r.Context(), s.logger).Info("lock sweep triggered",
		logging.String(logging.FieldEventType, "api_lock_sweep"),
		logging.Int("reclaimed", len(reclaimed)),
	)
	s.writeJSON(w, http.StatusOK, FromReclaimed(s.lockCleanupSeconds, reclaimed))
}

func (s *Server) handleSweepDiagnose(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	diag, err := s.deps.Jobs.Diagnose(r.Context(), time.Time{})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, FromDiagnosis(diag))
}
