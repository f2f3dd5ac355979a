package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"caseflow/internal/auth"
	"caseflow/internal/locks"
	"caseflow/internal/logging"
	"caseflow/internal/notifications"
	"caseflow/internal/queue"
	"caseflow/internal/workflow"
)

const defaultListLimit = 200

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func queryLimit(r *http.Request) uint64 {
	limit, err := strconv.ParseUint(r.URL.Query().Get("limit"), 10, 64)
	if err != nil || limit == 0 {
		return defaultListLimit
	}
	return limit
}

func queryBool(r *http.Request, key string) bool {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	return value == "1" || strings.EqualFold(value, "true")
}

// queryList splits repeated and comma separated query values.
func queryList(r *http.Request, key string) []string {
	var out []string
	for _, value := range r.URL.Query()[key] {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

// requireAdmin writes 401/403 and returns false unless the caller is an admin.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "principal required")
		return false
	}
	if !principal.Admin {
		logging.WarnWithContext(logging.WithContext(r.Context(), s.logger), "admin route denied", "api_admin_denied",
			logging.String("actor", principal.ID),
			logging.String("path", r.URL.Path),
		)
		s.writeError(w, http.StatusForbidden, "admin principal required")
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Jobs.Stats(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := StatusResponse{
		GeneratedAt: formatTime(s.deps.Jobs.Now()),
		Jobs:        make(map[string]int, len(stats)),
		JobTotal:    stats.Total(),
		Workflows:   make(map[string]int),
	}
	for status, n := range stats {
		resp.Jobs[string(status)] = n
	}
	for _, workflowType := range workflow.Types() {
		counts, err := s.deps.Workflows.Count(r.Context(), workflowType)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		for stage, n := range counts {
			resp.Workflows[workflowType+"/"+stage] = n
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	filter := queue.Filter{
		CaseID:     strings.TrimSpace(r.URL.Query().Get("case")),
		DocumentID: strings.TrimSpace(r.URL.Query().Get("document")),
		Limit:      queryLimit(r),
	}
	for _, value := range queryList(r, "status") {
		filter.Statuses = append(filter.Statuses, queue.Status(strings.ToLower(value)))
	}
	for _, value := range queryList(r, "type") {
		filter.Types = append(filter.Types, queue.JobType(strings.ToLower(value)))
	}
	jobs, err := s.deps.Jobs.List(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, JobListResponse{Items: FromJobs(jobs)})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.deps.Jobs.GetByID(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, JobResponse{Item: FromJob(job)})
}

func (s *Server) handleJobReset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	reset, err := s.deps.Jobs.Reset(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if len(reset) == 0 {
		s.writeError(w, http.StatusConflict, "job is not failed or paused")
		return
	}
	s.writeJSON(w, http.StatusOK, JobResponse{Item: FromJob(reset[0])})
}

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("id")
	info, err := s.deps.Locks.Status(r.Context(), documentID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	var events []locks.Event
	if queryBool(r, "events") {
		events, err = s.deps.Locks.Events(r.Context(), documentID)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, FromLockInfo(info, events))
}

func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Locks.ReleaseLock(r.Context(), r.PathValue("id"), "")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, lockStatusCode(res.Reason), FromLockResult(res))
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := workflow.Filter{
		CaseID:       strings.TrimSpace(query.Get("case")),
		WorkflowType: strings.TrimSpace(query.Get("type")),
		Stages:       queryList(r, "stage"),
		ActiveOnly:   queryBool(r, "active"),
		ViolatedOnly: queryBool(r, "violated"),
		Limit:        queryLimit(r),
	}
	instances, err := s.deps.Workflows.List(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, WorkflowListResponse{Items: FromInstances(instances)})
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}
	inst, err := s.deps.Workflows.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	transitions, err := s.deps.Workflows.Transitions(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, WorkflowResponse{Item: FromInstance(inst), Transitions: FromTransitions(transitions)})
}

func (s *Server) handleWorkflowAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}
	inst, err := s.deps.Workflows.AcknowledgeViolation(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, WorkflowResponse{Item: FromInstance(inst)})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifications == nil {
		s.writeError(w, http.StatusServiceUnavailable, "notifications are not configured")
		return
	}
	filter := notifications.Filter{
		Recipient:  strings.TrimSpace(r.URL.Query().Get("recipient")),
		CaseID:     strings.TrimSpace(r.URL.Query().Get("case")),
		UnreadOnly: queryBool(r, "unread"),
		Limit:      queryLimit(r),
	}
	for _, value := range queryList(r, "type") {
		filter.Types = append(filter.Types, notifications.Type(value))
	}
	items, err := s.deps.Notifications.List(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NotificationListResponse{Items: FromNotifications(items)})
}

func (s *Server) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifications == nil {
		s.writeError(w, http.StatusServiceUnavailable, "notifications are not configured")
		return
	}
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid notification id")
		return
	}
	n, err := s.deps.Notifications.MarkRead(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, FromNotification(n))
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		s.writeError(w, http.StatusServiceUnavailable, "approvals are not configured")
		return
	}
	pending, err := s.deps.Approvals.Pending(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := ApprovalListResponse{Items: make([]Approval, 0, len(pending))}
	for _, a := range pending {
		resp.Items = append(resp.Items, FromApproval(a))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleApprovalRequest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		s.writeError(w, http.StatusServiceUnavailable, "approvals are not configured")
		return
	}
	var body ApprovalRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	approval, err := s.deps.Approvals.Request(r.Context(), body.CaseID, body.Tool)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, FromApproval(approval))
}

func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		s.writeError(w, http.StatusServiceUnavailable, "approvals are not configured")
		return
	}
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid approval id")
		return
	}
	var body ApprovalDecision
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	approval, err := s.deps.Approvals.Decide(r.Context(), id, body.Approve)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, FromApproval(approval))
}
