package api

import (
	"encoding/json"
	"time"

	"caseflow/internal/approvals"
	"caseflow/internal/database"
	"caseflow/internal/locks"
	"caseflow/internal/notifications"
	"caseflow/internal/queue"
	"caseflow/internal/sla"
	"caseflow/internal/workflow"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// formatStored re-renders a timestamp kept as RFC3339 text in the database.
func formatStored(value string) string {
	if value == "" {
		return ""
	}
	t, err := database.ParseTime(value)
	if err != nil {
		return value
	}
	return formatTime(t)
}

// FromJob converts a queue job to its API representation.
func FromJob(job *queue.Job) Job {
	if job == nil {
		return Job{}
	}
	dto := Job{
		ID:          job.ID,
		Type:        string(job.Type),
		DocumentID:  job.DocumentID,
		CaseID:      job.CaseID,
		Status:      string(job.Status),
		Priority:    int(job.Priority),
		RetryCount:  job.RetryCount,
		MaxRetries:  job.MaxRetries,
		LastError:   job.LastError,
		ErrorClass:  job.ErrorClass,
		WorkerID:    job.WorkerID,
		NotBefore:   formatTime(job.NotBefore),
		Confidence:  job.Confidence,
		GateReason:  job.GateReason,
		NeedsReview: job.Status == queue.StatusNeedsReview,
		StartedAt:   formatTimePtr(job.StartedAt),
		FinishedAt:  formatTimePtr(job.FinishedAt),
		CreatedAt:   formatTime(job.CreatedAt),
		UpdatedAt:   formatTime(job.UpdatedAt),
	}
	if raw := job.ResultJSON; raw != "" && json.Valid([]byte(raw)) {
		dto.Result = json.RawMessage(raw)
	}
	return dto
}

// FromJobs converts a slice of jobs into API DTOs.
func FromJobs(jobs []*queue.Job) []Job {
	out := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, FromJob(job))
	}
	return out
}

// FromLockResult converts a lock outcome.
func FromLockResult(res locks.Result) LockResult {
	return LockResult{
		Success:    res.Success,
		Reason:     string(res.Reason),
		DocumentID: res.DocumentID,
		Holder:     res.Holder,
		ExpiresAt:  formatTime(res.ExpiresAt),
	}
}

// FromLockInfo converts lock state and its audit trail.
func FromLockInfo(info locks.Info, events []locks.Event) LockStatus {
	dto := LockStatus{
		DocumentID: info.DocumentID,
		CaseID:     info.CaseID,
		Held:       info.Held,
		Holder:     info.Holder,
		AcquiredAt: formatTimePtr(info.AcquiredAt),
		RenewedAt:  formatTimePtr(info.RenewedAt),
		ExpiresAt:  formatTimePtr(info.ExpiresAt),
	}
	for _, evt := range events {
		dto.Events = append(dto.Events, LockEvent{
			Kind:      string(evt.Kind),
			Holder:    evt.Holder,
			Actor:     evt.Actor,
			CreatedAt: formatStored(evt.CreatedAt),
		})
	}
	return dto
}

// FromInstance converts a workflow instance.
func FromInstance(inst *workflow.Instance) Workflow {
	if inst == nil {
		return Workflow{}
	}
	return Workflow{
		ID:                inst.ID,
		CaseID:            inst.CaseID,
		WorkflowType:      inst.WorkflowType,
		Stage:             inst.Stage,
		Priority:          string(inst.Priority),
		ReviewPriority:    inst.ReviewPriority,
		StageEnteredAt:    formatTime(inst.StageEnteredAt),
		SLADeadline:       formatTimePtr(inst.SLADeadline),
		SLAViolated:       inst.SLAViolated,
		SLAAcknowledgedBy: inst.SLAAcknowledgedBy,
		CompletedAt:       formatTimePtr(inst.CompletedAt),
	}
}

// FromInstances converts a slice of workflow instances.
func FromInstances(instances []*workflow.Instance) []Workflow {
	out := make([]Workflow, 0, len(instances))
	for _, inst := range instances {
		out = append(out, FromInstance(inst))
	}
	return out
}

// FromTransitions converts recorded stage changes.
func FromTransitions(transitions []workflow.Transition) []Transition {
	out := make([]Transition, 0, len(transitions))
	for _, tr := range transitions {
		out = append(out, Transition{
			From:            tr.From,
			To:              tr.To,
			Kind:            string(tr.Kind),
			EnteredAt:       formatStored(tr.EnteredAt),
			DurationSeconds: tr.DurationSeconds,
			Actor:           tr.Actor,
			Reason:          tr.Reason,
		})
	}
	return out
}

// FromNotifications converts stored notifications.
func FromNotifications(items []*notifications.Notification) []Notification {
	out := make([]Notification, 0, len(items))
	for _, n := range items {
		out = append(out, FromNotification(n))
	}
	return out
}

// FromNotification converts one stored notification.
func FromNotification(n *notifications.Notification) Notification {
	if n == nil {
		return Notification{}
	}
	return Notification{
		ID:                 n.ID,
		Type:               string(n.Type),
		Severity:           string(n.Severity),
		Recipient:          n.Recipient,
		Subject:            n.Subject,
		Message:            n.Message,
		CaseID:             n.CaseID,
		WorkflowInstanceID: n.WorkflowInstanceID,
		Read:               n.ReadAt != nil,
		Delivered:          n.DeliveredAt != nil,
		CreatedAt:          formatTime(n.CreatedAt),
	}
}

// FromApproval converts a tool-approval record.
func FromApproval(a *approvals.Approval) Approval {
	if a == nil {
		return Approval{}
	}
	return Approval{
		ID:          a.ID,
		CaseID:      a.CaseID,
		Tool:        a.Tool,
		RequestedBy: a.RequestedBy,
		Status:      string(a.Status),
		DecidedBy:   a.DecidedBy,
		DecidedAt:   formatTimePtr(a.DecidedAt),
		CreatedAt:   formatTime(a.CreatedAt),
	}
}

// FromSLAReport converts an SLA sweep report.
func FromSLAReport(r sla.Report) SLASweepResponse {
	return SLASweepResponse{
		CheckedAt:      formatTime(r.CheckedAt),
		Instances:      r.Instances,
		Warnings:       r.Warnings,
		Violations:     r.Violations,
		NewViolations:  r.NewViolations,
		ApprovalAlerts: r.ApprovalAlerts,
		FailureBursts:  r.FailureBursts,
		Suppressed:     r.Suppressed,
	}
}

// FromReclaimed converts the locks cleared by a lock sweep.
func FromReclaimed(timeoutSeconds int, reclaimed []locks.Reclaimed) LockSweepResponse {
	resp := LockSweepResponse{TimeoutSeconds: timeoutSeconds, Reclaimed: make([]ReclaimedLock, 0, len(reclaimed))}
	for _, r := range reclaimed {
		resp.Reclaimed = append(resp.Reclaimed, ReclaimedLock{
			DocumentID:     r.DocumentID,
			CaseID:         r.CaseID,
			Holder:         r.Holder,
			HeldForSeconds: r.HeldFor.Seconds(),
			ReclaimedAt:    formatTime(r.ReclaimedAt),
		})
	}
	return resp
}

// FromDiagnosis converts a diagnostic sweep.
func FromDiagnosis(d queue.Diagnosis) DiagnoseResponse {
	resp := DiagnoseResponse{
		GeneratedAt:     formatTime(d.GeneratedAt),
		Cases:           make(map[string]map[string]int, len(d.Cases)),
		RequeueEligible: fromRefs(d.RequeueEligible),
		MissingSource:   fromRefs(d.MissingSource),
		Paused:          FromJobs(d.Paused),
	}
	for _, c := range d.Cases {
		counts := make(map[string]int, len(c.Counts))
		for status, n := range c.Counts {
			counts[string(status)] = n
		}
		resp.Cases[c.CaseID] = counts
	}
	return resp
}

func fromRefs(refs []queue.DocumentRef) []DocumentRef {
	out := make([]DocumentRef, 0, len(refs))
	for _, ref := range refs {
		out = append(out, DocumentRef{
			DocumentID: ref.DocumentID,
			CaseID:     ref.CaseID,
			LastError:  ref.LastError,
			RetryCount: ref.RetryCount,
		})
	}
	return out
}
