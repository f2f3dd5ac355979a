// Package sla sweeps active workflows for stage deadlines, overdue tool
// approvals, and bursts of job failures, and turns what it finds into
// de-duplicated notifications.
//
// Sweep is idempotent and safe to run concurrently from several schedulers:
// violations are set with a conditional update, approvals are claimed with a
// conditional update, and notifications de-duplicate on their key.
package sla

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"caseflow/internal/approvals"
	"caseflow/internal/config"
	"caseflow/internal/logging"
	"caseflow/internal/notifications"
	"caseflow/internal/queue"
	"caseflow/internal/workflow"
)

// Deps are the stores the monitor reads and writes.
type Deps struct {
	Workflows     *workflow.Machine
	Notifications *notifications.Store
	Approvals     *approvals.Store
	Jobs          *queue.Store
	// Clock supplies the sweep time when Sweep is called with a zero time.
	Clock func() time.Time
}

// Report summarizes one sweep.
type Report struct {
	CheckedAt      time.Time
	Instances      int
	Warnings       int
	Violations     int
	NewViolations  int
	ApprovalAlerts int
	FailureBursts  int
	Suppressed     int
}

// Monitor runs SLA sweeps.
type Monitor struct {
	deps            Deps
	recipient       string
	warningFraction float64
	approvalTimeout time.Duration
	failureWindow   time.Duration
	failureMin      int
	logger          *slog.Logger
}

// NewMonitor builds a monitor from the SLA configuration.
func NewMonitor(deps Deps, cfg config.SLA, logger *slog.Logger) *Monitor {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	fraction := cfg.WarningFraction
	if fraction <= 0 || fraction >= 1 {
		fraction = 0.8
	}
	approvalTimeout := time.Duration(cfg.ApprovalTimeoutSeconds) * time.Second
	if approvalTimeout <= 0 {
		approvalTimeout = 5 * time.Minute
	}
	window := time.Duration(cfg.FailureWindowMinutes) * time.Minute
	if window <= 0 {
		window = time.Hour
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	recipient := cfg.Recipient
	if recipient == "" {
		recipient = "operations"
	}
	return &Monitor{
		deps:            deps,
		recipient:       recipient,
		warningFraction: fraction,
		approvalTimeout: approvalTimeout,
		failureWindow:   window,
		failureMin:      threshold,
		logger:          logging.NewComponentLogger(logger, "sla"),
	}
}

// Sweep runs the stage, approval, and failure checks concurrently. A zero
// now uses the configured clock.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) (Report, error) {
	if now.IsZero() {
		now = m.deps.Clock()
	}
	now = now.UTC()
	var (
		stages  stageResult
		pending approvalResult
		bursts  burstResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stages, err = m.checkStages(gctx, now)
		return err
	})
	g.Go(func() error {
		var err error
		pending, err = m.checkApprovals(gctx, now)
		return err
	})
	g.Go(func() error {
		var err error
		bursts, err = m.checkFailures(gctx, now)
		return err
	})
	err := g.Wait()

	report := Report{
		CheckedAt:      now,
		Instances:      stages.instances,
		Warnings:       stages.warnings,
		Violations:     stages.violations,
		NewViolations:  stages.newViolations,
		ApprovalAlerts: pending.alerts,
		FailureBursts:  bursts.bursts,
		Suppressed:     stages.suppressed + bursts.suppressed,
	}
	if err != nil {
		return report, fmt.Errorf("sla sweep: %w", err)
	}
	m.logger.Info("sla sweep complete",
		logging.String(logging.FieldEventType, "sla_sweep"),
		logging.Int("instances", report.Instances),
		logging.Int("warnings", report.Warnings),
		logging.Int("violations", report.Violations),
		logging.Int("new_violations", report.NewViolations),
		logging.Int("approval_alerts", report.ApprovalAlerts),
		logging.Int("failure_bursts", report.FailureBursts),
	)
	return report, nil
}

type stageResult struct {
	instances, warnings, violations, newViolations, suppressed int
}

func (m *Monitor) checkStages(ctx context.Context, now time.Time) (stageResult, error) {
	var res stageResult
	active, err := m.deps.Workflows.Active(ctx)
	if err != nil {
		return res, err
	}
	res.instances = len(active)
	for _, inst := range active {
		target := m.deps.Workflows.Target(inst.WorkflowType, inst.Stage)
		if target <= 0 {
			continue
		}
		elapsed := now.Sub(inst.StageEnteredAt)
		switch {
		case elapsed >= target:
			set, err := m.deps.Workflows.MarkViolated(ctx, inst.ID, inst.Stage)
			if err != nil {
				return res, err
			}
			res.violations++
			if set {
				res.newViolations++
			}
			created, err := m.notify(ctx, notifications.Request{
				Type:     notifications.TypeSLAViolation,
				Severity: severityFor(notifications.SeverityCritical, inst.Priority),
				Subject:  fmt.Sprintf("SLA violated: %s", inst.Stage),
				Message: fmt.Sprintf("Case %s has been in %s for %s (target %s).",
					inst.CaseID, inst.Stage, elapsed.Round(time.Minute), target),
				DedupKey:           fmt.Sprintf("sla-violation:%d:%s", inst.ID, inst.Stage),
				CaseID:             inst.CaseID,
				WorkflowInstanceID: inst.ID,
			})
			if err != nil {
				return res, err
			}
			if !created {
				res.suppressed++
			}
		case float64(elapsed) >= m.warningFraction*float64(target):
			res.warnings++
			created, err := m.notify(ctx, notifications.Request{
				Type:     notifications.TypeSLAWarning,
				Severity: severityFor(notifications.SeverityWarning, inst.Priority),
				Subject:  fmt.Sprintf("SLA at risk: %s", inst.Stage),
				Message: fmt.Sprintf("Case %s has been in %s for %s of its %s target.",
					inst.CaseID, inst.Stage, elapsed.Round(time.Minute), target),
				DedupKey:           fmt.Sprintf("sla-warning:%d:%s", inst.ID, inst.Stage),
				CaseID:             inst.CaseID,
				WorkflowInstanceID: inst.ID,
			})
			if err != nil {
				return res, err
			}
			if !created {
				res.suppressed++
			}
		}
	}
	return res, nil
}

type approvalResult struct {
	alerts int
}

func (m *Monitor) checkApprovals(ctx context.Context, now time.Time) (approvalResult, error) {
	var res approvalResult
	if m.deps.Approvals == nil {
		return res, nil
	}
	overdue, err := m.deps.Approvals.ClaimOverdue(ctx, now.Add(-m.approvalTimeout))
	if err != nil {
		return res, err
	}
	for _, a := range overdue {
		if _, err := m.notify(ctx, notifications.Request{
			Type:     notifications.TypeApprovalTimeout,
			Severity: notifications.SeverityWarning,
			Subject:  fmt.Sprintf("Approval pending: %s", a.Tool),
			Message: fmt.Sprintf("Approval %d for %s on case %s requested by %s has been pending for %s.",
				a.ID, a.Tool, a.CaseID, a.RequestedBy, now.Sub(a.CreatedAt).Round(time.Second)),
			DedupKey: fmt.Sprintf("approval-timeout:%d", a.ID),
			CaseID:   a.CaseID,
		}); err != nil {
			return res, err
		}
		res.alerts++
	}
	return res, nil
}

type burstResult struct {
	bursts, suppressed int
}

func (m *Monitor) checkFailures(ctx context.Context, now time.Time) (burstResult, error) {
	var res burstResult
	if m.deps.Jobs == nil {
		return res, nil
	}
	bursts, err := m.deps.Jobs.FailureBursts(ctx, now.Add(-m.failureWindow), m.failureMin)
	if err != nil {
		return res, err
	}
	for _, b := range bursts {
		message := fmt.Sprintf("%d job failures across %d documents of case %s in the last %s.",
			b.Failures, b.Documents, b.CaseID, m.failureWindow)
		if b.LastError != "" {
			message += " Last error: " + b.LastError
		}
		created, err := m.notify(ctx, notifications.Request{
			Type:     notifications.TypeFailureBurst,
			Severity: notifications.SeverityCritical,
			Subject:  fmt.Sprintf("Repeated failures on case %s", b.CaseID),
			Message:  message,
			DedupKey: "failure-burst:" + b.CaseID,
			CaseID:   b.CaseID,
		})
		if err != nil {
			return res, err
		}
		if created {
			res.bursts++
		} else {
			res.suppressed++
		}
	}
	return res, nil
}

func (m *Monitor) notify(ctx context.Context, req notifications.Request) (bool, error) {
	req.Recipient = m.recipient
	n, err := m.deps.Notifications.Create(ctx, req)
	if err != nil {
		return false, err
	}
	return n != nil, nil
}

// severityFor escalates one step for urgent workflows.
func severityFor(base notifications.Severity, priority workflow.Priority) notifications.Severity {
	if priority == workflow.PriorityUrgent {
		return base.Escalate()
	}
	return base
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.Sweep(ctx, time.Time{}); err != nil && ctx.Err() == nil {
			logging.ErrorWithContext(m.logger, "sla sweep failed", "sla_sweep_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "deadline notifications may be delayed"),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
