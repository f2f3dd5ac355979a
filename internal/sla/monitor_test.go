package sla_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"caseflow/internal/approvals"
	"caseflow/internal/auth"
	"caseflow/internal/logging"
	"caseflow/internal/notifications"
	"caseflow/internal/queue"
	"caseflow/internal/services"
	"caseflow/internal/sla"
	"caseflow/internal/testsupport"
	"caseflow/internal/workflow"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	monitor   *sla.Monitor
	workflows *workflow.Machine
	notes     *notifications.Store
	approvals *approvals.Store
	jobs      *queue.Store
	clock     *testsupport.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	clock := testsupport.NewClock(db, epoch)
	logger := logging.NewNop()
	f := &fixture{
		workflows: workflow.NewMachine(db, cfg.SLA, logger),
		notes:     notifications.NewStore(db, time.Hour, logger),
		approvals: approvals.NewStore(db, logger),
		jobs:      queue.NewStore(db, cfg.Jobs, logger),
		clock:     clock,
	}
	f.monitor = sla.NewMonitor(sla.Deps{
		Workflows:     f.workflows,
		Notifications: f.notes,
		Approvals:     f.approvals,
		Jobs:          f.jobs,
		Clock:         clock.Now,
	}, cfg.SLA, logger)
	return f
}

func (f *fixture) sweep(t *testing.T) sla.Report {
	t.Helper()
	report, err := f.monitor.Sweep(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	return report
}

func (f *fixture) notifications(t *testing.T, types ...notifications.Type) []*notifications.Notification {
	t.Helper()
	list, err := f.notes.List(context.Background(), notifications.Filter{Types: types})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	return list
}

func TestWarningThenViolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst, err := f.workflows.Start(ctx, "case-1", workflow.TypeGeneral, workflow.PriorityMedium)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.clock.Advance(40 * time.Minute)
	if r := f.sweep(t); r.Instances != 1 || r.Warnings != 0 || r.Violations != 0 {
		t.Fatalf("expected a quiet sweep, got %+v", r)
	}

	f.clock.Advance(10 * time.Minute)
	if r := f.sweep(t); r.Warnings != 1 || r.Suppressed != 0 {
		t.Fatalf("expected one warning, got %+v", r)
	}
	if r := f.sweep(t); r.Warnings != 1 || r.Suppressed != 1 {
		t.Fatalf("expected the repeated warning to be suppressed, got %+v", r)
	}
	warnings := f.notifications(t, notifications.TypeSLAWarning)
	if len(warnings) != 1 || warnings[0].Severity != notifications.SeverityWarning || warnings[0].Recipient != "operations" {
		t.Fatalf("unexpected warnings: %+v", warnings)
	}
	if warnings[0].WorkflowInstanceID == nil || *warnings[0].WorkflowInstanceID != inst.ID {
		t.Fatalf("warning not linked to instance %d", inst.ID)
	}

	f.clock.Advance(15 * time.Minute)
	r := f.sweep(t)
	if r.Violations != 1 || r.NewViolations != 1 {
		t.Fatalf("expected a new violation, got %+v", r)
	}
	got, err := f.workflows.Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.SLAViolated || got.SLAViolatedAt == nil {
		t.Fatalf("expected violation flag, got %+v", got)
	}
	violations := f.notifications(t, notifications.TypeSLAViolation)
	if len(violations) != 1 || violations[0].Severity != notifications.SeverityCritical {
		t.Fatalf("unexpected violations: %+v", violations)
	}

	if r := f.sweep(t); r.NewViolations != 0 || r.Suppressed != 1 {
		t.Fatalf("expected suppressed reminder, got %+v", r)
	}

	f.clock.Advance(61 * time.Minute)
	f.sweep(t)
	if n := len(f.notifications(t, notifications.TypeSLAViolation)); n != 2 {
		t.Fatalf("expected a reminder after the cooldown, got %d violations", n)
	}
}

func TestUrgentWorkflowEscalatesSeverity(t *testing.T) {
	f := newFixture(t)
	if _, err := f.workflows.Start(context.Background(), "case-u", workflow.TypeTranslation, workflow.PriorityUrgent); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.clock.Advance(50 * time.Minute)
	f.sweep(t)
	warnings := f.notifications(t, notifications.TypeSLAWarning)
	if len(warnings) != 1 || warnings[0].Severity != notifications.SeverityCritical {
		t.Fatalf("expected an escalated warning, got %+v", warnings)
	}
}

func TestCompletedWorkflowsAreIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst, err := f.workflows.Start(ctx, "case-done", workflow.TypeGeneral, workflow.PriorityMedium)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	def, _ := workflow.Lookup(workflow.TypeGeneral)
	for !def.IsFinal(inst.Stage) {
		if inst, err = f.workflows.Advance(ctx, inst.ID, "ops", "fast track"); err != nil {
			t.Fatalf("Advance failed: %v", err)
		}
	}
	f.clock.Advance(30 * 24 * time.Hour)
	if r := f.sweep(t); r.Instances != 0 || r.Violations != 0 {
		t.Fatalf("expected completed workflow to be skipped, got %+v", r)
	}
}

func TestOverdueApprovalAlertsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := auth.WithPrincipal(context.Background(), auth.Principal{ID: "paralegal"})
	approval, err := f.approvals.Request(ctx, "case-7", "court_filing")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	f.clock.Advance(4 * time.Minute)
	if r := f.sweep(t); r.ApprovalAlerts != 0 {
		t.Fatalf("approval alerted early: %+v", r)
	}
	f.clock.Advance(2 * time.Minute)
	if r := f.sweep(t); r.ApprovalAlerts != 1 {
		t.Fatalf("expected one approval alert, got %+v", r)
	}
	if r := f.sweep(t); r.ApprovalAlerts != 0 {
		t.Fatalf("approval alerted twice: %+v", r)
	}
	alerts := f.notifications(t, notifications.TypeApprovalTimeout)
	if len(alerts) != 1 || alerts[0].CaseID != "case-7" {
		t.Fatalf("unexpected alerts: %+v", alerts)
	}
	got, err := f.approvals.Get(context.Background(), approval.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AlertedAt == nil || got.Status != approvals.StatusPending {
		t.Fatalf("unexpected approval: %+v", got)
	}
}

func TestFailureBurst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.jobs.CreateDocument(ctx, "doc-1", "case-9", "/intake/a.pdf"); err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	for _, typ := range []queue.JobType{queue.JobOCR, queue.JobClassification, queue.JobTranslation} {
		if _, err := f.jobs.Enqueue(ctx, queue.EnqueueRequest{Type: typ, DocumentID: "doc-1"}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		job, err := f.jobs.ClaimNext(ctx, "worker-1")
		if err != nil || job == nil {
			t.Fatalf("ClaimNext failed: %v", err)
		}
		cause := services.Wrap(services.ErrValidation, "processing", string(typ), "unreadable scan", nil)
		if _, err := f.jobs.Fail(ctx, job.ID, "worker-1", cause); err != nil {
			t.Fatalf("Fail failed: %v", err)
		}
	}

	if r := f.sweep(t); r.FailureBursts != 1 {
		t.Fatalf("expected a failure burst, got %+v", r)
	}
	if r := f.sweep(t); r.FailureBursts != 0 || r.Suppressed != 1 {
		t.Fatalf("expected the burst to be suppressed, got %+v", r)
	}
	bursts := f.notifications(t, notifications.TypeFailureBurst)
	if len(bursts) != 1 || bursts[0].CaseID != "case-9" || bursts[0].Severity != notifications.SeverityCritical {
		t.Fatalf("unexpected bursts: %+v", bursts)
	}

	f.clock.Advance(2 * time.Hour)
	if r := f.sweep(t); r.FailureBursts != 0 || r.Suppressed != 0 {
		t.Fatalf("failures outside the window still counted: %+v", r)
	}
}

func TestConcurrentSweepsNotifyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst, err := f.workflows.Start(ctx, "case-c", workflow.TypeGeneral, workflow.PriorityHigh)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.clock.Advance(2 * time.Hour)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		newest int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.monitor.Sweep(ctx, time.Time{})
			if err != nil {
				t.Errorf("Sweep failed: %v", err)
				return
			}
			mu.Lock()
			newest += r.NewViolations
			mu.Unlock()
		}()
	}
	wg.Wait()

	if newest != 1 {
		t.Fatalf("expected exactly one sweep to set the violation, got %d", newest)
	}
	if n := len(f.notifications(t, notifications.TypeSLAViolation)); n != 1 {
		t.Fatalf("expected one violation notification, got %d", n)
	}
	got, err := f.workflows.Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.SLAViolated {
		t.Fatal("expected violation flag")
	}
}
