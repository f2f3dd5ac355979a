package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"caseflow/internal/auth"
	"caseflow/internal/config"
	"caseflow/internal/database"
	"caseflow/internal/gate"
	"caseflow/internal/logging"
	"caseflow/internal/services"
	"caseflow/internal/testsupport"
	"caseflow/internal/workflow"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newMachine(t *testing.T, sla config.SLA) (*workflow.Machine, *database.DB, *testsupport.Clock) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	clock := testsupport.NewClock(db, epoch)
	return workflow.NewMachine(db, sla, logging.NewNop()), db, clock
}

func as(id, roles string) context.Context {
	return auth.WithPrincipal(context.Background(), auth.ParseRoles(id, roles))
}

func TestStartPlacesInstanceAtFirstStage(t *testing.T) {
	m, _, _ := newMachine(t, config.SLA{})
	ctx := as("intake", "")

	inst, err := m.Start(ctx, "case-1", workflow.TypeTranslation, "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Stage != "upload" || inst.Priority != workflow.PriorityMedium {
		t.Fatalf("unexpected instance: stage=%s priority=%s", inst.Stage, inst.Priority)
	}
	if inst.SLADeadline == nil || !inst.SLADeadline.Equal(epoch.Add(time.Hour)) {
		t.Fatalf("expected deadline one hour out, got %v", inst.SLADeadline)
	}

	log, err := m.Transitions(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Transitions failed: %v", err)
	}
	if len(log) != 1 || log[0].Kind != workflow.KindStarted || log[0].Actor != "intake" {
		t.Fatalf("unexpected start log: %+v", log)
	}

	for _, bad := range []struct{ caseID, wfType string }{
		{"", workflow.TypeGeneral},
		{"case-1", "payroll"},
	} {
		_, err := m.Start(ctx, bad.caseID, bad.wfType, workflow.PriorityHigh)
		if !errors.Is(err, services.ErrValidation) {
			t.Fatalf("Start(%q, %q) expected validation error, got %v", bad.caseID, bad.wfType, err)
		}
	}
}

func TestConfiguredStageTargetsOverrideDefaults(t *testing.T) {
	m, _, _ := newMachine(t, config.SLA{StageTargets: map[string]int{"Upload": 15}})
	if got := m.Target(workflow.TypeGeneral, "upload"); got != 15*time.Minute {
		t.Fatalf("expected configured target, got %s", got)
	}
	if got := m.Target(workflow.TypeGeneral, "certification"); got != 72*time.Hour {
		t.Fatalf("expected built-in target, got %s", got)
	}
}

func TestGateDecisionsDriveStages(t *testing.T) {
	tests := []struct {
		name     string
		wfType   string
		stage    string
		decision gate.Decision
		want     string
		kind     workflow.TransitionKind
		review   string
	}{
		{
			name:     "confident classification skips optional review",
			wfType:   workflow.TypeGeneral,
			stage:    "ai_processing",
			decision: gate.Decision{AutoAdvance: true, RouteTo: gate.RouteNext},
			want:     "certification",
			kind:     workflow.KindForward,
		},
		{
			name:     "confident translation still needs mandatory review",
			wfType:   workflow.TypeTranslation,
			stage:    "ai_translate",
			decision: gate.Decision{AutoAdvance: true, RouteTo: gate.RouteNext},
			want:     "hac_review",
			kind:     workflow.KindForward,
		},
		{
			name:     "low confidence translation routes to review",
			wfType:   workflow.TypeTranslation,
			stage:    "ai_translate",
			decision: gate.Decision{RouteTo: gate.RouteReview, Score: 0.70},
			want:     "hac_review",
			kind:     workflow.KindReviewRouted,
			review:   workflow.ReviewNormal,
		},
		{
			name:     "urgent review from ocr",
			wfType:   workflow.TypeTranslation,
			stage:    "ocr",
			decision: gate.Decision{RouteTo: gate.RouteReview, Urgent: true, Score: 0.3},
			want:     "hac_review",
			kind:     workflow.KindReviewRouted,
			review:   workflow.ReviewUrgent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, clock := newMachine(t, config.SLA{})
			ctx := as("worker-1", "worker")
			inst, err := m.Start(ctx, "case-1", tt.wfType, workflow.PriorityMedium)
			if err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			for inst.Stage != tt.stage {
				clock.Advance(time.Minute)
				if inst, err = m.Advance(ctx, inst.ID, "", "setup"); err != nil {
					t.Fatalf("Advance failed: %v", err)
				}
			}
			clock.Advance(10 * time.Minute)
			got, err := m.ApplyDecision(ctx, inst.ID, tt.stage, tt.decision, "")
			if err != nil {
				t.Fatalf("ApplyDecision failed: %v", err)
			}
			if got.Stage != tt.want || got.ReviewPriority != tt.review {
				t.Fatalf("expected %s/%q, got %s/%q", tt.want, tt.review, got.Stage, got.ReviewPriority)
			}
			log, err := m.Transitions(ctx, inst.ID)
			if err != nil {
				t.Fatalf("Transitions failed: %v", err)
			}
			last := log[len(log)-1]
			if last.Kind != tt.kind || last.From != tt.stage || last.DurationSeconds != 600 {
				t.Fatalf("unexpected transition: %+v", last)
			}
		})
	}
}

func TestStaleDecisionIsRejected(t *testing.T) {
	m, _, _ := newMachine(t, config.SLA{})
	ctx := as("worker-1", "worker")
	inst, err := m.Start(ctx, "case-1", workflow.TypeGeneral, workflow.PriorityMedium)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_, err = m.ApplyDecision(ctx, inst.ID, "extraction", gate.Decision{AutoAdvance: true}, "")
	if !errors.Is(err, workflow.ErrStaleStage) {
		t.Fatalf("expected ErrStaleStage, got %v", err)
	}
}

func TestConcurrentTransitionsOnlyOneWins(t *testing.T) {
	m, _, _ := newMachine(t, config.SLA{})
	ctx := as("worker-1", "worker")
	inst, err := m.Start(ctx, "case-1", workflow.TypeGeneral, workflow.PriorityMedium)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const racers = 6
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		stale int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ApplyDecision(ctx, inst.ID, "upload", gate.Decision{AutoAdvance: true}, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, workflow.ErrStaleStage):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || stale != racers-1 {
		t.Fatalf("expected one winner, got wins=%d stale=%d", wins, stale)
	}
	log, err := m.Transitions(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Transitions failed: %v", err)
	}
	if len(log) != 2 {
		t.Fatalf("expected start + one transition, got %d", len(log))
	}
}

func TestReturnForRevisionMustGoBackward(t *testing.T) {
	m, _, _ := newMachine(t, config.SLA{})
	ctx := as("reviewer", "")
	inst, err := m.Start(ctx, "case-1", workflow.TypeTranslation, workflow.PriorityHigh)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if inst, err = m.Advance(ctx, inst.ID, "", ""); err != nil {
			t.Fatalf("Advance failed: %v", err)
		}
	}
	if inst.Stage != "hac_review" {
		t.Fatalf("expected hac_review, got %s", inst.Stage)
	}

	for _, target := range []string{"hac_review", "sworn_translation", "nowhere"} {
		if _, err := m.ReturnForRevision(ctx, inst.ID, target, "", ""); !errors.Is(err, workflow.ErrInvalidTransition) {
			t.Fatalf("ReturnForRevision(%s) expected ErrInvalidTransition, got %v", target, err)
		}
	}

	back, err := m.ReturnForRevision(ctx, inst.ID, "ai_translate", "", "terminology wrong")
	if err != nil {
		t.Fatalf("ReturnForRevision failed: %v", err)
	}
	if back.Stage != "ai_translate" {
		t.Fatalf("expected ai_translate, got %s", back.Stage)
	}
	log, err := m.Transitions(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Transitions failed: %v", err)
	}
	last := log[len(log)-1]
	if last.Kind != workflow.KindReturnedForRevision || last.Reason != "terminology wrong" || last.Actor != "reviewer" {
		t.Fatalf("unexpected revision record: %+v", last)
	}
}

func TestSLAViolationIsStickyUntilAcknowledged(t *testing.T) {
	m, _, _ := newMachine(t, config.SLA{})
	ctx := as("worker-1", "worker")
	inst, err := m.Start(ctx, "case-1", workflow.TypeGeneral, workflow.PriorityMedium)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	set, err := m.MarkViolated(ctx, inst.ID, "upload")
	if err != nil || !set {
		t.Fatalf("MarkViolated = %v, %v", set, err)
	}
	if set, _ := m.MarkViolated(ctx, inst.ID, "upload"); set {
		t.Fatal("second MarkViolated should not report a change")
	}

	for inst.Active() {
		if inst, err = m.Advance(ctx, inst.ID, "", ""); err != nil {
			t.Fatalf("Advance failed: %v", err)
		}
	}
	if !inst.SLAViolated || inst.CompletedAt == nil {
		t.Fatalf("completed instance should keep violation: %+v", inst)
	}

	if _, err := m.AcknowledgeViolation(ctx, inst.ID); services.Classify(err) != services.ClassAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}
	acked, err := m.AcknowledgeViolation(as("ops", "admin"), inst.ID)
	if err != nil {
		t.Fatalf("AcknowledgeViolation failed: %v", err)
	}
	if acked.SLAViolated || acked.SLAAcknowledgedBy != "ops" || acked.SLAAcknowledgedAt == nil {
		t.Fatalf("unexpected acknowledged instance: %+v", acked)
	}
	if _, err := m.Advance(ctx, inst.ID, "", ""); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("completed workflow should not advance, got %v", err)
	}
}

func TestAcknowledgmentHoldsForCurrentStage(t *testing.T) {
	m, _, clock := newMachine(t, config.SLA{})
	ctx := as("worker-1", "worker")
	inst, err := m.Start(ctx, "case-ack", workflow.TypeGeneral, workflow.PriorityMedium)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clock.Advance(2 * time.Hour)
	if set, err := m.MarkViolated(ctx, inst.ID, "upload"); err != nil || !set {
		t.Fatalf("MarkViolated = %v, %v", set, err)
	}
	clock.Advance(time.Minute)
	if _, err := m.AcknowledgeViolation(as("ops", "admin"), inst.ID); err != nil {
		t.Fatalf("AcknowledgeViolation failed: %v", err)
	}

	clock.Advance(time.Minute)
	if set, err := m.MarkViolated(ctx, inst.ID, "upload"); err != nil || set {
		t.Fatalf("acknowledged stage was marked again: %v, %v", set, err)
	}

	clock.Advance(time.Minute)
	if inst, err = m.Advance(ctx, inst.ID, "", ""); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	clock.Advance(5 * time.Hour)
	if set, err := m.MarkViolated(ctx, inst.ID, inst.Stage); err != nil || !set {
		t.Fatalf("new stage should be markable: %v, %v", set, err)
	}
	got, err := m.Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.SLAViolated || got.SLAAcknowledgedAt != nil {
		t.Fatalf("expected fresh violation, got %+v", got)
	}
}

func TestAverageStageDurations(t *testing.T) {
	m, _, clock := newMachine(t, config.SLA{})
	ctx := as("worker-1", "worker")
	for _, minutes := range []int{10, 30} {
		inst, err := m.Start(ctx, "case-avg", workflow.TypeGeneral, workflow.PriorityLow)
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		clock.Advance(time.Duration(minutes) * time.Minute)
		if _, err := m.Advance(ctx, inst.ID, "", ""); err != nil {
			t.Fatalf("Advance failed: %v", err)
		}
	}
	durations, err := m.AverageStageDurations(ctx, workflow.TypeGeneral)
	if err != nil {
		t.Fatalf("AverageStageDurations failed: %v", err)
	}
	if len(durations) != 1 || durations[0].Stage != "upload" || durations[0].Samples != 2 {
		t.Fatalf("unexpected durations: %+v", durations)
	}
	if durations[0].AverageSeconds != 1200 {
		t.Fatalf("expected 1200s average, got %f", durations[0].AverageSeconds)
	}
}

func TestListOrdersByPriority(t *testing.T) {
	m, _, clock := newMachine(t, config.SLA{})
	ctx := as("worker-1", "worker")
	for _, p := range []workflow.Priority{workflow.PriorityLow, workflow.PriorityUrgent, workflow.PriorityMedium} {
		if _, err := m.Start(ctx, "case-"+string(p), workflow.TypeGeneral, p); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		clock.Advance(time.Second)
	}
	list, err := m.List(ctx, workflow.Filter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 3 || list[0].Priority != workflow.PriorityUrgent || list[2].Priority != workflow.PriorityLow {
		t.Fatalf("unexpected order: %v, %v, %v", list[0].Priority, list[1].Priority, list[2].Priority)
	}
	active, err := m.ActiveForCase(ctx, "case-medium")
	if err != nil || len(active) != 1 {
		t.Fatalf("ActiveForCase = %d, %v", len(active), err)
	}
}
