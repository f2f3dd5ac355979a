package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"caseflow/internal/auth"
	"caseflow/internal/database"
	"caseflow/internal/logging"
	"caseflow/internal/payload"
	"caseflow/internal/queue"
	"caseflow/internal/services"
	"caseflow/internal/testsupport"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T, opts ...testsupport.ConfigOption) (*queue.Store, *database.DB, *testsupport.Clock) {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	db := testsupport.MustOpenDB(t, cfg)
	clock := testsupport.NewClock(db, epoch)
	return queue.NewStore(db, cfg.Jobs, logging.NewNop()), db, clock
}

func adminCtx() context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{ID: "ops", Admin: true})
}

func mustEnqueue(t *testing.T, store *queue.Store, req queue.EnqueueRequest) *queue.Job {
	t.Helper()
	job, err := store.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return job
}

func TestEnqueueValidatesRequest(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()
	if _, err := store.CreateDocument(ctx, "doc-1", "case-1", "/intake/a.pdf"); err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}

	_, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "render", DocumentID: "doc-1"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = store.Enqueue(ctx, queue.EnqueueRequest{Type: queue.JobOCR, DocumentID: "missing"})
	if !errors.Is(err, queue.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}

	job := mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobOCR, DocumentID: "doc-1"})
	if job.Status != queue.StatusQueued || job.MaxRetries != 3 || job.CaseID != "case-1" {
		t.Fatalf("unexpected job: %+v", job)
	}
	doc, err := store.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if doc.OCRStatus != queue.OCRQueued {
		t.Fatalf("expected queued OCR status, got %s", doc.OCRStatus)
	}
}

func TestNextEligibleOrdersByPriorityThenAge(t *testing.T) {
	store, db, _ := newStore(t)
	testsupport.SeedDocument(t, db, "doc-1", "case-1", "/a.pdf")

	low := mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobOCR, DocumentID: "doc-1", Priority: queue.PriorityLow})
	first := mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobClassification, DocumentID: "doc-1", Priority: queue.PriorityHigh})
	mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobTranslation, DocumentID: "doc-1", Priority: queue.PriorityHigh})
	mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobOCR, DocumentID: "doc-1", Priority: queue.PriorityUrgent, NotBefore: epoch.Add(time.Hour)})

	next, err := store.NextEligible(context.Background())
	if err != nil {
		t.Fatalf("NextEligible failed: %v", err)
	}
	if next == nil || next.ID != first.ID {
		t.Fatalf("expected job %d, got %+v", first.ID, next)
	}

	next, err = store.NextEligible(context.Background(), queue.JobOCR)
	if err != nil {
		t.Fatalf("NextEligible failed: %v", err)
	}
	if next == nil || next.ID != low.ID {
		t.Fatalf("expected deferred urgent job to be skipped, got %+v", next)
	}
}

func TestConcurrentClaimHasSingleWinner(t *testing.T) {
	store, db, _ := newStore(t)
	testsupport.SeedDocument(t, db, "doc-1", "case-1", "/a.pdf")
	job := mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobOCR, DocumentID: "doc-1"})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := store.Claim(context.Background(), job.ID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, queue.ErrNotClaimable):
			default:
				t.Errorf("Claim failed: %v", err)
			}
		}(fmt.Sprintf("worker-%d", i))
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected one claim to win, got %d", winners)
	}
	doc, err := store.GetDocument(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if doc.OCRStatus != queue.OCRProcessing {
		t.Fatalf("expected processing OCR status, got %s", doc.OCRStatus)
	}
}

func TestRetriesExhaustAfterMaxFailures(t *testing.T) {
	store, db, clock := newStore(t)
	testsupport.SeedDocument(t, db, "doc-1", "case-1", "/a.pdf")
	job := mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobOCR, DocumentID: "doc-1"})
	ctx := context.Background()
	transient := services.Wrap(services.ErrTimeout, "ocr", "infer", "capability timed out", nil)

	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := store.ClaimNext(ctx, "worker-a")
		if err != nil || claimed == nil {
			t.Fatalf("attempt %d: claim failed: %v %+v", attempt, err, claimed)
		}
		failed, err := store.Fail(ctx, claimed.ID, "worker-a", transient)
		if err != nil {
			t.Fatalf("attempt %d: Fail failed: %v", attempt, err)
		}
		if failed.RetryCount != attempt {
			t.Fatalf("attempt %d: retry count %d", attempt, failed.RetryCount)
		}
		if attempt < 3 {
			if failed.Status != queue.StatusQueued {
				t.Fatalf("attempt %d: expected queued, got %s", attempt, failed.Status)
			}
			delay := wantDelays[attempt-1]
			if got := failed.NotBefore.Sub(clock.Now()); got != delay {
				t.Fatalf("attempt %d: expected backoff %s, got %s", attempt, delay, got)
			}
			if next, _ := store.NextEligible(ctx); next != nil {
				t.Fatalf("attempt %d: job eligible before backoff elapsed", attempt)
			}
			clock.Advance(delay)
			continue
		}
		if failed.Status != queue.StatusFailed || !failed.RetriesExhausted() {
			t.Fatalf("expected terminal failure, got %+v", failed)
		}
	}

	clock.Advance(time.Hour)
	diag, err := store.Diagnose(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}
	if len(diag.RequeueEligible) != 1 || diag.RequeueEligible[0].DocumentID != "doc-1" {
		t.Fatalf("expected failed document flagged, got %+v", diag.RequeueEligible)
	}
	after, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if after.Status != queue.StatusFailed || after.RetryCount != 3 {
		t.Fatalf("sweep changed exhausted job: %+v", after)
	}

	if _, err := store.Reset(ctx, job.ID); !errors.Is(err, queue.ErrAdminRequired) {
		t.Fatalf("expected ErrAdminRequired, got %v", err)
	}
	reset, err := store.Reset(adminCtx(), job.ID)
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if len(reset) != 1 || reset[0].Status != queue.StatusQueued || reset[0].RetryCount != 0 {
		t.Fatalf("unexpected reset result: %+v", reset)
	}
}

func TestTerminalErrorFailsImmediately(t *testing.T) {
	store, db, _ := newStore(t)
	testsupport.SeedDocument(t, db, "doc-1", "case-1", "/a.pdf")
	mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobClassification, DocumentID: "doc-1"})
	ctx := context.Background()

	claimed, err := store.ClaimNext(ctx, "worker-a")
	if err != nil || claimed == nil {
		t.Fatalf("claim failed: %v", err)
	}
	cause := services.Wrap(services.ErrValidation, "classification", "decode", "unreadable scan", nil)
	failed, err := store.Fail(ctx, claimed.ID, "worker-a", cause)
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if failed.Status != queue.StatusFailed || failed.RetryCount != 1 || failed.ErrorClass != string(services.ClassTerminal) {
		t.Fatalf("unexpected terminal failure: %+v", failed)
	}
	if queue.FailureStatus(cause) != queue.StatusFailed {
		t.Fatal("validation errors must map to failed")
	}
}

func TestFailRejectsOtherWorkers(t *testing.T) {
	store, db, _ := newStore(t)
	testsupport.SeedDocument(t, db, "doc-1", "case-1", "/a.pdf")
	mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobOCR, DocumentID: "doc-1"})
	ctx := context.Background()

	claimed, err := store.ClaimNext(ctx, "worker-a")
	if err != nil || claimed == nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := store.Fail(ctx, claimed.ID, "worker-b", errors.New("boom")); !errors.Is(err, queue.ErrNotClaimable) {
		t.Fatalf("expected ErrNotClaimable, got %v", err)
	}
	if err := store.Heartbeat(ctx, claimed.ID, "worker-b"); !errors.Is(err, queue.ErrNotClaimable) {
		t.Fatalf("expected heartbeat rejection, got %v", err)
	}
}

func TestFailRequiresWorkerID(t *testing.T) {
	store, db, _ := newStore(t)
	testsupport.SeedDocument(t, db, "doc-1", "case-1", "/a.pdf")
	mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobOCR, DocumentID: "doc-1"})
	ctx := context.Background()

	claimed, err := store.ClaimNext(ctx, "worker-a")
	if err != nil || claimed == nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := store.Fail(ctx, claimed.ID, "", errors.New("boom")); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	job, err := store.GetByID(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if job.Status != queue.StatusProcessing || job.WorkerID != "worker-a" || job.RetryCount != 0 {
		t.Fatalf("job should be untouched: %+v", job)
	}
}

func TestDeferKeepsRetryBudget(t *testing.T) {
	store, db, clock := newStore(t)
	testsupport.SeedDocument(t, db, "doc-1", "case-1", "/a.pdf")
	mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobOCR, DocumentID: "doc-1"})
	ctx := context.Background()

	claimed, err := store.ClaimNext(ctx, "worker-a")
	if err != nil || claimed == nil {
		t.Fatalf("claim failed: %v", err)
	}
	deferred, err := store.Defer(ctx, claimed.ID, "worker-a", 30*time.Second)
	if err != nil {
		t.Fatalf("Defer failed: %v", err)
	}
	if deferred.Status != queue.StatusQueued || deferred.RetryCount != 0 || deferred.WorkerID != "" {
		t.Fatalf("unexpected deferred job: %+v", deferred)
	}
	doc, err := store.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if doc.OCRStatus != queue.OCRQueued {
		t.Fatalf("expected document back in queued, got %s", doc.OCRStatus)
	}
	if next, err := store.NextEligible(ctx); err != nil || next != nil {
		t.Fatalf("deferred job should wait, got %+v (%v)", next, err)
	}
	clock.Advance(31 * time.Second)
	if next, err := store.NextEligible(ctx); err != nil || next == nil || next.ID != claimed.ID {
		t.Fatalf("expected deferred job to be eligible, got %+v (%v)", next, err)
	}
	if _, err := store.Defer(ctx, claimed.ID, "worker-a", time.Second); !errors.Is(err, queue.ErrNotClaimable) {
		t.Fatalf("expected ErrNotClaimable for queued job, got %v", err)
	}
}

func TestCompleteStoresTypedResult(t *testing.T) {
	store, db, _ := newStore(t)
	testsupport.SeedDocument(t, db, "doc-1", "case-1", "/a.pdf")
	mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobOCR, DocumentID: "doc-1"})
	ctx := context.Background()

	claimed, err := store.ClaimNext(ctx, "worker-a")
	if err != nil || claimed == nil {
		t.Fatalf("claim failed: %v", err)
	}

	wrongKind := queue.Completion{Result: payload.ClassificationResult{Category: "x", Confidence: 0.9}, Confidence: 0.9}
	if _, err := store.Complete(ctx, claimed.ID, "worker-a", wrongKind); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected kind mismatch rejection, got %v", err)
	}

	result := payload.OCRResult{Text: "Acta de nacimiento", Pages: 1, Confidence: 0.72}
	done, err := store.Complete(ctx, claimed.ID, "worker-a", queue.Completion{
		Result:      result,
		Confidence:  0.72,
		GateReason:  "below auto-advance threshold",
		NeedsReview: true,
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.Status != queue.StatusNeedsReview || done.Confidence == nil || *done.Confidence != 0.72 {
		t.Fatalf("unexpected completion: %+v", done)
	}
	stored, err := done.Result()
	if err != nil {
		t.Fatalf("decode stored result: %v", err)
	}
	if stored != payload.Result(result) {
		t.Fatalf("stored result mismatch: %+v", stored)
	}
	doc, err := store.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if doc.OCRStatus != queue.OCRNeedsReview {
		t.Fatalf("expected needs_review OCR status, got %s", doc.OCRStatus)
	}
}

func TestDiagnosePausesStaleJobs(t *testing.T) {
	store, db, clock := newStore(t)
	testsupport.SeedDocument(t, db, "doc-1", "case-1", "/a.pdf")
	testsupport.SeedDocument(t, db, "doc-2", "case-2", "")
	mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobOCR, DocumentID: "doc-1"})
	ctx := context.Background()

	claimed, err := store.ClaimNext(ctx, "worker-a")
	if err != nil || claimed == nil {
		t.Fatalf("claim failed: %v", err)
	}

	clock.Advance(20 * time.Minute)
	diag, err := store.Diagnose(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}
	if len(diag.Paused) != 0 {
		t.Fatalf("fresh job paused: %+v", diag.Paused)
	}
	if len(diag.MissingSource) != 1 || diag.MissingSource[0].DocumentID != "doc-2" {
		t.Fatalf("expected doc-2 missing source, got %+v", diag.MissingSource)
	}
	if len(diag.Cases) != 2 || diag.Cases[0].Counts[queue.OCRProcessing] != 1 {
		t.Fatalf("unexpected case counts: %+v", diag.Cases)
	}

	clock.Advance(15 * time.Minute)
	diag, err = store.Diagnose(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}
	if len(diag.Paused) != 1 || diag.Paused[0].Status != queue.StatusPaused {
		t.Fatalf("expected stale job paused, got %+v", diag.Paused)
	}

	again, err := store.Diagnose(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}
	if len(again.Paused) != 0 {
		t.Fatal("second sweep paused the job again")
	}
}

func TestListAndStats(t *testing.T) {
	store, db, _ := newStore(t)
	testsupport.SeedDocument(t, db, "doc-1", "case-1", "/a.pdf")
	testsupport.SeedDocument(t, db, "doc-2", "case-2", "/b.pdf")
	mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobOCR, DocumentID: "doc-1"})
	mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobTranslation, DocumentID: "doc-2"})
	ctx := context.Background()

	jobs, err := store.List(ctx, queue.Filter{CaseID: "case-2"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Type != queue.JobTranslation {
		t.Fatalf("unexpected filtered list: %+v", jobs)
	}
	jobs, err = store.List(ctx, queue.Filter{Statuses: []queue.Status{queue.StatusQueued}, Types: []queue.JobType{queue.JobOCR, queue.JobTranslation}, Limit: 5})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected two jobs, got %d", len(jobs))
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats[queue.StatusQueued] != 2 || stats.Total() != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		retries int
		limit   time.Duration
		want    time.Duration
	}{
		{retries: 0, limit: time.Hour, want: time.Second},
		{retries: 1, limit: time.Hour, want: 2 * time.Second},
		{retries: 3, limit: time.Hour, want: 8 * time.Second},
		{retries: 12, limit: time.Hour, want: time.Hour},
		{retries: 40, limit: time.Minute, want: time.Minute},
	}
	for _, tt := range tests {
		if got := queue.BackoffDelay(tt.retries, tt.limit); got != tt.want {
			t.Fatalf("BackoffDelay(%d, %s) = %s, want %s", tt.retries, tt.limit, got, tt.want)
		}
	}
}

func TestEnqueueUsesConfiguredRetryBudget(t *testing.T) {
	store, _, _ := newStore(t, testsupport.WithMaxRetries(5))
	ctx := context.Background()
	if _, err := store.CreateDocument(ctx, "doc-1", "case-1", "/intake/a.pdf"); err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	job := mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobOCR, DocumentID: "doc-1"})
	if job.MaxRetries != 5 {
		t.Fatalf("expected configured budget 5, got %d", job.MaxRetries)
	}
	override := mustEnqueue(t, store, queue.EnqueueRequest{Type: queue.JobClassification, DocumentID: "doc-1", MaxRetries: 1})
	if override.MaxRetries != 1 {
		t.Fatalf("expected request override 1, got %d", override.MaxRetries)
	}
}
