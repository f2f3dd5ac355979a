package locks_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"caseflow/internal/auth"
	"caseflow/internal/config"
	"caseflow/internal/database"
	"caseflow/internal/locks"
	"caseflow/internal/logging"
	"caseflow/internal/services"
	"caseflow/internal/testsupport"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db    *database.DB
	clock *testsupport.Clock
	mgr   *locks.Manager
}

func newFixture(t *testing.T, opts ...testsupport.ConfigOption) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	db := testsupport.MustOpenDB(t, cfg)
	clock := testsupport.NewClock(db, epoch)
	testsupport.SeedDocument(t, db, "doc-1", "case-1", "/intake/doc-1.pdf")
	return fixture{db: db, clock: clock, mgr: locks.NewManager(db, cfg.Locks, logging.NewNop())}
}

func as(id string, roles string) context.Context {
	return auth.WithPrincipal(context.Background(), auth.ParseRoles(id, roles))
}

func TestAcquireOutcomes(t *testing.T) {
	f := newFixture(t)
	testsupport.SeedMember(t, f.db, "case-1", "alice")

	tests := []struct {
		name   string
		ctx    context.Context
		docID  string
		holder string
		reason locks.Reason
	}{
		{name: "no identity", ctx: context.Background(), docID: "doc-1", reason: locks.ReasonAuthRequired},
		{name: "missing document", ctx: as("w1", "worker"), docID: "doc-404", reason: locks.ReasonDocumentNotFound},
		{name: "outsider", ctx: as("mallory", ""), docID: "doc-1", reason: locks.ReasonAccessDenied},
		{name: "member under another id", ctx: as("alice", ""), docID: "doc-1", holder: "w1", reason: locks.ReasonAccessDenied},
		{name: "worker under another id", ctx: as("w2", "worker"), docID: "doc-1", holder: "w1", reason: locks.ReasonAccessDenied},
		{name: "member", ctx: as("alice", ""), docID: "doc-1", reason: locks.ReasonSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.mgr.AcquireLock(tt.ctx, tt.docID, tt.holder, time.Minute)
			if err != nil {
				t.Fatalf("AcquireLock failed: %v", err)
			}
			if res.Reason != tt.reason {
				t.Fatalf("expected %s, got %s", tt.reason, res.Reason)
			}
			if res.Success != (tt.reason == locks.ReasonSuccess) {
				t.Fatalf("success flag mismatch: %+v", res)
			}
		})
	}
}

func TestAcquireContendedHidesHolderFromOutsiders(t *testing.T) {
	f := newFixture(t)
	if res, err := f.mgr.AcquireLock(as("w1", "worker"), "doc-1", "w1", time.Minute); err != nil || !res.Success {
		t.Fatalf("first acquire failed: %+v %v", res, err)
	}

	res, err := f.mgr.AcquireLock(as("w2", "worker"), "doc-1", "w2", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if res.Success || res.Reason != locks.ReasonAlreadyLocked || res.Holder != "w1" {
		t.Fatalf("expected ALREADY_LOCKED by w1, got %+v", res)
	}

	res, err = f.mgr.AcquireLock(as("mallory", ""), "doc-1", "mallory", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if res.Success || res.Reason != locks.ReasonAlreadyLocked {
		t.Fatalf("expected ALREADY_LOCKED, got %+v", res)
	}
	if res.Holder != "" {
		t.Fatalf("holder leaked to unauthorized caller: %q", res.Holder)
	}
}

func TestAcquireUnderHolderIDIsNotReentrantForOthers(t *testing.T) {
	f := newFixture(t)
	testsupport.SeedMember(t, f.db, "case-1", "alice")
	if res, err := f.mgr.AcquireLock(as("w1", "worker"), "doc-1", "w1", time.Minute); err != nil || !res.Success {
		t.Fatalf("first acquire failed: %+v %v", res, err)
	}

	res, err := f.mgr.AcquireLock(as("alice", ""), "doc-1", "w1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if res.Success || res.Reason != locks.ReasonAccessDenied {
		t.Fatalf("member claimed under the holder's id: %+v", res)
	}
	renew, err := f.mgr.RenewLock(as("alice", ""), "doc-1", "w1", time.Hour)
	if err != nil {
		t.Fatalf("RenewLock failed: %v", err)
	}
	if renew.Success || renew.Reason != locks.ReasonAccessDenied {
		t.Fatalf("member renewed the holder's lock: %+v", renew)
	}

	events, err := f.mgr.Events(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected only the original acquire event, got %+v", events)
	}
}

func TestConcurrentAcquireGrantsExactlyOne(t *testing.T) {
	f := newFixture(t)
	const workers = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		id := fmt.Sprintf("w%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := f.mgr.AcquireLock(as(id, "worker"), "doc-1", id, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Success {
				winners = append(winners, id)
			} else if res.Reason != locks.ReasonAlreadyLocked {
				errs = append(errs, fmt.Errorf("unexpected reason %s", res.Reason))
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("acquire errors: %v", errs)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	info, err := f.mgr.Status(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if info.Holder != winners[0] {
		t.Fatalf("stored holder %q does not match winner %q", info.Holder, winners[0])
	}
}

func TestExpiredLockCanBeTakenAndOldHolderCannotRenew(t *testing.T) {
	f := newFixture(t)
	if res, _ := f.mgr.AcquireLock(as("w1", "worker"), "doc-1", "w1", time.Minute); !res.Success {
		t.Fatalf("acquire failed: %+v", res)
	}

	f.clock.Advance(2 * time.Minute)
	locked, err := f.mgr.IsLocked(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("IsLocked failed: %v", err)
	}
	if locked {
		t.Fatal("expired lock reported as held")
	}

	res, err := f.mgr.AcquireLock(as("w2", "worker"), "doc-1", "w2", time.Minute)
	if err != nil || !res.Success {
		t.Fatalf("takeover failed: %+v %v", res, err)
	}

	renew, err := f.mgr.RenewLock(as("w1", "worker"), "doc-1", "w1", time.Minute)
	if err != nil {
		t.Fatalf("RenewLock failed: %v", err)
	}
	if renew.Success || renew.Reason != locks.ReasonNotLocked {
		t.Fatalf("stale holder renewed: %+v", renew)
	}
	holds, err := f.mgr.Holds(context.Background(), "doc-1", "w1")
	if err != nil {
		t.Fatalf("Holds failed: %v", err)
	}
	if holds {
		t.Fatal("stale holder still reported as holding")
	}
}

func TestRenewExtendsExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := as("w1", "worker")
	if res, _ := f.mgr.AcquireLock(ctx, "doc-1", "w1", time.Minute); !res.Success {
		t.Fatalf("acquire failed: %+v", res)
	}
	f.clock.Advance(45 * time.Second)
	res, err := f.mgr.RenewLock(ctx, "doc-1", "w1", time.Minute)
	if err != nil || !res.Success {
		t.Fatalf("renew failed: %+v %v", res, err)
	}
	f.clock.Advance(45 * time.Second)
	holds, err := f.mgr.Holds(context.Background(), "doc-1", "w1")
	if err != nil {
		t.Fatalf("Holds failed: %v", err)
	}
	if !holds {
		t.Fatal("renewed lock expired early")
	}
}

func TestReleaseRules(t *testing.T) {
	f := newFixture(t)
	testsupport.SeedMember(t, f.db, "case-1", "alice")

	res, err := f.mgr.ReleaseLock(as("w1", "worker"), "doc-1", "w1")
	if err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if res.Reason != locks.ReasonNotLocked {
		t.Fatalf("expected NOT_LOCKED on unlocked doc, got %s", res.Reason)
	}

	if res, _ := f.mgr.AcquireLock(as("w1", "worker"), "doc-1", "w1", time.Hour); !res.Success {
		t.Fatalf("acquire failed: %+v", res)
	}
	res, err = f.mgr.ReleaseLock(as("alice", ""), "doc-1", "alice")
	if err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if res.Success || res.Reason != locks.ReasonAccessDenied {
		t.Fatalf("member released another holder's lock: %+v", res)
	}

	for _, caller := range []string{"alice", "mallory"} {
		res, err = f.mgr.ReleaseLock(as(caller, ""), "doc-1", "w1")
		if err != nil {
			t.Fatalf("ReleaseLock failed: %v", err)
		}
		if res.Success || res.Reason != locks.ReasonAccessDenied {
			t.Fatalf("%s released w1's lock by naming it: %+v", caller, res)
		}
	}
	if locked, err := f.mgr.IsLocked(context.Background(), "doc-1"); err != nil || !locked {
		t.Fatalf("expected w1 to keep the lock, locked=%v err=%v", locked, err)
	}

	res, err = f.mgr.ReleaseLock(as("w1", "worker"), "doc-1", "w1")
	if err != nil || !res.Success {
		t.Fatalf("holder release failed: %+v %v", res, err)
	}

	events, err := f.mgr.Events(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 2 || events[0].Kind != locks.EventAcquire || events[1].Kind != locks.EventRelease {
		t.Fatalf("unexpected audit trail: %+v", events)
	}
}

func TestAdminForceRelease(t *testing.T) {
	f := newFixture(t)
	if res, _ := f.mgr.AcquireLock(as("w1", "worker"), "doc-1", "w1", time.Hour); !res.Success {
		t.Fatalf("acquire failed: %+v", res)
	}
	res, err := f.mgr.ReleaseLock(as("root", "admin"), "doc-1", "root")
	if err != nil || !res.Success {
		t.Fatalf("admin release failed: %+v %v", res, err)
	}
	events, err := f.mgr.Events(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	last := events[len(events)-1]
	if last.Kind != locks.EventForceRelease || last.Holder != "w1" || last.Actor != "root" {
		t.Fatalf("unexpected force release event: %+v", last)
	}
}

func TestMemberForceReleaseAfterIdleWindow(t *testing.T) {
	f := newFixture(t, testsupport.WithMemberForceRelease(600))
	testsupport.SeedMember(t, f.db, "case-1", "alice")

	if res, _ := f.mgr.AcquireLock(as("w1", "worker"), "doc-1", "w1", time.Hour); !res.Success {
		t.Fatalf("acquire failed: %+v", res)
	}

	f.clock.Advance(5 * time.Minute)
	res, err := f.mgr.ReleaseLock(as("alice", ""), "doc-1", "alice")
	if err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if res.Success {
		t.Fatal("member released a recently renewed lock")
	}

	f.clock.Advance(6 * time.Minute)
	res, err = f.mgr.ReleaseLock(as("alice", ""), "doc-1", "alice")
	if err != nil || !res.Success {
		t.Fatalf("member force release failed: %+v %v", res, err)
	}
}

func TestCleanupReclaimsStaleLocks(t *testing.T) {
	f := newFixture(t)
	testsupport.SeedDocument(t, f.db, "doc-2", "case-1", "")

	if res, _ := f.mgr.AcquireLock(as("w1", "worker"), "doc-1", "w1", time.Hour); !res.Success {
		t.Fatalf("acquire doc-1 failed: %+v", res)
	}
	f.clock.Advance(20 * time.Minute)
	if res, _ := f.mgr.AcquireLock(as("w2", "worker"), "doc-2", "w2", time.Hour); !res.Success {
		t.Fatalf("acquire doc-2 failed: %+v", res)
	}

	reclaimed, err := f.mgr.CleanupExpiredLocks(as("root", "admin"), 600)
	if err != nil {
		t.Fatalf("CleanupExpiredLocks failed: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].DocumentID != "doc-1" || reclaimed[0].Holder != "w1" {
		t.Fatalf("unexpected reclaimed set: %+v", reclaimed)
	}
	if reclaimed[0].HeldFor != 20*time.Minute {
		t.Fatalf("unexpected held duration %s", reclaimed[0].HeldFor)
	}

	locked, err := f.mgr.IsLocked(context.Background(), "doc-2")
	if err != nil || !locked {
		t.Fatalf("fresh lock was reclaimed: %v %v", locked, err)
	}

	again, err := f.mgr.CleanupExpiredLocks(as("root", "admin"), 600)
	if err != nil {
		t.Fatalf("second cleanup failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second cleanup reclaimed %d locks", len(again))
	}
}

func TestCleanupRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	if res, _ := f.mgr.AcquireLock(as("w1", "worker"), "doc-1", "w1", time.Minute); !res.Success {
		t.Fatalf("acquire failed: %+v", res)
	}
	f.clock.Advance(time.Hour)

	if _, err := f.mgr.CleanupExpiredLocks(context.Background(), 600); !errors.Is(err, locks.ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
	_, err := f.mgr.CleanupExpiredLocks(as("w1", "worker"), 600)
	if !errors.Is(err, locks.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if services.Classify(err) != services.ClassAuthorization {
		t.Fatalf("expected authorization class, got %s", services.Classify(err))
	}

	info, err := f.mgr.Status(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if info.Holder != "w1" {
		t.Fatal("denied cleanup modified the lock")
	}
}

func TestDefaultTimeoutApplied(t *testing.T) {
	f := newFixture(t)
	res, err := f.mgr.AcquireLock(as("w1", "worker"), "doc-1", "w1", 0)
	if err != nil || !res.Success {
		t.Fatalf("acquire failed: %+v %v", res, err)
	}
	want := epoch.Add(time.Duration(config.Default().Locks.DefaultTimeoutSeconds) * time.Second)
	if !res.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, res.ExpiresAt)
	}
}
