package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"caseflow/internal/api"
)

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out := mustRunCLI(t, env, "config", "validate")
	requireContains(t, out, "Config path: "+env.configPath)
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, "inference.api_key is not set")

	target := filepath.Join(t.TempDir(), "config.toml")
	out = mustRunCLI(t, env, "config", "init", "--path", target)
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, env.configPath); err == nil {
		t.Fatal("expected init to refuse an existing file")
	}
	mustRunCLI(t, env, "config", "init", "--path", target, "--overwrite")
}

func TestDocumentLockLifecycle(t *testing.T) {
	env := setupCLITestEnv(t)

	requireContains(t, mustRunCLI(t, env, "documents", "add", "doc-1", "--case", "case-1"), "Registered document doc-1")
	requireContains(t, mustRunCLI(t, env, "lock", "acquire", "doc-1", "--holder", "worker-a"), "Acquired lock on doc-1 for worker-a")
	requireContains(t, mustRunCLI(t, env, "lock", "status", "doc-1"), "locked by worker-a")

	_, _, err := runCLI(t, []string{"lock", "acquire", "doc-1", "--holder", "worker-b"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "ALREADY_LOCKED") {
		t.Fatalf("expected contention, got %v", err)
	}

	requireContains(t, mustRunCLI(t, env, "lock", "renew", "doc-1", "--holder", "worker-a"), "Renewed lock on doc-1")
	requireContains(t, mustRunCLI(t, env, "lock", "release", "doc-1", "--holder", "worker-a"), "Released lock on doc-1")

	out := mustRunCLI(t, env, "lock", "status", "doc-1", "--events", "--json")
	var status api.LockStatus
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode lock status: %v\n%s", err, out)
	}
	if status.Held || len(status.Events) != 2 {
		t.Fatalf("unexpected lock status: %+v", status)
	}

	_, _, err = runCLI(t, []string{"lock", "status", "missing"}, env.configPath)
	if err == nil {
		t.Fatal("expected an error for an unknown document")
	}
}

func TestNonMemberIsDeniedLock(t *testing.T) {
	env := setupCLITestEnv(t)
	mustRunCLI(t, env, "documents", "add", "doc-1", "--case", "case-1")

	_, _, err := runCLI(t, []string{"--principal", "outsider", "--roles", "", "lock", "acquire", "doc-1"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "ACCESS_DENIED") {
		t.Fatalf("expected ACCESS_DENIED, got %v", err)
	}

	mustRunCLI(t, env, "documents", "member", "case-1", "reviewer-1")
	out, stderr, err := runCLI(t, []string{"--principal", "reviewer-1", "--roles", "", "lock", "acquire", "doc-1"}, env.configPath)
	if err != nil {
		t.Fatalf("member acquire: %v (%s)", err, stderr)
	}
	requireContains(t, out, "for reviewer-1")
}

func TestJobsEnqueueAndList(t *testing.T) {
	env := setupCLITestEnv(t)
	mustRunCLI(t, env, "documents", "add", "doc-1", "--case", "case-1")

	requireContains(t, mustRunCLI(t, env, "jobs", "enqueue", "ocr", "doc-1"), "Queued ocr job 1 for doc-1")
	if _, _, err := runCLI(t, []string{"jobs", "enqueue", "summarize", "doc-1"}, env.configPath); err == nil {
		t.Fatal("expected unknown job type to fail")
	}

	out := mustRunCLI(t, env, "jobs", "list", "--json")
	var jobs []api.Job
	if err := json.Unmarshal([]byte(out), &jobs); err != nil {
		t.Fatalf("decode jobs: %v\n%s", err, out)
	}
	if len(jobs) != 1 || jobs[0].Status != "queued" || jobs[0].CaseID != "case-1" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}

	requireContains(t, mustRunCLI(t, env, "jobs", "list"), "doc-1")
	requireContains(t, mustRunCLI(t, env, "jobs", "show", "1"), "Job 1 (ocr)")

	out = mustRunCLI(t, env, "jobs", "stats", "--json")
	var stats map[string]int
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats["queued"] != 1 {
		t.Fatalf("expected one queued job, got %v", stats)
	}
}

func TestResetRequiresAdmin(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, []string{"--roles", "", "jobs", "reset"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "admin") {
		t.Fatalf("expected admin error, got %v", err)
	}
	requireContains(t, mustRunCLI(t, env, "jobs", "reset"), "No jobs to reset")
}

func TestWorkflowCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	requireContains(t, mustRunCLI(t, env, "workflow", "start", "case-1", "--priority", "high"), "Started general workflow 1 for case case-1 at Upload")
	requireContains(t, mustRunCLI(t, env, "workflow", "advance", "1", "--reason", "files received"), "Workflow 1 is now at Extraction")
	requireContains(t, mustRunCLI(t, env, "workflow", "return", "1", "--to", "upload"), "Workflow 1 returned to Upload")

	out := mustRunCLI(t, env, "workflow", "show", "1", "--json")
	var resp api.WorkflowResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode workflow: %v\n%s", err, out)
	}
	if resp.Item.Stage != "upload" || len(resp.Transitions) != 3 {
		t.Fatalf("unexpected workflow: %+v", resp)
	}

	if _, _, err := runCLI(t, []string{"workflow", "start", "case-1", "--priority", "someday"}, env.configPath); err == nil {
		t.Fatal("expected unknown priority to fail")
	}
	requireContains(t, mustRunCLI(t, env, "workflow", "durations"), "Upload")
}

func TestApprovalCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	requireContains(t, mustRunCLI(t, env, "approvals", "request", "case-1", "translate"), "Requested approval 1")
	requireContains(t, mustRunCLI(t, env, "approvals", "list"), "translate")
	requireContains(t, mustRunCLI(t, env, "--principal", "lead", "approvals", "approve", "1"), "Approval 1 approved by lead")
	if _, _, err := runCLI(t, []string{"approvals", "deny", "1"}, env.configPath); err == nil {
		t.Fatal("expected deciding twice to fail")
	}
	requireContains(t, mustRunCLI(t, env, "approvals", "list"), "No pending approvals")
}

func TestSweepCommands(t *testing.T) {
	env := setupCLITestEnv(t)
	mustRunCLI(t, env, "documents", "add", "doc-1", "--case", "case-1")

	out := mustRunCLI(t, env, "sweep", "sla", "--json")
	var report api.SLASweepResponse
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode sla report: %v\n%s", err, out)
	}
	if report.NewViolations != 0 {
		t.Fatalf("unexpected violations on an empty system: %+v", report)
	}

	requireContains(t, mustRunCLI(t, env, "sweep", "locks"), "No stale locks")
	if _, _, err := runCLI(t, []string{"--roles", "", "sweep", "locks"}, env.configPath); err == nil {
		t.Fatal("expected lock sweep to require admin")
	}
	requireContains(t, mustRunCLI(t, env, "sweep", "diagnose"), "case-1")
}

func TestDBHealth(t *testing.T) {
	env := setupCLITestEnv(t)
	out := mustRunCLI(t, env, "db", "health")
	requireContains(t, out, "Schema version")
	requireContains(t, out, "Integrity")
}

func TestWorkerRequiresInferenceKey(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"worker", "run"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected missing api key error, got %v", err)
	}
}

func TestStageTitle(t *testing.T) {
	if got := stageTitle("ai_processing"); got != "Ai Processing" {
		t.Fatalf("stageTitle = %q", got)
	}
}

func TestProcessTagIsUniquePerProcess(t *testing.T) {
	a, b := processTag(), processTag()
	if a == b {
		t.Fatalf("expected distinct tags, got %q twice", a)
	}
	if !strings.Contains(a, "-"+strconv.Itoa(os.Getpid())+"-") {
		t.Fatalf("expected pid in tag %q", a)
	}
}
