package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clerkd/clerkd/action"
	"github.com/clerkd/clerkd/approval"
	"github.com/clerkd/clerkd/config"
	"github.com/clerkd/clerkd/executor"
	"github.com/clerkd/clerkd/ledger"
	"github.com/clerkd/clerkd/planner"
	"github.com/clerkd/clerkd/recovery"
	"github.com/clerkd/clerkd/report"
	"github.com/clerkd/clerkd/vault"
)

type harness struct {
	sched  *Scheduler
	store  *vault.Store
	intake *ledger.Store
	cfg    *config.Config
	now    time.Time
}

func newHarness(t *testing.T, reports *report.Store) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.VaultRoot = t.TempDir()
	store := vault.New(cfg.VaultRoot)
	err := store.EnsureStages(cfg.Stages.Inbox, cfg.Stages.Working, cfg.Stages.Approval,
		cfg.Stages.Quarantine, cfg.Stages.Done, cfg.Stages.Plans, cfg.Stages.Logs)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := cfg.VaultRoot
	intake := ledger.New(filepath.Join(dir, "intake.json"))
	state := ledger.New(filepath.Join(dir, "state.json"))
	approvals := ledger.New(filepath.Join(dir, "approvals.json"))
	quar := ledger.New(filepath.Join(dir, "quarantine.json"))
	meta := ledger.New(filepath.Join(dir, "meta.json"))

	gate := approval.NewGate(store, approvals, cfg.Stages, logger)
	classifier, err := executor.DefaultRules().Compile()
	if err != nil {
		t.Fatal(err)
	}
	var auditor executor.Auditor
	if reports != nil {
		auditor = reports
	}
	exec := executor.New(store, state, gate, classifier,
		&action.LogPerformer{}, auditor, cfg, logger)
	rec := recovery.New(store, state, quar, cfg, logger)
	sched := New(cfg, store, intake, meta, exec, gate, rec,
		planner.HeuristicPlanner{}, reports, logger)

	h := &harness{sched: sched, store: store, intake: intake, cfg: cfg,
		now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	sched.WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) dropInbox(t *testing.T, name, content string) {
	t.Helper()
	if err := h.store.Write(h.cfg.Stages.Inbox, &vault.Document{Name: name, Content: content}); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.dropInbox(t, "new.md", "# New thing\n\n## Steps\n\n- [ ] Review it\n")

	n, err := h.sched.discoverPass()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("discovered = %d", n)
	}
	if !h.store.Exists(h.cfg.Stages.Working, "new.md") {
		t.Error("task not admitted to working stage")
	}
	if ok, _ := h.intake.Has("new.md"); !ok {
		t.Error("intake ledger missing the key")
	}

	// a same-named file dropped later must never be admitted again
	h.dropInbox(t, "new.md", "# Imposter\n")
	n, err = h.sched.discoverPass()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("duplicate admitted, discovered = %d", n)
	}
	if !h.store.Exists(h.cfg.Stages.Inbox, "new.md") {
		t.Error("duplicate should stay in the inbox for a human to sort out")
	}
}

func TestDiscoverSurvivesRestart(t *testing.T) {
	h := newHarness(t, nil)
	h.dropInbox(t, "durable.md", "# Durable\n\n- [ ] Review it\n")
	if _, err := h.sched.discoverPass(); err != nil {
		t.Fatal(err)
	}
	// a fresh ledger instance over the same file sees the same history
	reopened := ledger.New(h.intake.Path())
	if ok, _ := reopened.Has("durable.md"); !ok {
		t.Error("intake record not durable")
	}
}

func TestDiscoverSynthesizesSteps(t *testing.T) {
	h := newHarness(t, nil)
	h.dropInbox(t, "bare.md", "# Bare note\n\nJust some text.\n")
	if _, err := h.sched.discoverPass(); err != nil {
		t.Fatal(err)
	}
	doc, err := h.store.Read(h.cfg.Stages.Working, "bare.md")
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Steps()) != 1 {
		t.Fatalf("steps = %d, want 1 synthesized", len(doc.Steps()))
	}
	if doc.Status() != vault.StatusPending {
		t.Errorf("status = %q", doc.Status())
	}
	if doc.Field("created_at") == "" {
		t.Error("created_at not stamped")
	}
}

func TestCycleEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.dropInbox(t, "easy.md", "# Easy\n\n## Steps\n\n- [ ] Review the notes\n- [ ] Log the outcome\n")

	stats := h.sched.Cycle(context.Background())
	if stats.Discovered != 1 {
		t.Errorf("discovered = %d", stats.Discovered)
	}
	if stats.Executor.Completed != 1 {
		t.Errorf("completed = %d", stats.Executor.Completed)
	}
	if !h.store.Exists(h.cfg.Stages.Done, "easy.md") {
		t.Error("task did not reach done")
	}
	if !h.store.Exists(h.cfg.Stages.Plans, OverviewName) {
		t.Error("planning overview missing")
	}
}

func TestSweepArchivesCompletedResidue(t *testing.T) {
	h := newHarness(t, nil)
	// simulate a crash after the completion annotation but before the move
	doc := &vault.Document{Name: "half.md", Content: "---\nstatus: completed\n---\n\n# Half\n"}
	if err := h.store.Write(h.cfg.Stages.Working, doc); err != nil {
		t.Fatal(err)
	}
	n, err := h.sched.sweepPass()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept = %d", n)
	}
	if !h.store.Exists(h.cfg.Stages.Done, "half.md") {
		t.Error("residue not archived")
	}
}

func TestRotateLog(t *testing.T) {
	h := newHarness(t, nil)
	h.cfg.Scheduler.MaxLogBytes = 64
	logPath := filepath.Join(h.store.StagePath(h.cfg.Stages.Logs), "actions.log")
	if err := os.WriteFile(logPath, []byte(strings.Repeat("x", 100)), 0o644); err != nil {
		t.Fatal(err)
	}
	rotated, err := h.sched.rotateLog("actions.log")
	if err != nil {
		t.Fatal(err)
	}
	if !rotated {
		t.Fatal("oversized log not rotated")
	}
	if _, err := os.Stat(logPath + ".2026-08-30"); err != nil {
		t.Errorf("date-suffixed archive missing: %v", err)
	}
	fresh, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(fresh), "log rotated") {
		t.Error("fresh log missing header")
	}

	// same-day second rotation gets a counter suffix
	if err := os.WriteFile(logPath, []byte(strings.Repeat("y", 100)), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := h.sched.rotateLog("actions.log"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(logPath + ".2026-08-30.1"); err != nil {
		t.Errorf("collision archive missing: %v", err)
	}
}

func TestRotateLogUnderCapNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.cfg.Scheduler.MaxLogBytes = 1 << 20
	logPath := filepath.Join(h.store.StagePath(h.cfg.Stages.Logs), "actions.log")
	if err := os.WriteFile(logPath, []byte("small"), 0o644); err != nil {
		t.Fatal(err)
	}
	rotated, err := h.sched.rotateLog("actions.log")
	if err != nil || rotated {
		t.Errorf("rotated = %v, %v; want false, nil", rotated, err)
	}
}

func TestRunOnceRespectsLock(t *testing.T) {
	h := newHarness(t, nil)
	lock := NewLock(LockPath(h.cfg.VaultRoot))
	if err := lock.Acquire(); err != nil {
		t.Fatal(err)
	}
	defer lock.Release()
	_, err := h.sched.RunOnce(context.Background())
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("err = %v, want ErrLockHeld", err)
	}
}

func TestBriefingGatedPerWindow(t *testing.T) {
	reports, err := report.Open(filepath.Join(t.TempDir(), "clerk.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer reports.Close()
	h := newHarness(t, reports)

	var stats CycleStats
	h.sched.maintenancePass(&stats)
	if !stats.Briefed {
		t.Fatal("first maintenance pass did not write the briefing")
	}
	if !h.store.Exists(h.cfg.Stages.Logs, BriefingName) {
		t.Error("briefing document missing")
	}

	// within the window nothing new is rendered
	stats = CycleStats{}
	h.now = h.now.Add(time.Hour)
	h.sched.maintenancePass(&stats)
	if stats.Briefed {
		t.Error("briefing written again inside the window")
	}

	// past the window the gate opens
	stats = CycleStats{}
	h.now = h.now.Add(h.cfg.ReportEvery())
	h.sched.maintenancePass(&stats)
	if !stats.Briefed {
		t.Error("briefing not refreshed after the window elapsed")
	}
}

func TestSnapshotCounts(t *testing.T) {
	h := newHarness(t, nil)
	h.dropInbox(t, "waiting.md", "# W\n")
	if err := h.store.Write(h.cfg.Stages.Working, &vault.Document{
		Name:    "active.md",
		Content: "---\nstatus: awaiting_approval\n---\n\n# A\n",
	}); err != nil {
		t.Fatal(err)
	}
	st, err := h.sched.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if st.Inbox != 1 || st.Working != 1 || st.AwaitingApproval != 1 {
		t.Errorf("snapshot = %+v", st)
	}
	if st.LockOwner != 0 {
		t.Errorf("lock owner = %d, want 0", st.LockOwner)
	}
}
