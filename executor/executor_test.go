package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clerkd/clerkd/action"
	"github.com/clerkd/clerkd/approval"
	"github.com/clerkd/clerkd/config"
	"github.com/clerkd/clerkd/ledger"
	"github.com/clerkd/clerkd/vault"
)

type harness struct {
	exec  *Executor
	store *vault.Store
	gate  *approval.Gate
	state *ledger.Store
	cfg   *config.Config
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, performer action.Performer) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.VaultRoot = t.TempDir()
	store := vault.New(cfg.VaultRoot)
	err := store.EnsureStages(cfg.Stages.Inbox, cfg.Stages.Working, cfg.Stages.Approval,
		cfg.Stages.Quarantine, cfg.Stages.Done, cfg.Stages.Plans, cfg.Stages.Logs)
	if err != nil {
		t.Fatal(err)
	}
	logger := testLogger()
	state := ledger.New(filepath.Join(cfg.VaultRoot, "task_state.json"))
	approvals := ledger.New(filepath.Join(cfg.VaultRoot, "approval_ledger.json"))
	seq := 0
	gate := approval.NewGate(store, approvals, cfg.Stages, logger).
		WithIDFunc(func() string { seq++; return fmt.Sprintf("req%04d", seq) })
	classifier, err := DefaultRules().Compile()
	if err != nil {
		t.Fatal(err)
	}
	exec := New(store, state, gate, classifier, performer, nil, cfg, logger)
	return &harness{exec: exec, store: store, gate: gate, state: state, cfg: cfg}
}

func (h *harness) addTask(t *testing.T, name string, steps ...string) {
	t.Helper()
	var b strings.Builder
	b.WriteString("---\ntype: task\nstatus: pending\n---\n\n# ")
	b.WriteString(strings.TrimSuffix(name, ".md"))
	b.WriteString("\n\n## Steps\n\n")
	for _, s := range steps {
		fmt.Fprintf(&b, "- [ ] %s\n", s)
	}
	if err := h.store.Write(h.cfg.Stages.Working, &vault.Document{Name: name, Content: b.String()}); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) approvalID(t *testing.T, task string) string {
	t.Helper()
	rec, err := h.state.Get(task)
	if err != nil || rec == nil {
		t.Fatalf("no state for %s: %v", task, err)
	}
	id := rec.String("approval_id")
	if id == "" {
		t.Fatalf("no approval_id in state for %s", task)
	}
	return id
}

func TestCompleteTask(t *testing.T) {
	h := newHarness(t, nil)
	h.addTask(t, "notes.md", "Review the outline", "Log the outcome")

	out, err := h.exec.ProcessTask(context.Background(), "notes.md")
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", out)
	}
	if h.store.Exists(h.cfg.Stages.Working, "notes.md") {
		t.Error("task still in working stage")
	}
	doc, err := h.store.Read(h.cfg.Stages.Done, "notes.md")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status() != vault.StatusCompleted {
		t.Errorf("status = %q", doc.Status())
	}
	if doc.StepsDone() != 2 {
		t.Errorf("steps done = %d, want 2", doc.StepsDone())
	}
	rec, _ := h.state.Get("notes.md")
	if rec.String("status") != string(OutcomeCompleted) {
		t.Errorf("ledger status = %q", rec.String("status"))
	}
	if !h.store.Exists(h.cfg.Stages.Plans, PlanName("notes.md")) {
		t.Error("plan document missing")
	}
	plan, err := h.store.Read(h.cfg.Stages.Plans, PlanName("notes.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(plan.Content, "## Outcome") {
		t.Error("plan not closed with an outcome section")
	}
	if !strings.Contains(plan.Content, string(OutcomeCompleted)) {
		t.Error("outcome section missing the terminal state")
	}
}

func TestStepsRunInListOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.cfg.Executor.MaxIter = 1
	h.exec.cfg.MaxIter = 1
	h.addTask(t, "ordered.md", "Review part one", "Review part two")

	out, err := h.exec.ProcessTask(context.Background(), "ordered.md")
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeMaxIter {
		t.Fatalf("outcome = %s, want max_iter", out)
	}
	doc, _ := h.store.Read(h.cfg.Stages.Working, "ordered.md")
	steps := doc.Steps()
	if !steps[0].Done || steps[1].Done {
		t.Errorf("done flags = %v %v, want first only", steps[0].Done, steps[1].Done)
	}
}

func TestMaxIterThenResume(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.cfg.MaxIter = 2
	h.addTask(t, "long.md", "Review a", "Review b", "Review c")

	ctx := context.Background()
	if out, err := h.exec.ProcessTask(ctx, "long.md"); err != nil || out != OutcomeMaxIter {
		t.Fatalf("first pass = %s, %v", out, err)
	}
	if out, err := h.exec.ProcessTask(ctx, "long.md"); err != nil || out != OutcomeCompleted {
		t.Fatalf("second pass = %s, %v", out, err)
	}
}

func TestRiskyStepParks(t *testing.T) {
	h := newHarness(t, nil)
	h.addTask(t, "risky.md", "Send email to the board")

	out, err := h.exec.ProcessTask(context.Background(), "risky.md")
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeAwaitingApproval {
		t.Fatalf("outcome = %s", out)
	}
	doc, _ := h.store.Read(h.cfg.Stages.Working, "risky.md")
	if doc.Status() != vault.StatusAwaitingApproval {
		t.Errorf("status = %q", doc.Status())
	}
	if doc.StepsDone() != 0 {
		t.Error("risky step was executed")
	}
	id := h.approvalID(t, "risky.md")
	req, err := h.store.Read(h.cfg.Stages.Approval, "APPROVAL_"+id+".md")
	if err != nil {
		t.Fatal(err)
	}
	if req.Field("risk_category") != "communication" {
		t.Errorf("risk_category = %q", req.Field("risk_category"))
	}
}

func TestPendingApprovalMakesNoProgress(t *testing.T) {
	h := newHarness(t, nil)
	h.addTask(t, "parked.md", "Send email to the board", "Log the outcome")
	ctx := context.Background()

	if out, _ := h.exec.ProcessTask(ctx, "parked.md"); out != OutcomeAwaitingApproval {
		t.Fatalf("outcome = %s", out)
	}
	// decision still pending: repeated cycles change nothing
	for i := 0; i < 3; i++ {
		out, err := h.exec.ProcessTask(ctx, "parked.md")
		if err != nil {
			t.Fatal(err)
		}
		if out != OutcomeAwaitingApproval {
			t.Fatalf("cycle %d outcome = %s", i, out)
		}
	}
	doc, _ := h.store.Read(h.cfg.Stages.Working, "parked.md")
	if doc.StepsDone() != 0 {
		t.Error("steps executed while approval pending")
	}
}

func TestApprovedStepExecutes(t *testing.T) {
	h := newHarness(t, nil)
	h.addTask(t, "approved.md", "Send email to the board")
	ctx := context.Background()

	if out, _ := h.exec.ProcessTask(ctx, "approved.md"); out != OutcomeAwaitingApproval {
		t.Fatal("task did not park")
	}
	id := h.approvalID(t, "approved.md")
	if err := h.gate.Resolve(id, approval.DecisionApproved); err != nil {
		t.Fatal(err)
	}
	out, err := h.exec.ProcessTask(ctx, "approved.md")
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", out)
	}
	doc, _ := h.store.Read(h.cfg.Stages.Done, "approved.md")
	if !strings.Contains(doc.Content, "approved:") {
		t.Error("approved result note missing")
	}
	// consumed request archived out of the approval stage
	if h.store.Exists(h.cfg.Stages.Approval, "APPROVAL_"+id+".md") {
		t.Error("request document not archived")
	}
}

func TestRejectedStepSkippedExecutionContinues(t *testing.T) {
	h := newHarness(t, nil)
	h.addTask(t, "triple.md",
		"Review the draft",
		"Publish the draft",
		"Log the outcome")
	ctx := context.Background()

	out, err := h.exec.ProcessTask(ctx, "triple.md")
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeAwaitingApproval {
		t.Fatalf("outcome = %s, want awaiting_approval after safe first step", out)
	}
	doc, _ := h.store.Read(h.cfg.Stages.Working, "triple.md")
	if doc.StepsDone() != 1 {
		t.Fatalf("steps done = %d, want 1 before the gate", doc.StepsDone())
	}

	id := h.approvalID(t, "triple.md")
	if err := h.gate.Resolve(id, approval.DecisionRejected); err != nil {
		t.Fatal(err)
	}

	out, err = h.exec.ProcessTask(ctx, "triple.md")
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", out)
	}
	doc, _ = h.store.Read(h.cfg.Stages.Done, "triple.md")
	if doc.StepsDone() != 3 {
		t.Errorf("steps done = %d, want all 3 checked", doc.StepsDone())
	}
	if !strings.Contains(doc.Content, "skipped: approval "+id+" REJECTED") {
		t.Error("rejection note missing from the skipped step")
	}
}

func TestStepFailureQuarantines(t *testing.T) {
	h := newHarness(t, &action.FailPerformer{Err: errors.New("smtp down")})
	h.addTask(t, "fragile.md", "Deliver the newsletter")

	out, err := h.exec.ProcessTask(context.Background(), "fragile.md")
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeError {
		t.Fatalf("outcome = %s, want error", out)
	}
	if h.store.Exists(h.cfg.Stages.Working, "fragile.md") {
		t.Error("failed task still in working stage")
	}
	doc, err := h.store.Read(h.cfg.Stages.Quarantine, "fragile.md")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status() != vault.StatusError {
		t.Errorf("status = %q", doc.Status())
	}
	if !strings.Contains(doc.Content, "smtp down") {
		t.Error("error cause missing from the document")
	}
	if doc.StepsDone() != 0 {
		t.Error("failed step was checked off")
	}
	plan, err := h.store.Read(h.cfg.Stages.Plans, PlanName("fragile.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(plan.Content, "## Outcome") {
		t.Error("plan not closed with an outcome section")
	}
	if !strings.Contains(plan.Content, "smtp down") {
		t.Error("outcome section missing the failure cause")
	}
}

func TestRunRespectsMaxTasks(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.cfg.MaxTasks = 2
	h.addTask(t, "a.md", "Review a")
	h.addTask(t, "b.md", "Review b")
	h.addTask(t, "c.md", "Review c")

	sum, err := h.exec.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Processed != 2 || sum.Completed != 2 {
		t.Errorf("summary = %+v, want 2 processed, 2 completed", sum)
	}
	if !h.store.Exists(h.cfg.Stages.Working, "c.md") {
		t.Error("third task should be untouched this cycle")
	}
}

func TestShutdownIsNotATaskFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.addTask(t, "a.md", "Review a")
	h.addTask(t, "b.md", "Review b")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := h.exec.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Errors != 0 || sum.Processed != 0 {
		t.Errorf("summary = %+v, want nothing counted", sum)
	}

	out, err := h.exec.ProcessTask(ctx, "a.md")
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeInProgress {
		t.Errorf("outcome = %q, want %q", out, OutcomeInProgress)
	}
	doc, err := h.store.Read(h.cfg.Stages.Working, "a.md")
	if err != nil {
		t.Fatal(err)
	}
	if doc.StepsDone() != 0 {
		t.Error("step executed after shutdown")
	}
}

func TestCompletedStateSkips(t *testing.T) {
	h := newHarness(t, nil)
	h.addTask(t, "done.md", "Review a")
	if err := h.state.Update("done.md", ledger.Fields{"status": string(OutcomeCompleted)}); err != nil {
		t.Fatal(err)
	}
	out, err := h.exec.ProcessTask(context.Background(), "done.md")
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeSkipped {
		t.Errorf("outcome = %s, want skipped", out)
	}
}

func TestClockInjection(t *testing.T) {
	h := newHarness(t, nil)
	fixed := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	h.exec.WithClock(func() time.Time { return fixed })
	h.addTask(t, "timed.md", "Review the draft")

	if _, err := h.exec.ProcessTask(context.Background(), "timed.md"); err != nil {
		t.Fatal(err)
	}
	doc, _ := h.store.Read(h.cfg.Stages.Done, "timed.md")
	if doc.Field("completed_at") != "2026-08-30 10:00:00 UTC" {
		t.Errorf("completed_at = %q", doc.Field("completed_at"))
	}
}
