// Package executor implements the per-task step state machine. Each cycle
// it advances a bounded number of tasks by a bounded number of steps,
// classifying every step for risk before executing it and parking risky
// steps behind the approval gate. All progress is durable: a step is marked
// done in the task document the moment it executes, so a crash never
// re-runs a completed step.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clerkd/clerkd/action"
	"github.com/clerkd/clerkd/approval"
	"github.com/clerkd/clerkd/config"
	"github.com/clerkd/clerkd/ledger"
	"github.com/clerkd/clerkd/vault"
)

// Outcome is the terminal result of one ProcessTask call.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeInProgress       Outcome = "in_progress"
	OutcomeMaxIter          Outcome = "max_iter"
	OutcomeAwaitingApproval Outcome = "awaiting_approval"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeError            Outcome = "error"
)

// Summary aggregates one executor pass over the working stage.
type Summary struct {
	Processed        int
	Completed        int
	AwaitingApproval int
	Errors           int
	Deferred         int // tasks hitting the per-cycle step bound
}

// Executor drives tasks in the working stage through their step lists.
type Executor struct {
	store     *vault.Store
	state     *ledger.Store
	gate      *approval.Gate
	rules     *Classifier
	performer action.Performer
	auditor   Auditor
	stages    config.StageConfig
	cfg       config.ExecutorConfig
	logger    *slog.Logger

	now func() time.Time
}

// New returns an executor. The auditor may be nil.
func New(store *vault.Store, state *ledger.Store, gate *approval.Gate, rules *Classifier,
	performer action.Performer, auditor Auditor, cfg *config.Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if performer == nil {
		performer = &action.LogPerformer{Logger: logger}
	}
	return &Executor{
		store:     store,
		state:     state,
		gate:      gate,
		rules:     rules,
		performer: performer,
		auditor:   auditor,
		stages:    cfg.Stages,
		cfg:       cfg.Executor,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the executor clock. Test hook.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Run advances tasks in the working stage, oldest name first, stopping
// after MaxTasks. Tasks that fail are quarantined and do not stop the pass.
func (e *Executor) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	names, err := e.store.List(e.stages.Working)
	if err != nil {
		return sum, err
	}
	for _, name := range names {
		if sum.Processed >= e.cfg.MaxTasks {
			break
		}
		if ctx.Err() != nil {
			// shutdown is not a task failure, leave the rest for later
			break
		}
		outcome, err := e.ProcessTask(ctx, name)
		if err != nil {
			e.logger.Error("task processing failed", "task", name, "error", err)
			sum.Errors++
			sum.Processed++
			continue
		}
		switch outcome {
		case OutcomeCompleted:
			sum.Completed++
			sum.Processed++
		case OutcomeAwaitingApproval:
			sum.AwaitingApproval++
			sum.Processed++
		case OutcomeMaxIter, OutcomeInProgress:
			sum.Deferred++
			sum.Processed++
		case OutcomeError:
			sum.Errors++
			sum.Processed++
		case OutcomeSkipped:
			// already finished or quarantined, not counted against MaxTasks
		}
	}
	return sum, nil
}

// ProcessTask advances a single task by up to MaxIter steps and returns how
// it stopped.
func (e *Executor) ProcessTask(ctx context.Context, name string) (Outcome, error) {
	doc, err := e.store.Read(e.stages.Working, name)
	if err != nil {
		return OutcomeError, err
	}
	st, err := e.state.Get(name)
	if err != nil {
		return OutcomeError, err
	}
	if st == nil {
		st = ledger.Fields{}
	}
	if st.String("status") == string(OutcomeCompleted) {
		return OutcomeSkipped, nil
	}
	if st.String("status") == string(vault.StatusError) {
		// quarantine owns it now
		return OutcomeSkipped, nil
	}

	if err := e.ensurePlan(doc); err != nil {
		e.logger.Warn("plan setup failed", "task", name, "error", err)
	}
	started := st.String("started_at")
	if started == "" {
		started = e.now().UTC().Format(vault.TimeFormat)
	}

	// A parked task resumes only once its approval request settles.
	if id := st.String("approval_id"); id != "" {
		outcome, done, err := e.resumeFromApproval(ctx, doc, st, id)
		if done || err != nil {
			return outcome, err
		}
		// settled and consumed, reload the document and continue stepping
		if doc, err = e.store.Read(e.stages.Working, name); err != nil {
			return OutcomeError, err
		}
	}

	iterations := 0
	for iterations < e.cfg.MaxIter {
		if ctx.Err() != nil {
			// position is already persisted, the next cycle picks up here
			return OutcomeInProgress, nil
		}
		idx, step, ok := nextStep(doc)
		if !ok {
			return e.complete(doc, started)
		}
		if match, risky := e.rules.ClassifyRisk(step.Text); risky {
			return e.park(doc, idx, step, match, started)
		}
		intent := e.rules.RouteIntent(step.Text)
		result, err := e.execute(ctx, doc, step, intent)
		if err != nil {
			return e.quarantine(doc, idx, err)
		}
		if err := e.advance(doc, idx, step, intent, result, started, iterations+1); err != nil {
			return OutcomeError, err
		}
		iterations++
		if doc, err = e.store.Read(e.stages.Working, doc.Name); err != nil {
			return OutcomeError, err
		}
	}
	if _, _, ok := nextStep(doc); !ok {
		return e.complete(doc, started)
	}
	e.planEntry(doc.Name, "paused after %d steps, more remain", e.cfg.MaxIter)
	if err := e.state.Update(doc.Name, ledger.Fields{
		"status":     string(OutcomeInProgress),
		"started_at": started,
		"last_run":   e.now().UTC().Format(vault.TimeFormat),
	}); err != nil {
		return OutcomeError, err
	}
	return OutcomeMaxIter, nil
}

// nextStep finds the first unchecked step.
func nextStep(doc *vault.Document) (int, vault.Step, bool) {
	for i, s := range doc.Steps() {
		if !s.Done {
			return i, s, true
		}
	}
	return 0, vault.Step{}, false
}

// execute runs one step through its intent handler.
func (e *Executor) execute(ctx context.Context, doc *vault.Document, step vault.Step, intent string) (string, error) {
	switch intent {
	case IntentReview:
		return fmt.Sprintf("Reviewed: %s", step.Text), nil
	case IntentLog:
		err := e.store.AppendLog(e.stages.Logs, "actions.log", "executor",
			fmt.Sprintf("%s: %s", doc.Name, step.Text))
		if err != nil {
			return "", fmt.Errorf("log step: %w", err)
		}
		return "Logged to actions.log", nil
	case IntentArchive:
		return "Noted for archival on completion", nil
	case IntentSend:
		return e.performer.Perform(ctx, IntentSend, map[string]string{
			"task": doc.Name,
			"step": step.Text,
		})
	default:
		return fmt.Sprintf("Acknowledged: %s", step.Text), nil
	}
}

// advance marks a step done in the task document, then records it in the
// state ledger, plan log, and audit trail. The document write comes first:
// if the process dies mid-advance the step will not run again, at the cost
// of slightly stale ledger metadata.
func (e *Executor) advance(doc *vault.Document, idx int, step vault.Step, intent, result, started string, current int) error {
	now := e.now().UTC()
	err := e.store.Mutate(e.stages.Working, doc.Name, func(d *vault.Document) error {
		if err := d.MarkStepDone(idx, result, now); err != nil {
			return err
		}
		d.SetFields([][2]string{
			{"status", string(vault.StatusInProgress)},
			{"updated_at", now.Format(vault.TimeFormat)},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("advance %s step %d: %w", doc.Name, idx, err)
	}
	if err := e.state.Update(doc.Name, ledger.Fields{
		"status":       string(OutcomeInProgress),
		"current_step": idx + 1,
		"iterations":   current,
		"started_at":   started,
		"last_run":     now.Format(vault.TimeFormat),
	}); err != nil {
		return err
	}
	e.planEntry(doc.Name, "step %d (%s) done: %s", idx+1, intent, result)
	e.audit(StepAudit{
		Task: doc.Name, Step: idx, Text: step.Text,
		Intent: intent, Result: result, At: now,
		Outcome: string(OutcomeInProgress),
	})
	return nil
}

// park files an approval request for a risky step and records the wait.
func (e *Executor) park(doc *vault.Document, idx int, step vault.Step, match RiskMatch, started string) (Outcome, error) {
	id, err := e.gate.Submit(doc.Name, idx, step.Text, match.Category)
	if err != nil {
		return OutcomeError, err
	}
	now := e.now().UTC()
	err = e.store.Mutate(e.stages.Working, doc.Name, func(d *vault.Document) error {
		d.SetFields([][2]string{
			{"status", string(vault.StatusAwaitingApproval)},
			{"approval_id", id},
			{"updated_at", now.Format(vault.TimeFormat)},
		})
		return nil
	})
	if err != nil {
		return OutcomeError, err
	}
	if err := e.state.Update(doc.Name, ledger.Fields{
		"status":        string(OutcomeAwaitingApproval),
		"approval_id":   id,
		"awaiting_step": idx,
		"started_at":    started,
		"last_run":      now.Format(vault.TimeFormat),
	}); err != nil {
		return OutcomeError, err
	}
	e.planEntry(doc.Name, "step %d flagged %s (%q), approval %s requested", idx+1, match.Category, match.Phrase, id)
	e.audit(StepAudit{
		Task: doc.Name, Step: idx, Text: step.Text,
		Intent: "approval", Result: "parked: " + match.Category, At: now,
		Outcome: string(OutcomeAwaitingApproval),
	})
	return OutcomeAwaitingApproval, nil
}

// resumeFromApproval consumes a settled approval request. done=true means
// the task's outcome for this cycle is decided here; done=false means the
// step loop should continue.
func (e *Executor) resumeFromApproval(ctx context.Context, doc *vault.Document, st ledger.Fields, id string) (Outcome, bool, error) {
	decision, err := e.gate.Poll(id)
	if err != nil {
		return OutcomeError, true, err
	}
	if decision == approval.DecisionPending {
		return OutcomeAwaitingApproval, true, nil
	}
	idx := st.Int("awaiting_step")
	steps := doc.Steps()
	now := e.now().UTC()
	if idx < len(steps) && !steps[idx].Done {
		step := steps[idx]
		switch decision {
		case approval.DecisionApproved:
			intent := e.rules.RouteIntent(step.Text)
			result, err := e.execute(ctx, doc, step, intent)
			if err != nil {
				out, qerr := e.quarantine(doc, idx, err)
				return out, true, qerr
			}
			result = "approved: " + result
			err = e.store.Mutate(e.stages.Working, doc.Name, func(d *vault.Document) error {
				return d.MarkStepDone(idx, result, now)
			})
			if err != nil {
				return OutcomeError, true, err
			}
			e.planEntry(doc.Name, "step %d approved via %s and executed", idx+1, id)
			e.audit(StepAudit{Task: doc.Name, Step: idx, Text: step.Text,
				Intent: intent, Result: result, At: now, Outcome: string(OutcomeInProgress)})
		default: // REJECTED or TIMEOUT
			note := fmt.Sprintf("skipped: approval %s %s", id, decision)
			err = e.store.Mutate(e.stages.Working, doc.Name, func(d *vault.Document) error {
				return d.MarkStepDone(idx, note, now)
			})
			if err != nil {
				return OutcomeError, true, err
			}
			e.planEntry(doc.Name, "step %d skipped, approval %s settled %s", idx+1, id, decision)
			e.audit(StepAudit{Task: doc.Name, Step: idx, Text: step.Text,
				Intent: "approval", Result: note, At: now, Outcome: string(OutcomeSkipped)})
		}
	}
	if err := e.gate.Archive(id); err != nil {
		e.logger.Warn("approval archive failed", "id", id, "error", err)
	}
	if err := e.state.Update(doc.Name, ledger.Fields{
		"status":        string(OutcomeInProgress),
		"approval_id":   "",
		"awaiting_step": -1,
		"last_run":      now.Format(vault.TimeFormat),
	}); err != nil {
		return OutcomeError, true, err
	}
	err = e.store.Mutate(e.stages.Working, doc.Name, func(d *vault.Document) error {
		d.SetField("status", string(vault.StatusInProgress))
		return nil
	})
	if err != nil {
		return OutcomeError, true, err
	}
	return OutcomeInProgress, false, nil
}

// complete archives a task whose steps are all done.
func (e *Executor) complete(doc *vault.Document, started string) (Outcome, error) {
	now := e.now().UTC()
	err := e.store.Mutate(e.stages.Working, doc.Name, func(d *vault.Document) error {
		d.SetFields([][2]string{
			{"status", string(vault.StatusCompleted)},
			{"completed_at", now.Format(vault.TimeFormat)},
		})
		return nil
	})
	if err != nil {
		return OutcomeError, err
	}
	final, err := e.store.Move(doc.Name, e.stages.Working, e.stages.Done)
	if err != nil {
		return OutcomeError, err
	}
	if err := e.state.Update(doc.Name, ledger.Fields{
		"status":       string(OutcomeCompleted),
		"started_at":   started,
		"completed_at": now.Format(vault.TimeFormat),
		"archived_as":  final,
	}); err != nil {
		return OutcomeError, err
	}
	e.planEntry(doc.Name, "task completed, archived as %s", final)
	e.closePlan(doc.Name, string(OutcomeCompleted), "archived as "+final)
	e.logger.Info("task completed", "task", doc.Name, "archived_as", final)
	e.audit(StepAudit{Task: doc.Name, At: now, Outcome: string(OutcomeCompleted)})
	return OutcomeCompleted, nil
}

// quarantine moves a failing task to the quarantine stage with an error
// annotation, handing it to recovery.
func (e *Executor) quarantine(doc *vault.Document, idx int, cause error) (Outcome, error) {
	now := e.now().UTC()
	err := e.store.Mutate(e.stages.Working, doc.Name, func(d *vault.Document) error {
		d.SetFields([][2]string{
			{"status", string(vault.StatusError)},
			{"error_at", now.Format(vault.TimeFormat)},
			{"error_step", fmt.Sprintf("%d", idx)},
		})
		d.AppendNote(fmt.Sprintf("ERROR %s at step %d: %v", now.Format(vault.TimeFormat), idx+1, cause))
		return nil
	})
	if err != nil {
		return OutcomeError, err
	}
	final, err := e.store.Move(doc.Name, e.stages.Working, e.stages.Quarantine)
	if err != nil {
		return OutcomeError, err
	}
	if err := e.state.Update(doc.Name, ledger.Fields{
		"status":   string(vault.StatusError),
		"error":    cause.Error(),
		"error_at": now.Format(vault.TimeFormat),
		"file":     final,
	}); err != nil {
		return OutcomeError, err
	}
	e.planEntry(doc.Name, "step %d failed, quarantined as %s: %v", idx+1, final, cause)
	e.closePlan(doc.Name, string(OutcomeError), fmt.Sprintf("step %d failed: %v", idx+1, cause))
	e.logger.Error("task quarantined", "task", doc.Name, "step", idx, "error", cause)
	e.audit(StepAudit{Task: doc.Name, Step: idx, Result: cause.Error(), At: now, Outcome: string(OutcomeError)})
	return OutcomeError, nil
}

func (e *Executor) audit(a StepAudit) {
	if e.auditor == nil {
		return
	}
	if err := e.auditor.RecordStep(a); err != nil {
		e.logger.Warn("audit record failed", "task", a.Task, "error", err)
	}
}
