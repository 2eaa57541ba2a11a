package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/clerkd/clerkd/vault"
)

// PlanName maps a task document name to its plan document name:
// write_report.md -> write_report_md_Plan.md
func PlanName(task string) string {
	return vault.SafeName(task) + "_Plan.md"
}

// ensurePlan creates the execution plan document for a task if it does not
// exist yet. The plan mirrors the task's step list at first sight and then
// accumulates one log entry per executed step.
func (e *Executor) ensurePlan(doc *vault.Document) error {
	name := PlanName(doc.Name)
	if e.store.Exists(e.stages.Plans, name) {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "---\ntype: plan\ntask: %s\ncreated_at: %s\n---\n\n", doc.Name, e.now().UTC().Format(vault.TimeFormat))
	fmt.Fprintf(&b, "# Plan: %s\n\n## Steps\n\n", doc.Title())
	for _, s := range doc.Steps() {
		mark := " "
		if s.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, s.Text)
	}
	b.WriteString("\n## Execution Log\n")
	return e.store.Write(e.stages.Plans, &vault.Document{Name: name, Content: b.String()})
}

// planEntry appends a timestamped line to a task's execution log. Plan
// bookkeeping never fails a cycle; errors are logged and swallowed.
func (e *Executor) planEntry(task, format string, args ...any) {
	name := PlanName(task)
	line := fmt.Sprintf("- %s: %s\n", e.now().UTC().Format(vault.TimeFormat), fmt.Sprintf(format, args...))
	if !e.store.Exists(e.stages.Plans, name) {
		doc := &vault.Document{
			Name:    name,
			Content: fmt.Sprintf("# Plan: %s\n\n## Execution Log\n", task),
		}
		if err := e.store.Write(e.stages.Plans, doc); err != nil {
			e.logger.Warn("plan create failed", "task", task, "error", err)
			return
		}
	}
	err := e.store.Mutate(e.stages.Plans, name, func(doc *vault.Document) error {
		if !strings.HasSuffix(doc.Content, "\n") {
			doc.Content += "\n"
		}
		doc.Content += line
		return nil
	})
	if err != nil {
		e.logger.Warn("plan append failed", "task", task, "error", err)
	}
}

// closePlan stamps a terminal outcome section onto a task's plan document.
// A plan closes once; later calls leave it alone.
func (e *Executor) closePlan(task, outcome, detail string) {
	name := PlanName(task)
	if !e.store.Exists(e.stages.Plans, name) {
		return
	}
	err := e.store.Mutate(e.stages.Plans, name, func(doc *vault.Document) error {
		if strings.Contains(doc.Content, "\n## Outcome") {
			return nil
		}
		if !strings.HasSuffix(doc.Content, "\n") {
			doc.Content += "\n"
		}
		doc.Content += fmt.Sprintf("\n## Outcome\n\n%s at %s: %s\n",
			outcome, e.now().UTC().Format(vault.TimeFormat), detail)
		return nil
	})
	if err != nil {
		e.logger.Warn("plan close failed", "task", task, "error", err)
	}
}

// StepAudit is one executed step, as handed to the Auditor.
type StepAudit struct {
	Task    string
	Step    int
	Text    string
	Intent  string
	Result  string
	At      time.Time
	Outcome string
}

// Auditor records step history for later reporting. The executor tolerates
// a nil Auditor and treats audit failures as non-fatal.
type Auditor interface {
	RecordStep(a StepAudit) error
}
