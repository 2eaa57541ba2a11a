// Package approval implements the human-in-the-loop gate. Risky steps are
// written out as approval request documents; a human edits the document to
// approve or reject, and the next cycle picks the decision up. The gate
// never auto-approves and never expires a pending request on its own.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clerkd/clerkd/config"
	"github.com/clerkd/clerkd/ledger"
	"github.com/clerkd/clerkd/vault"
)

// Decision is the resolution state of an approval request.
type Decision string

const (
	DecisionPending  Decision = "PENDING"
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
	// DecisionTimeout is only ever produced by the blocking WaitForDecision
	// path. The non-blocking cycle path leaves requests pending forever.
	DecisionTimeout Decision = "TIMEOUT"
)

// ErrUnknownRequest reports an approval id with no ledger record.
var ErrUnknownRequest = errors.New("approval: unknown request id")

var (
	htmlCommentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	decisionRe    = regexp.MustCompile(`(?i)\b(APPROVED|REJECTED)\b`)
)

// Resolution is one settled request, as reported by ResolvePass.
type Resolution struct {
	ID       string
	Task     string
	Step     int
	Decision Decision
}

// Gate mediates approval requests between the executor and a human
// reviewer. All durable state lives in the approval ledger and the request
// documents themselves.
type Gate struct {
	store  *vault.Store
	ledger *ledger.Store
	stages config.StageConfig
	logger *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewGate returns a gate over the given vault and approval ledger.
func NewGate(store *vault.Store, led *ledger.Store, stages config.StageConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:  store,
		ledger: led,
		stages: stages,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.NewString()[:8] },
	}
}

// WithClock overrides the gate clock. Test hook.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// WithIDFunc overrides request id generation. Test hook.
func (g *Gate) WithIDFunc(fn func() string) *Gate {
	g.newID = fn
	return g
}

// docName returns the request document filename for an id.
func docName(id string) string { return fmt.Sprintf("APPROVAL_%s.md", id) }

// Submit files a new approval request for a step and returns its id. The
// request document is written before the ledger record, so a crash between
// the two leaves a harmless orphan document rather than a ledger entry
// pointing nowhere.
func (g *Gate) Submit(task string, stepIndex int, stepText, riskCategory string) (string, error) {
	id := g.newID()
	now := g.now().UTC()
	doc := &vault.Document{
		Name: docName(id),
		Content: fmt.Sprintf(`---
type: approval_request
approval_id: %s
task: %s
step_index: %d
risk_category: %s
status: pending
created_at: %s
---

# Approval Request %s

Task **%s** wants to run a step flagged as **%s**:

> %s

## Decision

<!-- Replace this comment with APPROVED or REJECTED. -->
`, id, task, stepIndex, riskCategory, now.Format(vault.TimeFormat), id, task, riskCategory, stepText),
	}
	if err := g.store.Write(g.stages.Approval, doc); err != nil {
		return "", fmt.Errorf("write approval request: %w", err)
	}
	err := g.ledger.Record(id, ledger.Fields{
		"status":       string(DecisionPending),
		"task":         task,
		"step":         stepIndex,
		"file":         doc.Name,
		"risk":         riskCategory,
		"requested_at": now.Format(vault.TimeFormat),
	}, false)
	if err != nil {
		return "", fmt.Errorf("record approval request: %w", err)
	}
	g.logger.Info("approval requested", "id", id, "task", task, "step", stepIndex, "risk", riskCategory)
	return id, nil
}

// Poll checks a single request for a decision. A decision found in the
// request document is promoted into the ledger, making it durable; after
// that the document is only an audit artifact.
func (g *Gate) Poll(id string) (Decision, error) {
	rec, err := g.ledger.Get(id)
	if err != nil {
		return DecisionPending, err
	}
	if rec == nil {
		return DecisionPending, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if d := Decision(rec.String("status")); d != DecisionPending && d != "" {
		return d, nil
	}
	doc, err := g.store.Read(g.stages.Approval, rec.String("file"))
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			// The human deleted the request document. Treat as rejection,
			// the conservative reading of a vanished request.
			if err := g.settle(id, DecisionRejected); err != nil {
				return DecisionPending, err
			}
			return DecisionRejected, nil
		}
		return DecisionPending, err
	}
	d := extractDecision(doc)
	if d == DecisionPending {
		return DecisionPending, nil
	}
	if err := g.settle(id, d); err != nil {
		return DecisionPending, err
	}
	return d, nil
}

// settle promotes a decision into the ledger.
func (g *Gate) settle(id string, d Decision) error {
	if err := g.ledger.Update(id, ledger.Fields{
		"status":     string(d),
		"decided_at": g.now().UTC().Format(vault.TimeFormat),
	}); err != nil {
		return fmt.Errorf("settle approval %s: %w", id, err)
	}
	g.logger.Info("approval settled", "id", id, "decision", string(d))
	return nil
}

// extractDecision scans a request document for a decision. Front-matter
// wins over body text; HTML comments in the body never count, so the
// instruction comment in a fresh request reads as undecided.
func extractDecision(doc *vault.Document) Decision {
	if f := strings.ToUpper(strings.TrimSpace(doc.Field("decision"))); f != "" {
		switch {
		case strings.Contains(f, "APPROVED"):
			return DecisionApproved
		case strings.Contains(f, "REJECTED"):
			return DecisionRejected
		}
	}
	body := htmlCommentRe.ReplaceAllString(doc.Content, "")
	if m := decisionRe.FindString(body); m != "" {
		return Decision(strings.ToUpper(m))
	}
	return DecisionPending
}

// Pending returns the ids of all unresolved requests, oldest first by id
// order.
func (g *Gate) Pending() ([]string, error) {
	all, err := g.ledger.All()
	if err != nil {
		return nil, err
	}
	var ids []string
	for id, rec := range all {
		if Decision(rec.String("status")) == DecisionPending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ResolvePass polls every pending request once and returns the ones that
// settled. This is the non-blocking cycle path; requests with no decision
// yet are left pending with no side effects.
func (g *Gate) ResolvePass() ([]Resolution, error) {
	ids, err := g.Pending()
	if err != nil {
		return nil, err
	}
	var settled []Resolution
	for _, id := range ids {
		d, err := g.Poll(id)
		if err != nil {
			g.logger.Warn("approval poll failed", "id", id, "error", err)
			continue
		}
		if d == DecisionPending {
			continue
		}
		rec, err := g.ledger.Get(id)
		if err != nil {
			return nil, err
		}
		settled = append(settled, Resolution{
			ID:       id,
			Task:     rec.String("task"),
			Step:     rec.Int("step"),
			Decision: d,
		})
	}
	return settled, nil
}

// Resolve records a human decision directly, the CLI equivalent of editing
// the request document.
func (g *Gate) Resolve(id string, d Decision) error {
	if d != DecisionApproved && d != DecisionRejected {
		return fmt.Errorf("approval: cannot resolve to %q", d)
	}
	rec, err := g.ledger.Get(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if cur := Decision(rec.String("status")); cur != DecisionPending {
		return fmt.Errorf("approval: request %s already %s", id, cur)
	}
	// Best effort mirror into the document so the vault reads consistently.
	if g.store.Exists(g.stages.Approval, rec.String("file")) {
		err := g.store.Mutate(g.stages.Approval, rec.String("file"), func(doc *vault.Document) error {
			doc.SetField("decision", string(d))
			return nil
		})
		if err != nil {
			g.logger.Warn("approval document update failed", "id", id, "error", err)
		}
	}
	return g.settle(id, d)
}

// Archive moves a settled request document into the done stage. The ledger
// record stays forever; only the document moves.
func (g *Gate) Archive(id string) error {
	rec, err := g.ledger.Get(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	file := rec.String("file")
	if !g.store.Exists(g.stages.Approval, file) {
		return nil
	}
	final, err := g.store.Move(file, g.stages.Approval, g.stages.Done)
	if err != nil {
		return err
	}
	return g.ledger.Update(id, ledger.Fields{"archived_as": final})
}

// WaitForDecision blocks until the request settles, the timeout passes, or
// ctx is canceled. On timeout the request is marked TIMEOUT in both the
// ledger and the document, so a late human edit cannot resurrect it.
func (g *Gate) WaitForDecision(ctx context.Context, id string, timeout, poll time.Duration) (Decision, error) {
	deadline := g.now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		d, err := g.Poll(id)
		if err != nil {
			return DecisionPending, err
		}
		if d != DecisionPending {
			return d, nil
		}
		if !g.now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return DecisionPending, ctx.Err()
		case <-ticker.C:
		}
	}
	rec, err := g.ledger.Get(id)
	if err != nil {
		return DecisionPending, err
	}
	if rec != nil && g.store.Exists(g.stages.Approval, rec.String("file")) {
		err := g.store.Mutate(g.stages.Approval, rec.String("file"), func(doc *vault.Document) error {
			doc.SetField("decision", string(DecisionTimeout))
			doc.SetField("status", "timeout")
			return nil
		})
		if err != nil {
			g.logger.Warn("approval timeout annotation failed", "id", id, "error", err)
		}
	}
	if err := g.settle(id, DecisionTimeout); err != nil {
		return DecisionPending, err
	}
	return DecisionTimeout, nil
}

// Stale returns pending requests older than threshold. Purely informational;
// callers surface them in status output, nothing is mutated.
func (g *Gate) Stale(threshold time.Duration) ([]string, error) {
	if threshold <= 0 {
		return nil, nil
	}
	all, err := g.ledger.All()
	if err != nil {
		return nil, err
	}
	cutoff := g.now().UTC().Add(-threshold)
	var ids []string
	for id, rec := range all {
		if Decision(rec.String("status")) != DecisionPending {
			continue
		}
		at, err := time.Parse(vault.TimeFormat, rec.String("requested_at"))
		if err != nil {
			continue
		}
		if at.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

