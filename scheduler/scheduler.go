// Package scheduler drives the cycle loop: a single-threaded sequence of
// passes over the vault, repeated on an interval under a PID singleton
// lock. Each pass is isolated so one failing pass never blocks the rest of
// the cycle, and every pass is idempotent so a crashed cycle resumes
// cleanly on the next run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/clerkd/clerkd/approval"
	"github.com/clerkd/clerkd/config"
	"github.com/clerkd/clerkd/executor"
	"github.com/clerkd/clerkd/ledger"
	"github.com/clerkd/clerkd/planner"
	"github.com/clerkd/clerkd/recovery"
	"github.com/clerkd/clerkd/report"
	"github.com/clerkd/clerkd/vault"
)

// OverviewName is the planning overview document maintained each cycle.
const OverviewName = "Planning_Overview.md"

// BriefingName is the periodic activity briefing document.
const BriefingName = "Briefing.md"

// CycleStats aggregates one full cycle for logging and the report store.
type CycleStats struct {
	Discovered int
	Swept      int // completed tasks archived by the crash sweep
	Executor   executor.Summary
	Approvals  []approval.Resolution
	Recovery   recovery.Report
	Rotated    bool
	Briefed    bool
}

// Scheduler owns the cycle loop and its collaborators.
type Scheduler struct {
	cfg      *config.Config
	store    *vault.Store
	intake   *ledger.Store // inbox discovery ledger
	meta     *ledger.Store // scheduler bookkeeping (briefing last_run)
	exec     *executor.Executor
	gate     *approval.Gate
	recover  *recovery.Recovery
	plan     planner.Planner
	reports  *report.Store
	logger   *slog.Logger

	now func() time.Time
}

// New wires a scheduler. The report store may be nil, in which case audit
// history and briefings are skipped.
func New(cfg *config.Config, store *vault.Store, intake, meta *ledger.Store,
	exec *executor.Executor, gate *approval.Gate, rec *recovery.Recovery,
	plan planner.Planner, reports *report.Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if plan == nil {
		plan = planner.HeuristicPlanner{}
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		intake:  intake,
		meta:    meta,
		exec:    exec,
		gate:    gate,
		recover: rec,
		plan:    plan,
		reports: reports,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the scheduler clock. Test hook.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// LockPath is where the singleton lock lives for a given vault.
func LockPath(vaultRoot string) string {
	return filepath.Join(vaultRoot, ".clerkd.lock")
}

// RunOnce takes the lock, runs a single cycle, and releases.
func (s *Scheduler) RunOnce(ctx context.Context) (CycleStats, error) {
	lock := NewLock(LockPath(s.cfg.VaultRoot))
	if err := lock.Acquire(); err != nil {
		return CycleStats{}, err
	}
	defer lock.Release()
	return s.Cycle(ctx), nil
}

// Run holds the lock and cycles on the configured interval until ctx is
// canceled. The in-flight cycle always finishes; cancellation is only
// observed between cycles and between tasks.
func (s *Scheduler) Run(ctx context.Context) error {
	lock := NewLock(LockPath(s.cfg.VaultRoot))
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()
	s.logger.Info("scheduler started", "vault", s.cfg.VaultRoot, "interval", s.cfg.Interval())

	ticker := time.NewTicker(s.cfg.Interval())
	defer ticker.Stop()
	for {
		s.Cycle(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle runs the ordered passes once. Pass failures are logged and the
// cycle continues; Cycle itself never fails.
func (s *Scheduler) Cycle(ctx context.Context) CycleStats {
	started := s.now().UTC()
	var stats CycleStats

	if n, err := s.discoverPass(); err != nil {
		s.logger.Error("discover pass failed", "error", err)
	} else {
		stats.Discovered = n
	}
	if err := s.planPass(ctx); err != nil {
		s.logger.Error("plan pass failed", "error", err)
	}
	if sum, err := s.exec.Run(ctx); err != nil {
		s.logger.Error("execute pass failed", "error", err)
	} else {
		stats.Executor = sum
	}
	if n, err := s.sweepPass(); err != nil {
		s.logger.Error("archive sweep failed", "error", err)
	} else {
		stats.Swept = n
	}
	if settled, err := s.gate.ResolvePass(); err != nil {
		s.logger.Error("approval pass failed", "error", err)
	} else {
		stats.Approvals = settled
	}
	if rep, err := s.recover.Run(); err != nil {
		s.logger.Error("recovery pass failed", "error", err)
	} else {
		stats.Recovery = rep
	}
	s.maintenancePass(&stats)

	finished := s.now().UTC()
	if s.reports != nil {
		err := s.reports.RecordCycle(&report.CycleRecord{
			StartedAt:        started,
			FinishedAt:       finished,
			Discovered:       stats.Discovered,
			Processed:        stats.Executor.Processed,
			Completed:        stats.Executor.Completed,
			AwaitingApproval: stats.Executor.AwaitingApproval,
			Quarantined:      stats.Recovery.Quarantined,
			Retried:          stats.Recovery.Retried,
			Errors:           stats.Executor.Errors,
		})
		if err != nil {
			s.logger.Warn("cycle record failed", "error", err)
		}
	}
	s.logger.Info("cycle finished",
		"took", finished.Sub(started),
		"discovered", stats.Discovered,
		"processed", stats.Executor.Processed,
		"completed", stats.Executor.Completed,
		"awaiting_approval", stats.Executor.AwaitingApproval,
		"quarantined", stats.Recovery.Quarantined,
		"retried", stats.Recovery.Retried,
	)
	return stats
}

// discoverPass turns new inbox documents into working tasks exactly once.
// The intake ledger is checked before and written after the move, so a
// crash in between leaves the file out of the inbox and the next pass is a
// no-op. A ledger key is never written for a move that did not happen.
func (s *Scheduler) discoverPass() (int, error) {
	names, err := s.store.List(s.cfg.Stages.Inbox)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, name := range names {
		seen, err := s.intake.Has(name)
		if err != nil {
			return count, err
		}
		if seen {
			continue
		}
		now := s.now().UTC()
		err = s.store.Mutate(s.cfg.Stages.Inbox, name, func(d *vault.Document) error {
			fields := [][2]string{
				{"status", string(vault.StatusPending)},
				{"source", "inbox"},
			}
			if d.Field("created_at") == "" {
				fields = append(fields, [2]string{"created_at", now.Format(vault.TimeFormat)})
			}
			d.SetFields(fields)
			if len(d.Steps()) == 0 {
				d.Content += fmt.Sprintf("\n## Steps\n\n- [ ] Review %s\n", d.Title())
			}
			return nil
		})
		if err != nil {
			s.logger.Warn("inbox prepare failed", "file", name, "error", err)
			continue
		}
		final, err := s.store.Move(name, s.cfg.Stages.Inbox, s.cfg.Stages.Working)
		if err != nil {
			s.logger.Warn("inbox move failed", "file", name, "error", err)
			continue
		}
		if err := s.intake.Record(name, ledger.Fields{
			"task":          final,
			"discovered_at": now.Format(vault.TimeFormat),
		}, false); err != nil {
			return count, err
		}
		s.logger.Info("task discovered", "file", name, "task", final)
		s.store.AppendLog(s.cfg.Stages.Logs, "actions.log", "discover",
			fmt.Sprintf("intake %s as %s", name, final))
		count++
	}
	return count, nil
}

// planPass snapshots the vault and refreshes the planning overview.
func (s *Scheduler) planPass(ctx context.Context) error {
	snap := planner.Snapshot{At: s.now().UTC()}
	var err error
	if snap.InboxCount, err = s.store.Count(s.cfg.Stages.Inbox); err != nil {
		return err
	}
	if snap.Quarantined, err = s.store.Count(s.cfg.Stages.Quarantine); err != nil {
		return err
	}
	if snap.DoneCount, err = s.store.Count(s.cfg.Stages.Done); err != nil {
		return err
	}
	names, err := s.store.List(s.cfg.Stages.Working)
	if err != nil {
		return err
	}
	for _, name := range names {
		doc, err := s.store.Read(s.cfg.Stages.Working, name)
		if err != nil {
			continue
		}
		steps := doc.Steps()
		info := planner.TaskInfo{
			Name:       name,
			Title:      doc.Title(),
			Priority:   doc.Priority(),
			Status:     string(doc.Status()),
			StepsDone:  doc.StepsDone(),
			StepsTotal: len(steps),
		}
		if doc.Status() == vault.StatusAwaitingApproval {
			snap.AwaitingApproval++
		}
		snap.Pending = append(snap.Pending, info)
	}
	body, err := s.plan.Plan(ctx, snap)
	if err != nil {
		return err
	}
	return s.store.Write(s.cfg.Stages.Plans, &vault.Document{Name: OverviewName, Content: body})
}

// sweepPass archives tasks left in the working stage with completed status,
// the residue of a crash between the completion annotation and the move.
func (s *Scheduler) sweepPass() (int, error) {
	names, err := s.store.List(s.cfg.Stages.Working)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, name := range names {
		doc, err := s.store.Read(s.cfg.Stages.Working, name)
		if err != nil {
			continue
		}
		if doc.Status() != vault.StatusCompleted {
			continue
		}
		final, err := s.store.Move(name, s.cfg.Stages.Working, s.cfg.Stages.Done)
		if err != nil {
			s.logger.Warn("archive sweep move failed", "task", name, "error", err)
			continue
		}
		s.logger.Info("completed task swept to done", "task", name, "archived_as", final)
		count++
	}
	return count, nil
}

// maintenancePass rotates oversized logs and, at most once per reporting
// window, renders the activity briefing into the vault.
func (s *Scheduler) maintenancePass(stats *CycleStats) {
	rotated, err := s.rotateLog("actions.log")
	if err != nil {
		s.logger.Warn("log rotation failed", "error", err)
	}
	stats.Rotated = rotated

	if s.reports == nil || s.cfg.ReportEvery() <= 0 {
		return
	}
	now := s.now().UTC()
	rec, err := s.meta.Get("briefing")
	if err != nil {
		s.logger.Warn("briefing gate read failed", "error", err)
		return
	}
	if rec != nil {
		last, err := time.Parse(vault.TimeFormat, rec.String("last_run"))
		if err == nil && now.Sub(last) < s.cfg.ReportEvery() {
			return
		}
	}
	body, err := s.reports.Briefing(s.cfg.ReportEvery(), now)
	if err != nil {
		s.logger.Warn("briefing render failed", "error", err)
		return
	}
	if err := s.store.Write(s.cfg.Stages.Logs, &vault.Document{Name: BriefingName, Content: body}); err != nil {
		s.logger.Warn("briefing write failed", "error", err)
		return
	}
	if err := s.meta.Update("briefing", ledger.Fields{"last_run": now.Format(vault.TimeFormat)}); err != nil {
		s.logger.Warn("briefing gate update failed", "error", err)
		return
	}
	stats.Briefed = true
	s.logger.Info("briefing written", "file", BriefingName)
}

// rotateLog archives a log file once it crosses the size cap. The archive
// name carries the date; a same-day collision gets a counter suffix. The
// fresh log starts with a header line so a truncated tail is obvious.
func (s *Scheduler) rotateLog(file string) (bool, error) {
	if s.cfg.Scheduler.MaxLogBytes <= 0 {
		return false, nil
	}
	path := filepath.Join(s.store.StagePath(s.cfg.Stages.Logs), file)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.Size() < s.cfg.Scheduler.MaxLogBytes {
		return false, nil
	}
	now := s.now().UTC()
	base := path + "." + now.Format("2006-01-02")
	dest := base
	for i := 1; ; i++ {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			break
		}
		dest = fmt.Sprintf("%s.%d", base, i)
	}
	if err := os.Rename(path, dest); err != nil {
		return false, fmt.Errorf("rotate %s: %w", file, err)
	}
	header := fmt.Sprintf("[%s] [scheduler] log rotated, previous archive %s\n",
		now.Format(vault.TimeFormat), filepath.Base(dest))
	if err := os.WriteFile(path, []byte(header), 0o644); err != nil {
		return true, fmt.Errorf("start fresh log %s: %w", file, err)
	}
	s.logger.Info("log rotated", "file", file, "archive", filepath.Base(dest))
	return true, nil
}

// Status is the operator-facing snapshot printed by the status commands.
type Status struct {
	LockOwner        int
	Inbox            int
	Working          int
	AwaitingApproval int
	Quarantined      int
	Done             int
	PendingApprovals []string
	StaleApprovals   []string
}

// Snapshot gathers a Status without taking the lock.
func (s *Scheduler) Snapshot() (Status, error) {
	var st Status
	st.LockOwner = NewLock(LockPath(s.cfg.VaultRoot)).Owner()
	var err error
	if st.Inbox, err = s.store.Count(s.cfg.Stages.Inbox); err != nil {
		return st, err
	}
	if st.Working, err = s.store.Count(s.cfg.Stages.Working); err != nil {
		return st, err
	}
	if st.Quarantined, err = s.store.Count(s.cfg.Stages.Quarantine); err != nil {
		return st, err
	}
	if st.Done, err = s.store.Count(s.cfg.Stages.Done); err != nil {
		return st, err
	}
	names, err := s.store.List(s.cfg.Stages.Working)
	if err != nil {
		return st, err
	}
	for _, name := range names {
		doc, err := s.store.Read(s.cfg.Stages.Working, name)
		if err == nil && doc.Status() == vault.StatusAwaitingApproval {
			st.AwaitingApproval++
		}
	}
	if st.PendingApprovals, err = s.gate.Pending(); err != nil {
		return st, err
	}
	if s.cfg.Approval.StaleAfterHours > 0 {
		stale, err := s.gate.Stale(time.Duration(s.cfg.Approval.StaleAfterHours) * time.Hour)
		if err != nil {
			return st, err
		}
		st.StaleApprovals = stale
	}
	return st, nil
}
