// Package recovery implements quarantine and retry for failing tasks. A
// task lands in quarantine either because its step failed, because it sat
// untouched in the working stage past the staleness threshold, or because a
// human filed it manually. Quarantined tasks are retried on a delay up to a
// bounded number of attempts and then parked permanently for human review.
package recovery

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/clerkd/clerkd/config"
	"github.com/clerkd/clerkd/ledger"
	"github.com/clerkd/clerkd/vault"
)

// Report summarizes one recovery pass.
type Report struct {
	Quarantined int // newly quarantined by the stuck scan
	Retried     int // sent back to the working stage
	Exhausted   int // newly marked out of retries
	Waiting     int // still in quarantine, delay not elapsed
}

// Recovery runs the quarantine lifecycle over the vault.
type Recovery struct {
	store  *vault.Store
	state  *ledger.Store // executor task state, read to skip parked tasks
	quar   *ledger.Store // quarantine bookkeeping
	stages config.StageConfig
	cfg    config.RecoveryConfig
	logger *slog.Logger

	now func() time.Time
}

// New returns a Recovery over the given vault and ledgers.
func New(store *vault.Store, state, quar *ledger.Store, cfg *config.Config, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		store:  store,
		state:  state,
		quar:   quar,
		stages: cfg.Stages,
		cfg:    cfg.Recovery,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the recovery clock. Test hook.
func (r *Recovery) WithClock(now func() time.Time) *Recovery {
	r.now = now
	return r
}

func (r *Recovery) stuckThreshold() time.Duration {
	return time.Duration(r.cfg.StuckThresholdMinutes) * time.Minute
}

func (r *Recovery) retryDelay() time.Duration {
	return time.Duration(r.cfg.RetryDelaySeconds) * time.Second
}

// Run performs one full recovery pass: scan for stuck tasks, then retry
// what is due.
func (r *Recovery) Run() (Report, error) {
	var rep Report
	quarantined, err := r.Scan()
	if err != nil {
		return rep, err
	}
	rep.Quarantined = quarantined
	retried, exhausted, waiting, err := r.Retry()
	if err != nil {
		return rep, err
	}
	rep.Retried = retried
	rep.Exhausted = exhausted
	rep.Waiting = waiting
	return rep, nil
}

// Scan quarantines tasks in the working stage that have not been touched
// within the staleness threshold. Tasks parked on an approval request are
// never stuck: waiting on a human is healthy.
func (r *Recovery) Scan() (int, error) {
	names, err := r.store.List(r.stages.Working)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-r.stuckThreshold())
	count := 0
	for _, name := range names {
		st, err := r.state.Get(name)
		if err != nil {
			return count, err
		}
		if st != nil && st.String("approval_id") != "" {
			continue
		}
		mod, err := r.store.ModTime(r.stages.Working, name)
		if err != nil {
			continue // raced with a move, not an error
		}
		if !mod.Before(cutoff) {
			continue
		}
		cause := fmt.Sprintf("stuck: no progress since %s", mod.UTC().Format(vault.TimeFormat))
		if err := r.LogError(name, cause); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// LogError quarantines a task from the working stage with a cause. Safe to
// call manually from the CLI when a task is known bad.
func (r *Recovery) LogError(name, cause string) error {
	now := r.now().UTC()
	rec, err := r.quar.Get(name)
	if err != nil {
		return err
	}
	attempt := 0
	if rec != nil {
		attempt = rec.Int("attempts")
	}
	retryAt := now.Add(r.retryDelay())
	err = r.store.Mutate(r.stages.Working, name, func(d *vault.Document) error {
		d.SetFields([][2]string{
			{"status", string(vault.StatusError)},
			{"error_attempt", fmt.Sprintf("%d", attempt)},
			{"error_retry_at", retryAt.Format(vault.TimeFormat)},
		})
		d.AppendNote(fmt.Sprintf("ERROR %s: %s", now.Format(vault.TimeFormat), cause))
		return nil
	})
	if err != nil {
		return fmt.Errorf("annotate %s: %w", name, err)
	}
	final, err := r.store.Move(name, r.stages.Working, r.stages.Quarantine)
	if err != nil {
		return err
	}
	if err := r.quar.Update(name, ledger.Fields{
		"status":     string(vault.StatusError),
		"file":       final,
		"attempts":   attempt,
		"last_error": cause,
		"error_at":   now.Format(vault.TimeFormat),
		"retry_at":   retryAt.Format(vault.TimeFormat),
	}); err != nil {
		return err
	}
	if err := r.state.Update(name, ledger.Fields{"status": string(vault.StatusError)}); err != nil {
		return err
	}
	r.logger.Warn("task quarantined", "task", name, "cause", cause, "attempt", attempt)
	return r.store.AppendLog(r.stages.Logs, "actions.log", "recovery",
		fmt.Sprintf("quarantined %s: %s", name, cause))
}

// Retry returns due tasks to the working stage and marks out-of-retries
// tasks exhausted. Returns (retried, exhausted, waiting).
func (r *Recovery) Retry() (int, int, int, error) {
	names, err := r.store.List(r.stages.Quarantine)
	if err != nil {
		return 0, 0, 0, err
	}
	now := r.now().UTC()
	var retried, exhausted, waiting int
	for _, file := range names {
		doc, err := r.store.Read(r.stages.Quarantine, file)
		if err != nil {
			return retried, exhausted, waiting, err
		}
		if doc.Status() == vault.StatusErrorExhausted {
			continue
		}
		if doc.Kind() == "approval_request" {
			continue
		}
		key := r.quarKey(file)
		rec, err := r.quar.Get(key)
		if err != nil {
			return retried, exhausted, waiting, err
		}
		if rec == nil {
			// adopted: quarantined by hand, start its clock now
			rec = ledger.Fields{"attempts": 0}
			if err := r.quar.Update(key, ledger.Fields{
				"attempts": 0,
				"file":     file,
				"status":   string(vault.StatusError),
				"retry_at": now.Format(vault.TimeFormat),
			}); err != nil {
				return retried, exhausted, waiting, err
			}
		}
		attempts := rec.Int("attempts")
		if attempts >= r.cfg.MaxRetries {
			if err := r.exhaust(key, file, attempts); err != nil {
				return retried, exhausted, waiting, err
			}
			exhausted++
			continue
		}
		retryAt, err := time.Parse(vault.TimeFormat, rec.String("retry_at"))
		if err == nil && now.Before(retryAt) {
			waiting++
			continue
		}
		if err := r.requeue(key, file, attempts); err != nil {
			return retried, exhausted, waiting, err
		}
		retried++
	}
	return retried, exhausted, waiting, nil
}

// requeue sends a quarantined task back to the working stage for another
// attempt.
func (r *Recovery) requeue(key, file string, attempts int) error {
	now := r.now().UTC()
	next := attempts + 1
	err := r.store.Mutate(r.stages.Quarantine, file, func(d *vault.Document) error {
		d.SetFields([][2]string{
			{"status", string(vault.StatusPending)},
			{"error_attempt", fmt.Sprintf("%d", next)},
		})
		d.AppendNote(fmt.Sprintf("RETRY %s: attempt %d of %d", now.Format(vault.TimeFormat), next, r.cfg.MaxRetries))
		return nil
	})
	if err != nil {
		return fmt.Errorf("annotate retry %s: %w", file, err)
	}
	final, err := r.store.Move(file, r.stages.Quarantine, r.stages.Working)
	if err != nil {
		return err
	}
	if err := r.quar.Update(key, ledger.Fields{
		"status":     "retrying",
		"attempts":   next,
		"file":       final,
		"retried_at": now.Format(vault.TimeFormat),
	}); err != nil {
		return err
	}
	if err := r.state.Update(key, ledger.Fields{"status": string(vault.StatusPending)}); err != nil {
		return err
	}
	r.logger.Info("task requeued", "task", key, "attempt", next)
	return r.store.AppendLog(r.stages.Logs, "actions.log", "recovery",
		fmt.Sprintf("requeued %s, attempt %d/%d", final, next, r.cfg.MaxRetries))
}

// exhaust marks a task permanently failed. It stays in quarantine until a
// human intervenes; nothing automatic touches it again.
func (r *Recovery) exhaust(key, file string, attempts int) error {
	now := r.now().UTC()
	err := r.store.Mutate(r.stages.Quarantine, file, func(d *vault.Document) error {
		d.SetField("status", string(vault.StatusErrorExhausted))
		d.AppendNote(fmt.Sprintf("EXHAUSTED %s: %d attempts used, needs human attention", now.Format(vault.TimeFormat), attempts))
		return nil
	})
	if err != nil {
		return fmt.Errorf("annotate exhausted %s: %w", file, err)
	}
	if err := r.quar.Update(key, ledger.Fields{
		"status":       string(vault.StatusErrorExhausted),
		"exhausted_at": now.Format(vault.TimeFormat),
	}); err != nil {
		return err
	}
	r.logger.Error("task exhausted retries", "task", key, "attempts", attempts)
	return r.store.AppendLog(r.stages.Logs, "actions.log", "recovery",
		fmt.Sprintf("exhausted %s after %d attempts", file, attempts))
}

// quarKey maps a quarantine filename back to its ledger key. Collision
// suffixes added by the store stay in the filename; the ledger key is
// whatever name the task had when first quarantined, recorded in the
// ledger's file field. Falls back to the filename itself.
func (r *Recovery) quarKey(file string) string {
	all, err := r.quar.All()
	if err != nil {
		return file
	}
	for key, rec := range all {
		if rec.String("file") == file {
			return key
		}
	}
	return file
}

// StatusEntry is one quarantined task, for status output.
type StatusEntry struct {
	Task     string
	File     string
	Status   string
	Attempts int
	RetryAt  string
	Cause    string
}

// Status lists the quarantine ledger for human inspection.
func (r *Recovery) Status() ([]StatusEntry, error) {
	all, err := r.quar.All()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]StatusEntry, 0, len(keys))
	for _, k := range keys {
		rec := all[k]
		entries = append(entries, StatusEntry{
			Task:     k,
			File:     rec.String("file"),
			Status:   rec.String("status"),
			Attempts: rec.Int("attempts"),
			RetryAt:  rec.String("retry_at"),
			Cause:    rec.String("last_error"),
		})
	}
	return entries, nil
}
