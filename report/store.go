// Package report keeps the audit and briefing history in a SQLite database
// alongside the vault logs. Nothing in the cycle protocol reads it back;
// it exists so humans can query what the system did and why, and so the
// periodic briefing has history to summarize.
package report

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/clerkd/clerkd/executor"
)

const schema = `
CREATE TABLE IF NOT EXISTS step_audit (
	id         TEXT PRIMARY KEY,
	task       TEXT NOT NULL,
	step       INTEGER NOT NULL,
	step_text  TEXT NOT NULL DEFAULT '',
	intent     TEXT NOT NULL DEFAULT '',
	result     TEXT NOT NULL DEFAULT '',
	outcome    TEXT NOT NULL,
	at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cycles (
	id                TEXT PRIMARY KEY,
	started_at        DATETIME NOT NULL,
	finished_at       DATETIME NOT NULL,
	discovered        INTEGER NOT NULL DEFAULT 0,
	processed         INTEGER NOT NULL DEFAULT 0,
	completed         INTEGER NOT NULL DEFAULT 0,
	awaiting_approval INTEGER NOT NULL DEFAULT 0,
	quarantined       INTEGER NOT NULL DEFAULT 0,
	retried           INTEGER NOT NULL DEFAULT 0,
	errors            INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_step_audit_at ON step_audit(at);
CREATE INDEX IF NOT EXISTS idx_cycles_finished ON cycles(finished_at);
`

// CycleRecord summarizes one completed scheduler cycle.
type CycleRecord struct {
	ID               string
	StartedAt        time.Time
	FinishedAt       time.Time
	Discovered       int
	Processed        int
	Completed        int
	AwaitingApproval int
	Quarantined      int
	Retried          int
	Errors           int
}

// Store is the SQLite-backed history store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the report database at dbPath and ensures the
// schema exists. The caller is responsible for Close.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// RecordStep implements executor.Auditor.
func (s *Store) RecordStep(a executor.StepAudit) error {
	_, err := s.db.Exec(`
		INSERT INTO step_audit (id, task, step, step_text, intent, result, outcome, at)
		VALUES (?,?,?,?,?,?,?,?)`,
		uuid.NewString(), a.Task, a.Step, a.Text, a.Intent, a.Result, a.Outcome, a.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert step audit: %w", err)
	}
	return nil
}

// RecordCycle persists a cycle summary and sets its ID.
func (s *Store) RecordCycle(c *CycleRecord) error {
	c.ID = uuid.NewString()
	_, err := s.db.Exec(`
		INSERT INTO cycles
			(id, started_at, finished_at, discovered, processed, completed,
			 awaiting_approval, quarantined, retried, errors)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.StartedAt.UTC(), c.FinishedAt.UTC(),
		c.Discovered, c.Processed, c.Completed,
		c.AwaitingApproval, c.Quarantined, c.Retried, c.Errors,
	)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	return nil
}

// CyclesSince returns cycle summaries finished after cutoff, newest first.
func (s *Store) CyclesSince(cutoff time.Time) ([]CycleRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, discovered, processed, completed,
		       awaiting_approval, quarantined, retried, errors
		FROM cycles WHERE finished_at > ? ORDER BY finished_at DESC`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()
	var out []CycleRecord
	for rows.Next() {
		var c CycleRecord
		if err := rows.Scan(&c.ID, &c.StartedAt, &c.FinishedAt, &c.Discovered,
			&c.Processed, &c.Completed, &c.AwaitingApproval,
			&c.Quarantined, &c.Retried, &c.Errors); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// StepsSince returns step audit entries after cutoff, newest first, capped
// at limit.
func (s *Store) StepsSince(cutoff time.Time, limit int) ([]executor.StepAudit, error) {
	rows, err := s.db.Query(`
		SELECT task, step, step_text, intent, result, outcome, at
		FROM step_audit WHERE at > ? ORDER BY at DESC LIMIT ?`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query step audit: %w", err)
	}
	defer rows.Close()
	var out []executor.StepAudit
	for rows.Next() {
		var a executor.StepAudit
		if err := rows.Scan(&a.Task, &a.Step, &a.Text, &a.Intent, &a.Result, &a.Outcome, &a.At); err != nil {
			return nil, fmt.Errorf("scan step audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Briefing renders a markdown digest of activity over the given window.
func (s *Store) Briefing(window time.Duration, now time.Time) (string, error) {
	cutoff := now.Add(-window)
	cycles, err := s.CyclesSince(cutoff)
	if err != nil {
		return "", err
	}
	steps, err := s.StepsSince(cutoff, 50)
	if err != nil {
		return "", err
	}

	var total CycleRecord
	for _, c := range cycles {
		total.Discovered += c.Discovered
		total.Processed += c.Processed
		total.Completed += c.Completed
		total.AwaitingApproval += c.AwaitingApproval
		total.Quarantined += c.Quarantined
		total.Retried += c.Retried
		total.Errors += c.Errors
	}

	var b strings.Builder
	fmt.Fprintf(&b, "---\ntype: briefing\ngenerated_at: %s\n---\n\n", now.UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "# Activity Briefing\n\nWindow: last %s, %d cycles.\n\n", window, len(cycles))
	b.WriteString("## Totals\n\n")
	fmt.Fprintf(&b, "- Tasks discovered: %d\n", total.Discovered)
	fmt.Fprintf(&b, "- Tasks processed: %d\n", total.Processed)
	fmt.Fprintf(&b, "- Tasks completed: %d\n", total.Completed)
	fmt.Fprintf(&b, "- Parked for approval: %d\n", total.AwaitingApproval)
	fmt.Fprintf(&b, "- Quarantined: %d\n", total.Quarantined)
	fmt.Fprintf(&b, "- Retried: %d\n", total.Retried)
	fmt.Fprintf(&b, "- Errors: %d\n", total.Errors)
	if len(steps) > 0 {
		b.WriteString("\n## Recent Steps\n\n")
		for _, a := range steps {
			fmt.Fprintf(&b, "- %s %s step %d [%s]: %s\n",
				a.At.UTC().Format("2006-01-02 15:04"), a.Task, a.Step+1, a.Outcome, a.Result)
		}
	}
	return b.String(), nil
}
