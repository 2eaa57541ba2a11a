// Package app wires the clerkd component graph from a config. Both
// binaries build the same graph; only what they do with it differs.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/clerkd/clerkd/action"
	"github.com/clerkd/clerkd/approval"
	"github.com/clerkd/clerkd/config"
	"github.com/clerkd/clerkd/executor"
	"github.com/clerkd/clerkd/ledger"
	"github.com/clerkd/clerkd/planner"
	"github.com/clerkd/clerkd/recovery"
	"github.com/clerkd/clerkd/report"
	"github.com/clerkd/clerkd/scheduler"
	"github.com/clerkd/clerkd/vault"
)

// App is the assembled component graph.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *vault.Store
	Intake    *ledger.Store
	State     *ledger.Store
	Gate      *approval.Gate
	Executor  *executor.Executor
	Recovery  *recovery.Recovery
	Scheduler *scheduler.Scheduler
	Reports   *report.Store
}

// LoadConfig reads the config file at path, or returns defaults when path
// is empty or the default file is absent.
func LoadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// NewLogger builds the text logger at the configured level.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

// New assembles the graph. The caller must Close it.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	store := vault.New(cfg.VaultRoot)
	if err := store.EnsureStages(
		cfg.Stages.Inbox, cfg.Stages.Working, cfg.Stages.Approval,
		cfg.Stages.Quarantine, cfg.Stages.Done, cfg.Stages.Plans, cfg.Stages.Logs,
	); err != nil {
		return nil, err
	}

	ledgerDir := filepath.Join(cfg.VaultRoot, cfg.Stages.Logs)
	intake := ledger.New(filepath.Join(ledgerDir, "intake_ledger.json"))
	state := ledger.New(filepath.Join(ledgerDir, "task_state.json"))
	approvals := ledger.New(filepath.Join(ledgerDir, "approval_ledger.json"))
	quarantine := ledger.New(filepath.Join(ledgerDir, "quarantine_ledger.json"))
	meta := ledger.New(filepath.Join(ledgerDir, "scheduler_meta.json"))

	rules, err := executor.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	classifier, err := rules.Compile()
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}

	reports, err := report.Open(cfg.ReportDBPath())
	if err != nil {
		return nil, err
	}

	gate := approval.NewGate(store, approvals, cfg.Stages, logger)
	performer := &action.LogPerformer{Logger: logger}
	exec := executor.New(store, state, gate, classifier, performer, reports, cfg, logger)
	rec := recovery.New(store, state, quarantine, cfg, logger)
	sched := scheduler.New(cfg, store, intake, meta, exec, gate, rec,
		planner.HeuristicPlanner{}, reports, logger)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Intake:    intake,
		State:     state,
		Gate:      gate,
		Executor:  exec,
		Recovery:  rec,
		Scheduler: sched,
		Reports:   reports,
	}, nil
}

// Close releases held resources.
func (a *App) Close() error {
	if a.Reports != nil {
		return a.Reports.Close()
	}
	return nil
}
