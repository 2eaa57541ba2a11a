// Command clerkd is the clerk daemon. It takes the vault singleton lock
// and runs processing cycles on an interval until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/clerkd/clerkd/internal/app"
	"github.com/clerkd/clerkd/internal/version"
	"github.com/clerkd/clerkd/scheduler"
)

var (
	configPath = flag.String("config", "clerkd.yaml", "path to config file")
	once       = flag.Bool("once", false, "run a single cycle and exit")
	status     = flag.Bool("status", false, "print vault status and exit")
)

func main() {
	flag.Parse()

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}
	logger := app.NewLogger(cfg.LogLevel)

	logger.Info("starting clerkd",
		"version", version.Version,
		"commit", version.Commit,
		"vault", cfg.VaultRoot,
	)

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	if *status {
		st, err := a.Scheduler.Snapshot()
		if err != nil {
			log.Fatalf("Failed to read status: %v", err)
		}
		printStatus(st)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		stats, err := a.Scheduler.RunOnce(ctx)
		if err != nil {
			log.Fatalf("Cycle failed: %v", err)
		}
		fmt.Printf("Cycle done: discovered=%d processed=%d completed=%d awaiting=%d\n",
			stats.Discovered, stats.Executor.Processed,
			stats.Executor.Completed, stats.Executor.AwaitingApproval)
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, finishing current cycle", "signal", sig.String())
		cancel()
	}()

	if err := a.Scheduler.Run(ctx); err != nil {
		log.Fatalf("Scheduler failed: %v", err)
	}
	fmt.Println("Shutdown complete")
}

func printStatus(st scheduler.Status) {
	if st.LockOwner != 0 {
		fmt.Printf("Daemon: running (pid %d)\n", st.LockOwner)
	} else {
		fmt.Println("Daemon: not running")
	}
	fmt.Printf("Inbox: %d\n", st.Inbox)
	fmt.Printf("Active: %d (awaiting approval: %d)\n", st.Working, st.AwaitingApproval)
	fmt.Printf("Quarantined: %d\n", st.Quarantined)
	fmt.Printf("Done: %d\n", st.Done)
	if len(st.PendingApprovals) > 0 {
		fmt.Printf("Pending approvals: %v\n", st.PendingApprovals)
	}
	if len(st.StaleApprovals) > 0 {
		fmt.Printf("Stale approvals (need attention): %v\n", st.StaleApprovals)
	}
}
