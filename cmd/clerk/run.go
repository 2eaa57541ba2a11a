package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clerkd/clerkd/scheduler"
)

var runTask string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single processing cycle, or one task with --task",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		if runTask != "" {
			outcome, err := a.Executor.ProcessTask(context.Background(), runTask)
			if err != nil {
				return err
			}
			fmt.Printf("Task %s: %s\n", runTask, outcome)
			return nil
		}
		stats, err := a.Scheduler.RunOnce(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Cycle done: discovered=%d processed=%d completed=%d awaiting=%d quarantined=%d retried=%d\n",
			stats.Discovered, stats.Executor.Processed, stats.Executor.Completed,
			stats.Executor.AwaitingApproval, stats.Recovery.Quarantined, stats.Recovery.Retried)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runTask, "task", "", "process a single task document by filename")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault and daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		st, err := a.Scheduler.Snapshot()
		if err != nil {
			return err
		}
		printStatus(st)
		return nil
	},
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

var resetCmd = &cobra.Command{
	Use:   "reset <ledger> <key>",
	Short: "Remove a key from a ledger (intake or state)",
	Long: `reset deletes one ledger entry, the manual escape hatch when a task
must be re-discovered or re-run. Nothing else ever removes ledger keys.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		var removed bool
		switch args[0] {
		case "intake":
			removed, err = a.Intake.Delete(args[1])
		case "state":
			removed, err = a.State.Delete(args[1])
		default:
			return fmt.Errorf("unknown ledger %q (want intake or state)", args[0])
		}
		if err != nil {
			return err
		}
		if !removed {
			fmt.Printf("No entry %q in %s ledger\n", args[1], args[0])
			return nil
		}
		fmt.Printf("Removed %q from %s ledger\n", args[1], args[0])
		return nil
	},
}
