package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Drive the quarantine lifecycle",
}

func init() {
	recoverCmd.AddCommand(recoverScanCmd)
	recoverCmd.AddCommand(recoverRetryCmd)
	recoverCmd.AddCommand(recoverLogErrorCmd)
	recoverCmd.AddCommand(recoverStatusCmd)
	recoverCmd.AddCommand(recoverRunCmd)
}

var recoverScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Quarantine tasks stuck in the active stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		n, err := a.Recovery.Scan()
		if err != nil {
			return err
		}
		fmt.Printf("Quarantined %d stuck task(s)\n", n)
		return nil
	},
}

var recoverRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue quarantined tasks whose delay has elapsed",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		retried, exhausted, waiting, err := a.Recovery.Retry()
		if err != nil {
			return err
		}
		fmt.Printf("Retried %d, exhausted %d, still waiting %d\n", retried, exhausted, waiting)
		return nil
	},
}

var recoverLogErrorCmd = &cobra.Command{
	Use:   "log-error <task> <cause...>",
	Short: "Manually quarantine an active task",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		cause := strings.Join(args[1:], " ")
		if err := a.Recovery.LogError(args[0], cause); err != nil {
			return err
		}
		fmt.Printf("Quarantined %s: %s\n", args[0], cause)
		return nil
	},
}

var recoverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List the quarantine ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		entries, err := a.Recovery.Status()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Quarantine is empty")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%-40s %-16s attempt %d", e.Task, e.Status, e.Attempts)
			if e.RetryAt != "" {
				fmt.Printf("  retry at %s", e.RetryAt)
			}
			if e.Cause != "" {
				fmt.Printf("  (%s)", e.Cause)
			}
			fmt.Println()
		}
		return nil
	},
}

var recoverRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a full recovery pass (scan then retry)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		rep, err := a.Recovery.Run()
		if err != nil {
			return err
		}
		fmt.Printf("Quarantined %d, retried %d, exhausted %d, waiting %d\n",
			rep.Quarantined, rep.Retried, rep.Exhausted, rep.Waiting)
		return nil
	},
}
