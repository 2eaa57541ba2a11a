package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clerkd/clerkd/approval"
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Inspect and resolve approval requests",
}

func init() {
	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsResolveCmd)
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ids, err := a.Gate.Pending()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No pending approvals")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var approvalsResolveCmd = &cobra.Command{
	Use:   "resolve <id> <approved|rejected>",
	Short: "Resolve a pending approval request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		var d approval.Decision
		switch strings.ToLower(args[1]) {
		case "approved", "approve", "yes":
			d = approval.DecisionApproved
		case "rejected", "reject", "no":
			d = approval.DecisionRejected
		default:
			return fmt.Errorf("unknown decision %q (want approved or rejected)", args[1])
		}
		if err := a.Gate.Resolve(args[0], d); err != nil {
			return err
		}
		fmt.Printf("Request %s resolved %s\n", args[0], d)
		return nil
	},
}
