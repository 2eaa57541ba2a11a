package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/clerkd/clerkd/vault"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage task documents",
}

var taskPriority string

func init() {
	taskAddCmd.Flags().StringVar(&taskPriority, "priority", "medium", "task priority (high, medium, low)")
	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title> [step ...]",
	Short: "Drop a new task into the inbox",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		title := args[0]
		steps := args[1:]
		if len(steps) == 0 {
			steps = []string{"Review " + title}
		}
		name := vault.SafeName(strings.ToLower(title)) + ".md"
		var b strings.Builder
		fmt.Fprintf(&b, "---\ntype: task\nstatus: pending\npriority: %s\ncreated_at: %s\n---\n\n",
			taskPriority, time.Now().UTC().Format(vault.TimeFormat))
		fmt.Fprintf(&b, "# %s\n\n## Steps\n\n", title)
		for _, s := range steps {
			fmt.Fprintf(&b, "- [ ] %s\n", s)
		}
		doc := &vault.Document{Name: name, Content: b.String()}
		if a.Store.Exists(a.Config.Stages.Inbox, name) {
			return fmt.Errorf("task %s already exists in inbox", name)
		}
		if err := a.Store.Write(a.Config.Stages.Inbox, doc); err != nil {
			return err
		}
		fmt.Printf("Filed %s with %d steps\n", name, len(steps))
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list [stage]",
	Short: "List task documents in a stage (default: active)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		stage := a.Config.Stages.Working
		if len(args) == 1 {
			stage = args[0]
		}
		names, err := a.Store.List(stage)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Printf("No tasks in %s\n", stage)
			return nil
		}
		for _, name := range names {
			doc, err := a.Store.Read(stage, name)
			if err != nil {
				fmt.Printf("%s (unreadable: %v)\n", name, err)
				continue
			}
			fmt.Printf("%-40s %-20s %-8s %d/%d steps\n",
				name, doc.Status(), doc.Priority(), doc.StepsDone(), len(doc.Steps()))
		}
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <stage> <name>",
	Short: "Print a task document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		doc, err := a.Store.Read(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Print(doc.Content)
		return nil
	},
}
