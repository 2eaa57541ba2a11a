// Command clerk is the operator CLI for a clerkd vault: inspect status,
// file tasks, resolve approvals, drive recovery, and print reports.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clerkd/clerkd/internal/app"
	"github.com/clerkd/clerkd/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "clerk",
	Short: "clerk - vault task orchestrator CLI",
	Long: `clerk drives a file-backed task vault: markdown task documents move
through stage folders while JSON ledgers keep every action exactly-once.
The clerkd daemon runs the cycles; clerk is how a human watches and
steers them.`,
	SilenceUsage: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "clerkd.yaml", "path to config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(versionCmd)
}

// newApp builds the component graph for a subcommand.
func newApp() (*app.App, error) {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, app.NewLogger(cfg.LogLevel))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("clerk %s (%s, built %s)\n", version.Version, version.Commit, version.BuildDate)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
