package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var reportWindowHours int

func init() {
	reportCmd.Flags().IntVar(&reportWindowHours, "hours", 24, "reporting window in hours")
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the activity briefing for the recent window",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		body, err := a.Reports.Briefing(time.Duration(reportWindowHours)*time.Hour, time.Now())
		if err != nil {
			return err
		}
		fmt.Print(body)
		return nil
	},
}
