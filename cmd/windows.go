package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/payslip-imap/config"
	"github.com/dhcgn/payslip-imap/report"
	"github.com/dhcgn/payslip-imap/schedule"
)

var windowCount int

var windowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "Show the configured check window and when it opens next",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		window, interval, err := config.LoadSchedule(cmd)
		if err != nil {
			return err
		}
		sched, err := schedule.New(window, interval)
		if err != nil {
			return fmt.Errorf("schedule.New: %w", err)
		}
		if windowCount <= 0 {
			return fmt.Errorf("--count must be positive")
		}
		return report.New("info").Windows(sched, time.Now(), windowCount)
	},
}

func init() {
	windowsCmd.Flags().IntVar(&windowCount, "count", 6, "Number of upcoming window starts to list")
}
