package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/payslip-imap/imap"
	"github.com/dhcgn/payslip-imap/model"
	"github.com/dhcgn/payslip-imap/report"
	"github.com/dhcgn/payslip-imap/schedule"
)

var respectWindow bool

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Check the mailbox a single time and exit",
	Long: `once performs exactly one mailbox run and exits. It ignores the check
window unless --respect-window is set. A mailbox that cannot be reached
makes the command exit non-zero.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := bootstrap(cmd, false)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		if respectWindow {
			sched, err := schedule.New(cfg.Window, cfg.CheckInterval)
			if err != nil {
				return fmt.Errorf("schedule.New: %w", err)
			}
			if now := time.Now(); !sched.InsideWindow(now) {
				logger.Info("outside check window, nothing to do", "window", cfg.Window.String(), "next", sched.NextWindowStart(now).Format(time.RFC3339))
				return nil
			}
		}

		proc, err := newProcessor(cfg, logger)
		if err != nil {
			return fmt.Errorf("processor.New: %w", err)
		}
		dialer, err := imap.NewDialer(imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}, logger)
		if err != nil {
			return fmt.Errorf("imap.NewDialer: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		outcome := proc.Run(ctx, dialer)
		report.New(cfg.LogLevel).RunSummary(outcome, proc.LastSummary())
		if outcome.Kind == model.TransientError {
			return fmt.Errorf("mailbox run failed: %w", outcome.Err)
		}
		return nil
	},
}

func init() {
	onceCmd.Flags().BoolVar(&respectWindow, "respect-window", false, "Do nothing when called outside the check window")
}
