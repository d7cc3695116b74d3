package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/payslip-imap/imap"
	"github.com/dhcgn/payslip-imap/model"
	"github.com/dhcgn/payslip-imap/runner"
	"github.com/dhcgn/payslip-imap/schedule"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent: poll during the check window until stopped",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := bootstrap(cmd, false)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		logger.Info("starting payslip-imap",
			"server", cfg.IMAPHost,
			"label", cfg.Label,
			"sender", cfg.SenderEmail,
			"sink", cfg.SinkDir,
			"policy", cfg.Policy.String(),
			"dryRun", cfg.DryRun)

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

		sched, err := schedule.New(cfg.Window, cfg.CheckInterval)
		if err != nil {
			return fmt.Errorf("schedule.New: %w", err)
		}

		task := func(ctx context.Context) model.Outcome {
			return proc.Run(ctx, dialer)
		}
		r, err := runner.New(sched, task, logger)
		if err != nil {
			return fmt.Errorf("runner.New: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return r.Start(ctx)
	},
}
