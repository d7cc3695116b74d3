package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/payslip-imap/mbox"
	"github.com/dhcgn/payslip-imap/model"
	"github.com/dhcgn/payslip-imap/report"
)

var replayCmd = &cobra.Command{
	Use:   "replay [mbox file]",
	Short: "Run the attachment pipeline against an mbox export instead of IMAP",
	Long: `replay loads an mbox file (for example a Google Takeout export) and runs
one mailbox pass over it with the configured sender, password and sink.
Markers are kept in memory only; the mbox file is never modified.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := bootstrap(cmd, true)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		archive, err := mbox.Open(args[0], logger)
		if err != nil {
			return err
		}
		logger.Info("replaying mbox", "path", archive.Path(), "messages", archive.Len(), "sender", cfg.SenderEmail, "dryRun", cfg.DryRun)

		proc, err := newProcessor(cfg, logger)
		if err != nil {
			return fmt.Errorf("processor.New: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		outcome := proc.Run(ctx, archive)
		report.New(cfg.LogLevel).RunSummary(outcome, proc.LastSummary())
		if outcome.Kind == model.TransientError {
			return fmt.Errorf("replay failed: %w", outcome.Err)
		}
		return nil
	},
}
