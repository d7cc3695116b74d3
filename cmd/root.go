package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/payslip-imap/config"
	"github.com/dhcgn/payslip-imap/decrypt"
	"github.com/dhcgn/payslip-imap/filter"
	"github.com/dhcgn/payslip-imap/processor"
)

var rootCmd = &cobra.Command{
	Use:   "payslip-imap",
	Short: "Fetch password protected payslips from a mailbox and drop decrypted copies into a consume folder",
	Long: `payslip-imap polls an IMAP label for mail from one sender during a weekly
check window, decrypts the attached PDFs with qpdf and writes the plaintext
into a document consume folder. Handled messages get a marker keyword so
they are never processed twice.`,
	SilenceUsage: true,
}

func init() {
	config.RegisterFlags(rootCmd)
	rootCmd.AddCommand(runCmd, onceCmd, windowsCmd, replayCmd)
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("payslip-imap-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}

// newProcessor wires the attachment filter and qpdf into a Processor.
func newProcessor(cfg config.Config, logger *slog.Logger) (*processor.Processor, error) {
	f, err := filter.PDF(cfg.ExcludeNames...)
	if err != nil {
		return nil, err
	}

	qpdf := decrypt.NewQPDF(decrypt.Options{
		Binary:  cfg.QPDFPath,
		Timeout: cfg.DecryptTimeout,
	}, logger)

	return processor.New(processor.Options{
		Sender:         cfg.SenderEmail,
		Folder:         cfg.Label,
		ProcessedLabel: cfg.ProcessedLabel,
		Password:       cfg.PDFPassword,
		StagingDir:     cfg.StagingDir,
		SinkDir:        cfg.SinkDir,
		Policy:         cfg.Policy,
		DryRun:         cfg.DryRun,
		Filter:         f,
	}, qpdf, logger)
}

// bootstrap loads the configuration, sets up logging and creates the
// working directories. The returned cleanup closes the log file.
func bootstrap(cmd *cobra.Command, offline bool) (config.Config, *slog.Logger, func() error, error) {
	load := config.LoadConfig
	if offline {
		load = config.LoadOfflineConfig
	}
	cfg, err := load(cmd)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	slog.SetDefault(logger)

	if !cfg.DryRun {
		if err := config.EnsureDirs(cfg); err != nil {
			_ = cleanup()
			return config.Config{}, nil, nil, err
		}
	}
	return cfg, logger, cleanup, nil
}
