package decrypt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const (
	DefaultBinary  = "qpdf"
	DefaultTimeout = time.Minute

	// qpdf exits with 3 when the operation succeeded with warnings.
	exitWarnings = 3
)

var (
	ErrTimeout = errors.New("decrypt timed out")
	ErrNotPDF  = errors.New("input is not a pdf")
)

type Options struct {
	Binary  string
	Timeout time.Duration
}

// QPDF decrypts password protected PDFs with the qpdf command line tool.
type QPDF struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

func NewQPDF(opts Options, logger *slog.Logger) *QPDF {
	q := &QPDF{
		binary:  opts.Binary,
		timeout: opts.Timeout,
		logger:  logger,
	}
	if q.binary == "" {
		q.binary = DefaultBinary
	}
	if q.timeout <= 0 {
		q.timeout = DefaultTimeout
	}
	return q
}

// Decrypt writes the plaintext of inputPath to outputPath. On any failure
// outputPath is removed so no partial file is left behind.
func (q *QPDF) Decrypt(ctx context.Context, inputPath, outputPath, password string) error {
	mtype, err := mimetype.DetectFile(inputPath)
	if err != nil {
		return fmt.Errorf("detect type of %s: %w", inputPath, err)
	}
	if !mtype.Is("application/pdf") {
		return fmt.Errorf("%w: detected %s", ErrNotPDF, mtype.String())
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	// The password goes through stdin so it never shows up in the process list.
	cmd := exec.CommandContext(ctx, q.binary, "--password-file=-", "--decrypt", inputPath, outputPath)
	cmd.Stdin = strings.NewReader(password + "\n")
	cmd.WaitDelay = 5 * time.Second
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err = cmd.Run()
	if err == nil {
		return nil
	}

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		_ = os.Remove(outputPath)
		return fmt.Errorf("%w after %s", ErrTimeout, q.timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == exitWarnings {
		if _, statErr := os.Stat(outputPath); statErr == nil {
			if q.logger != nil {
				q.logger.Warn("qpdf reported warnings", "input", inputPath, "output", strings.TrimSpace(output.String()))
			}
			return nil
		}
	}

	_ = os.Remove(outputPath)
	if msg := strings.TrimSpace(output.String()); msg != "" {
		return fmt.Errorf("qpdf: %w: %s", err, msg)
	}
	return fmt.Errorf("qpdf: %w", err)
}
