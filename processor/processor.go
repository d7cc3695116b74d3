package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/dhcgn/payslip-imap/filter"
	"github.com/dhcgn/payslip-imap/model"
	"github.com/dhcgn/payslip-imap/stats"
)

// DefaultProcessedLabel is the marker set on handled messages.
const DefaultProcessedLabel = "Payslips/Processed"

// Mailbox is one authenticated session against the mail store. Message ids
// are UIDs and stay valid for the lifetime of the session.
type Mailbox interface {
	Select(ctx context.Context, folder string) error
	SearchFrom(ctx context.Context, sender string) ([]uint32, error)
	Labels(ctx context.Context, uid uint32) ([]string, error)
	FetchMessage(ctx context.Context, uid uint32) ([]byte, error)
	AddLabel(ctx context.Context, uid uint32, label string) error
	Logout() error
}

// Connector authenticates and hands out a fresh Mailbox session.
type Connector interface {
	Connect(ctx context.Context) (Mailbox, error)
}

// Decryptor turns the encrypted file at inputPath into plaintext at outputPath.
type Decryptor interface {
	Decrypt(ctx context.Context, inputPath, outputPath, password string) error
}

// Policy decides whether a run drains every candidate or stops at the first
// decrypted attachment.
type Policy int

const (
	DrainAll Policy = iota
	FirstSuccess
)

func ParsePolicy(value string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "drain", "all":
		return DrainAll, nil
	case "first":
		return FirstSuccess, nil
	default:
		return DrainAll, fmt.Errorf("unknown run policy %q", value)
	}
}

func (p Policy) String() string {
	if p == FirstSuccess {
		return "first"
	}
	return "drain"
}

type Options struct {
	Sender         string
	Folder         string
	ProcessedLabel string
	Password       string
	StagingDir     string
	SinkDir        string
	Policy         Policy
	DryRun         bool
	Filter         *filter.Filter
}

// Processor runs one pass over the mailbox: find candidates from the sender,
// decrypt their PDF attachments into the sink and mark handled messages.
type Processor struct {
	opts      Options
	decryptor Decryptor
	filter    *filter.Filter
	logger    *slog.Logger

	mu   sync.Mutex
	last stats.Summary
}

func New(opts Options, decryptor Decryptor, logger *slog.Logger) (*Processor, error) {
	if strings.TrimSpace(opts.Sender) == "" {
		return nil, fmt.Errorf("sender filter is empty")
	}
	if strings.TrimSpace(opts.Folder) == "" {
		return nil, fmt.Errorf("source folder is empty")
	}
	if strings.TrimSpace(opts.StagingDir) == "" || strings.TrimSpace(opts.SinkDir) == "" {
		return nil, fmt.Errorf("staging and sink directories are required")
	}
	if decryptor == nil {
		return nil, fmt.Errorf("decryptor must not be nil")
	}
	if opts.ProcessedLabel == "" {
		opts.ProcessedLabel = DefaultProcessedLabel
	}

	f := opts.Filter
	if f == nil {
		var err error
		if f, err = filter.PDF(); err != nil {
			return nil, err
		}
	}

	return &Processor{
		opts:      opts,
		decryptor: decryptor,
		filter:    f,
		logger:    logger,
	}, nil
}

func (p *Processor) Options() Options {
	return p.opts
}

// HasMarker reports whether marker occurs anywhere in the label set. Labels
// are a free-form tag collection, so this is a containment check rather than
// an exact match. IMAP keywords are case-insensitive and servers are free to
// fold them, so case is ignored too.
func HasMarker(labels []string, marker string) bool {
	if marker == "" {
		return false
	}
	joined := strings.ToLower(strings.Join(labels, " "))
	return strings.Contains(joined, strings.ToLower(marker))
}

// Run performs a single pass. The session is always logged out before
// returning. Connection, login, select and search failures are reported as a
// TransientError outcome, never as a panic or a process exit.
func (p *Processor) Run(ctx context.Context, conn Connector) model.Outcome {
	collector := stats.NewCollector()
	outcome := p.run(ctx, conn, collector)

	summary := collector.Snapshot()
	p.mu.Lock()
	p.last = summary
	p.mu.Unlock()

	if p.logger != nil {
		attrs := append(summary.LogAttrs(), "outcome", outcome.Kind.String(), "processed", outcome.Processed)
		p.logger.Info("run summary", attrs...)
	}
	return outcome
}

// LastSummary returns the tally of the most recent Run.
func (p *Processor) LastSummary() stats.Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Processor) run(ctx context.Context, conn Connector, collector *stats.Collector) model.Outcome {
	mb, err := conn.Connect(ctx)
	if err != nil {
		return p.transient(collector, fmt.Errorf("connect: %w", err))
	}
	defer func() {
		if err := mb.Logout(); err != nil && p.logger != nil {
			p.logger.Warn("mailbox logout failed", "err", err)
		}
	}()

	if err := mb.Select(ctx, p.opts.Folder); err != nil {
		return p.transient(collector, fmt.Errorf("select %q: %w", p.opts.Folder, err))
	}

	uids, err := mb.SearchFrom(ctx, p.opts.Sender)
	if err != nil {
		return p.transient(collector, fmt.Errorf("search from %q: %w", p.opts.Sender, err))
	}
	if len(uids) == 0 {
		if p.logger != nil {
			p.logger.Info("no messages found in label", "label", p.opts.Folder, "sender", p.opts.Sender)
		}
		return model.Outcome{Kind: model.FoundNothing}
	}

	// UIDs grow with arrival, so descending order is newest first.
	uids = slices.Clone(uids)
	slices.Sort(uids)
	uids = slices.Compact(uids)
	slices.Reverse(uids)

	var (
		processed int
		lastErr   error
	)
	for _, uid := range uids {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		collector.Emit(stats.Event{Type: stats.EventTypeCandidate, UID: uid})

		n, err := p.processCandidate(ctx, mb, uid, collector)
		if err != nil {
			lastErr = err
			collector.Emit(stats.Event{Type: stats.EventTypeError, UID: uid, Err: err})
			if p.logger != nil {
				p.logger.Error("message failed", "uid", uid, "err", err)
			}
			continue
		}
		processed += n
		if n > 0 && p.opts.Policy == FirstSuccess {
			break
		}
	}

	switch {
	case processed > 0:
		return model.Outcome{Kind: model.ProcessedSome, Processed: processed}
	case lastErr != nil:
		return model.Outcome{Kind: model.TransientError, Err: lastErr}
	default:
		return model.Outcome{Kind: model.FoundNothing}
	}
}

func (p *Processor) transient(collector *stats.Collector, err error) model.Outcome {
	collector.Emit(stats.Event{Type: stats.EventTypeError, Err: err})
	if p.logger != nil {
		p.logger.Error("mailbox unavailable", "err", err)
	}
	return model.Outcome{Kind: model.TransientError, Err: err}
}

func (p *Processor) processCandidate(ctx context.Context, mb Mailbox, uid uint32, collector *stats.Collector) (int, error) {
	labels, err := mb.Labels(ctx, uid)
	if err != nil {
		return 0, fmt.Errorf("labels: %w", err)
	}
	return p.processMessage(ctx, mb, model.Candidate{UID: uid, Labels: labels}, collector)
}

// processMessage returns the number of attachments decrypted from c. Errors
// are limited to reading the message itself; attachment failures are logged
// and counted but never returned.
func (p *Processor) processMessage(ctx context.Context, mb Mailbox, c model.Candidate, collector *stats.Collector) (int, error) {
	uid := c.UID
	if HasMarker(c.Labels, p.opts.ProcessedLabel) {
		collector.Emit(stats.Event{Type: stats.EventTypeSkipped, UID: uid})
		if p.logger != nil {
			p.logger.Debug("message already processed", "uid", uid, "label", p.opts.ProcessedLabel)
		}
		return 0, nil
	}

	if p.logger != nil {
		p.logger.Info("processing message", "uid", uid)
	}
	raw, err := mb.FetchMessage(ctx, uid)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}

	attachments, ignored, err := ExtractAttachments(raw, p.filter)
	for i := 0; i < ignored; i++ {
		collector.Emit(stats.Event{Type: stats.EventTypeIgnored, UID: uid})
	}
	if err != nil && p.logger != nil {
		p.logger.Warn("message partly unreadable", "uid", uid, "attachments", len(attachments), "err", err)
	}

	succeeded := 0
	for _, att := range attachments {
		if ctx.Err() != nil {
			break
		}
		collector.Emit(stats.Event{Type: stats.EventTypeAttached, UID: uid, Attachment: att.Filename})

		if p.opts.DryRun {
			collector.Emit(stats.Event{Type: stats.EventTypeDryRun, UID: uid, Attachment: att.Filename})
			if p.logger != nil {
				p.logger.Info("dry-run: would decrypt", "uid", uid, "attachment", att.Filename, "bytes", len(att.Data))
			}
			continue
		}

		dest, err := p.handleAttachment(ctx, att)
		if err != nil {
			collector.Emit(stats.Event{Type: stats.EventTypeFailed, UID: uid, Attachment: att.Filename, Err: err})
			if p.logger != nil {
				p.logger.Error("failed to process attachment", "uid", uid, "attachment", att.Filename, "err", err)
			}
			continue
		}

		succeeded++
		collector.Emit(stats.Event{Type: stats.EventTypeDecrypted, UID: uid, Attachment: att.Filename})
		if p.logger != nil {
			p.logger.Info("decrypted attachment", "uid", uid, "attachment", att.Filename, "output", dest)
		}
		if p.opts.Policy == FirstSuccess {
			break
		}
	}

	if succeeded == 0 {
		return 0, nil
	}

	// Check and set are two separate mailbox calls. Two concurrent runs could
	// both see the message unmarked; the single control loop rules that out.
	if err := mb.AddLabel(ctx, uid, p.opts.ProcessedLabel); err != nil {
		collector.Emit(stats.Event{Type: stats.EventTypeError, UID: uid, Err: err})
		if p.logger != nil {
			p.logger.Error("failed to mark message processed", "uid", uid, "label", p.opts.ProcessedLabel, "err", err)
		}
		return succeeded, nil
	}
	collector.Emit(stats.Event{Type: stats.EventTypeMarked, UID: uid})
	return succeeded, nil
}

var errEmptyAttachment = errors.New("attachment is empty")
