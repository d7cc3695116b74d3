package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"strings"
	"sync"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/payslip-imap/processor"
)

// gmailLabelsHeader is added to every message in a Google Takeout export.
const gmailLabelsHeader = "X-Gmail-Labels"

var ErrUnknownUID = errors.New("unknown uid")

type message struct {
	raw    []byte
	from   string
	labels []string
}

// Archive is an mbox file loaded into memory and exposed as a mailbox. UIDs
// are the 1-based positions in the file, so later messages are newer. Labels
// start from X-Gmail-Labels and marks are kept in memory only; the file on
// disk is never written.
type Archive struct {
	path     string
	logger   *slog.Logger
	mu       sync.Mutex
	messages []*message
	selected string
}

func Open(path string, logger *slog.Logger) (*Archive, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	archive, err := Parse(file, logger)
	if err != nil {
		return nil, err
	}
	archive.path = path
	return archive, nil
}

func Parse(r io.Reader, logger *slog.Logger) (*Archive, error) {
	reader := mboxlib.NewReader(r)
	archive := &Archive{logger: logger}

	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return archive, nil
			}
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("message %d read: %w", idx, err)
		}

		msg := &message{raw: raw}
		if parsed, err := mail.ReadMessage(bytes.NewReader(raw)); err == nil {
			msg.from = parsed.Header.Get("From")
			msg.labels = splitLabels(parsed.Header.Get(gmailLabelsHeader))
		} else if logger != nil {
			// Kept so UIDs stay aligned with file positions; it never matches a search.
			logger.Warn("mbox message headers unreadable", "index", idx, "err", err)
		}
		archive.messages = append(archive.messages, msg)
	}
}

func splitLabels(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	var labels []string
	for _, label := range strings.Split(header, ",") {
		if label = strings.TrimSpace(label); label != "" {
			labels = append(labels, label)
		}
	}
	return labels
}

func (a *Archive) Path() string {
	return a.path
}

func (a *Archive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages)
}

// Connect hands out the archive itself; there is nothing to authenticate.
func (a *Archive) Connect(ctx context.Context) (processor.Mailbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a, nil
}

// Select accepts any folder name. An mbox file is a single folder.
func (a *Archive) Select(_ context.Context, folder string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.selected = folder
	if a.logger != nil {
		a.logger.Debug("mbox selected", "path", a.path, "folder", folder, "messages", len(a.messages))
	}
	return nil
}

// SearchFrom matches sender as a case-insensitive substring of the From
// header, the way IMAP SEARCH FROM does.
func (a *Archive) SearchFrom(_ context.Context, sender string) ([]uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	needle := strings.ToLower(sender)
	var uids []uint32
	for idx, msg := range a.messages {
		if msg.from != "" && strings.Contains(strings.ToLower(msg.from), needle) {
			uids = append(uids, uint32(idx+1))
		}
	}
	return uids, nil
}

func (a *Archive) Labels(_ context.Context, uid uint32) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg, err := a.lookup(uid)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), msg.labels...), nil
}

func (a *Archive) FetchMessage(_ context.Context, uid uint32) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg, err := a.lookup(uid)
	if err != nil {
		return nil, err
	}
	return msg.raw, nil
}

func (a *Archive) AddLabel(_ context.Context, uid uint32, label string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg, err := a.lookup(uid)
	if err != nil {
		return err
	}
	for _, existing := range msg.labels {
		if existing == label {
			return nil
		}
	}
	msg.labels = append(msg.labels, label)
	return nil
}

func (a *Archive) Logout() error {
	return nil
}

func (a *Archive) lookup(uid uint32) (*message, error) {
	if uid == 0 || int(uid) > len(a.messages) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownUID, uid)
	}
	return a.messages[uid-1], nil
}
