package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/dhcgn/payslip-imap/filter"
	"github.com/dhcgn/payslip-imap/model"
)

// ErrUnsafeFilename is returned for attachment names that cannot be turned
// into a plain file name inside the sink.
var ErrUnsafeFilename = errors.New("unsafe attachment filename")

const maxCollisionSuffix = 1000

// ExtractAttachments walks a raw RFC 822 message and returns every attachment
// whose filename the filter allows, in message order. ignored counts named
// parts the filter rejected. A parse error part way through still returns the
// attachments read before it.
func ExtractAttachments(raw []byte, f *filter.Filter) (attachments []model.Attachment, ignored int, err error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, 0, fmt.Errorf("parse message: %w", err)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return attachments, ignored, fmt.Errorf("read part: %w", err)
		}

		name := partFilename(part.Header)
		if name == "" {
			continue
		}
		if !f.Allows(name) {
			ignored++
			continue
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			return attachments, ignored, fmt.Errorf("read attachment %q: %w", name, err)
		}
		attachments = append(attachments, model.Attachment{Filename: name, Data: data})
	}
	return attachments, ignored, nil
}

// partFilename prefers the Content-Disposition filename and falls back to the
// Content-Type name parameter, which some mailers use for inline PDFs.
func partFilename(h mail.PartHeader) string {
	switch h := h.(type) {
	case *mail.AttachmentHeader:
		name, _ := h.Filename()
		return name
	case *mail.InlineHeader:
		if _, params, err := h.ContentDisposition(); err == nil && params["filename"] != "" {
			return params["filename"]
		}
		if _, params, err := h.ContentType(); err == nil {
			return params["name"]
		}
	}
	return ""
}

// SafeFilename reduces an attachment name to its final path element.
// Separators of either style are stripped, as are leading dots.
func SafeFilename(name string) (string, error) {
	cleaned := strings.ReplaceAll(name, `\`, "/")
	cleaned = strings.TrimSpace(filepath.Base(cleaned))
	cleaned = strings.TrimLeft(cleaned, ".")
	if cleaned == "" || cleaned == "/" || strings.ContainsRune(cleaned, 0) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeFilename, name)
	}
	return cleaned, nil
}

// handleAttachment stages att, decrypts it into the sink and returns the final
// path. The plaintext appears in the sink under its final name only once it is
// complete; the staging copy is removed whatever the result.
func (p *Processor) handleAttachment(ctx context.Context, att model.Attachment) (string, error) {
	name, err := SafeFilename(att.Filename)
	if err != nil {
		return "", err
	}
	if len(att.Data) == 0 {
		return "", errEmptyAttachment
	}

	if err := os.MkdirAll(p.opts.StagingDir, 0o700); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	if err := os.MkdirAll(p.opts.SinkDir, 0o755); err != nil {
		return "", fmt.Errorf("create sink dir: %w", err)
	}

	staged := filepath.Join(p.opts.StagingDir, uuid.NewString()+"-"+name)
	if err := os.WriteFile(staged, att.Data, 0o600); err != nil {
		return "", fmt.Errorf("write staging file: %w", err)
	}
	defer func() { _ = removeStaged(staged) }()

	dest, err := uniquePath(p.opts.SinkDir, name)
	if err != nil {
		return "", err
	}
	// Rename is only atomic within one filesystem, so the partial file lives
	// in the sink.
	partial := filepath.Join(p.opts.SinkDir, "."+filepath.Base(dest)+".partial")

	if err := p.decryptor.Decrypt(ctx, staged, partial, p.opts.Password); err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("decrypt: %w", err)
	}
	if err := os.Rename(partial, dest); err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("move into sink: %w", err)
	}
	if _, err := os.Stat(dest); err != nil {
		return "", fmt.Errorf("verify output: %w", err)
	}
	// An attachment only counts once the encrypted copy is gone as well.
	if err := removeStaged(staged); err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("remove staging file: %w", err)
	}
	return dest, nil
}

func removeStaged(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// uniquePath returns dir/name, or dir/name-N.ext for the lowest N that does
// not exist yet.
func uniquePath(dir, name string) (string, error) {
	candidate := filepath.Join(dir, name)
	if !exists(candidate) {
		return candidate, nil
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; i <= maxCollisionSuffix; i++ {
		candidate = filepath.Join(dir, stem+"-"+strconv.Itoa(i)+ext)
		if !exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free name for %q in %s", name, dir)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
