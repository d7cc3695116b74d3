package processor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/payslip-imap/model"
	"github.com/dhcgn/payslip-imap/stats"
)

const (
	sender = "payroll@example.com"
	folder = "Payslips"
)

type part struct {
	name        string
	contentType string
	disposition string
	data        string
}

func pdfPart(name, data string) part {
	return part{name: name, contentType: "application/pdf", disposition: "attachment", data: data}
}

func buildMessage(parts ...part) []byte {
	var b strings.Builder
	b.WriteString("From: " + sender + "\r\n")
	b.WriteString("To: me@example.com\r\n")
	b.WriteString("Subject: Your payslip\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/mixed; boundary=\"XBOUNDARY\"\r\n\r\n")
	b.WriteString("--XBOUNDARY\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString("Please find your payslip attached.\r\n")
	for _, p := range parts {
		b.WriteString("--XBOUNDARY\r\n")
		b.WriteString(fmt.Sprintf("Content-Type: %s\r\n", p.contentType))
		b.WriteString(fmt.Sprintf("Content-Disposition: %s; filename=\"%s\"\r\n", p.disposition, p.name))
		b.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
		b.WriteString(base64.StdEncoding.EncodeToString([]byte(p.data)) + "\r\n")
	}
	b.WriteString("--XBOUNDARY--\r\n")
	return []byte(b.String())
}

type fakeMessage struct {
	raw    []byte
	labels []string
}

type fakeMailbox struct {
	mu        sync.Mutex
	messages  map[uint32]*fakeMessage
	selectErr error
	searchErr error
	fetchErr  map[uint32]error
	labelErr  error
	selected  string
	foldCase  bool
	logouts   int
	fetched   []uint32
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{messages: map[uint32]*fakeMessage{}, fetchErr: map[uint32]error{}}
}

func (m *fakeMailbox) add(uid uint32, raw []byte, labels ...string) {
	m.messages[uid] = &fakeMessage{raw: raw, labels: labels}
}

func (m *fakeMailbox) Select(_ context.Context, name string) error {
	m.selected = name
	return m.selectErr
}

func (m *fakeMailbox) SearchFrom(_ context.Context, from string) ([]uint32, error) {
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	if from != sender {
		return nil, nil
	}
	var uids []uint32
	for uid := range m.messages {
		uids = append(uids, uid)
	}
	return uids, nil
}

func (m *fakeMailbox) Labels(_ context.Context, uid uint32) ([]string, error) {
	return append([]string(nil), m.messages[uid].labels...), nil
}

func (m *fakeMailbox) FetchMessage(_ context.Context, uid uint32) ([]byte, error) {
	m.fetched = append(m.fetched, uid)
	if err := m.fetchErr[uid]; err != nil {
		return nil, err
	}
	return m.messages[uid].raw, nil
}

func (m *fakeMailbox) AddLabel(_ context.Context, uid uint32, label string) error {
	if m.labelErr != nil {
		return m.labelErr
	}
	msg := m.messages[uid]
	if m.foldCase {
		label = strings.ToLower(label)
	}
	msg.labels = append(msg.labels, label)
	return nil
}

func (m *fakeMailbox) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logouts++
	return nil
}

type fakeConnector struct {
	mailbox *fakeMailbox
	err     error
}

func (c fakeConnector) Connect(context.Context) (Mailbox, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.mailbox, nil
}

// fakeDecryptor copies input to output and fails for inputs containing "bad".
type fakeDecryptor struct {
	calls int
}

func (d *fakeDecryptor) Decrypt(_ context.Context, in, out, password string) error {
	d.calls++
	if password != "secret" {
		return errors.New("invalid password")
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, []byte("plain:"+string(data)), 0o644); err != nil {
		return err
	}
	if strings.Contains(string(data), "bad") {
		return errors.New("damaged file")
	}
	return nil
}

type fixture struct {
	proc      *Processor
	mailbox   *fakeMailbox
	decryptor *fakeDecryptor
	staging   string
	sink      string
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	root := t.TempDir()
	opts := Options{
		Sender:     sender,
		Folder:     folder,
		Password:   "secret",
		StagingDir: filepath.Join(root, "staging"),
		SinkDir:    filepath.Join(root, "consume"),
	}
	if mutate != nil {
		mutate(&opts)
	}
	d := &fakeDecryptor{}
	p, err := New(opts, d, nil)
	require.NoError(t, err)
	return &fixture{proc: p, mailbox: newFakeMailbox(), decryptor: d, staging: opts.StagingDir, sink: opts.SinkDir}
}

func (f *fixture) run() model.Outcome {
	return f.proc.Run(context.Background(), fakeConnector{mailbox: f.mailbox})
}

func (f *fixture) sinkFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.sink)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (f *fixture) assertStagingEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.staging)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_DecryptsAndMarks(t *testing.T) {
	f := newFixture(t, nil)
	f.mailbox.add(10, buildMessage(pdfPart("payslip-2026-10.pdf", "%PDF october")))

	out := f.run()

	assert.Equal(t, model.ProcessedSome, out.Kind)
	assert.Equal(t, 1, out.Processed)
	assert.Equal(t, folder, f.mailbox.selected)
	assert.Equal(t, []string{DefaultProcessedLabel}, f.mailbox.messages[10].labels)
	assert.Equal(t, 1, f.mailbox.logouts)

	data, err := os.ReadFile(filepath.Join(f.sink, "payslip-2026-10.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "plain:%PDF october", string(data))
	f.assertStagingEmpty(t)
}

func TestRun_SecondRunIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.mailbox.add(10, buildMessage(pdfPart("payslip.pdf", "%PDF a")))

	require.Equal(t, model.ProcessedSome, f.run().Kind)
	second := f.run()

	assert.Equal(t, model.FoundNothing, second.Kind)
	assert.Equal(t, 1, f.decryptor.calls)
	assert.Equal(t, []string{"payslip.pdf"}, f.sinkFiles(t))
	assert.Equal(t, []uint32{10}, f.mailbox.fetched)
}

func TestRun_SecondRunIsNoopWhenServerFoldsCase(t *testing.T) {
	f := newFixture(t, nil)
	f.mailbox.foldCase = true
	f.mailbox.add(10, buildMessage(pdfPart("slip.pdf", "%PDF a")))

	require.Equal(t, model.ProcessedSome, f.run().Kind)
	require.Equal(t, []string{"payslips/processed"}, f.mailbox.messages[10].labels)
	second := f.run()

	assert.Equal(t, model.FoundNothing, second.Kind)
	assert.Equal(t, 1, f.decryptor.calls)
	assert.Equal(t, []string{"slip.pdf"}, f.sinkFiles(t))
}

func TestProcessMessage_SkipsMarkedCandidate(t *testing.T) {
	f := newFixture(t, nil)
	f.mailbox.add(3, buildMessage(pdfPart("slip.pdf", "%PDF a")))
	collector := stats.NewCollector()

	c := model.Candidate{UID: 3, Labels: []string{"\\Seen", "PAYSLIPS/PROCESSED"}}
	n, err := f.proc.processMessage(context.Background(), f.mailbox, c, collector)

	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.mailbox.fetched)
	assert.Equal(t, 1, collector.Snapshot().Skipped)
}

func TestRun_MarkerAmongUnrelatedLabels(t *testing.T) {
	f := newFixture(t, nil)
	f.mailbox.add(4, buildMessage(pdfPart("payslip.pdf", "%PDF a")),
		"\\Seen", "Finance", "Payslips/Processed", "Important")

	out := f.run()

	assert.Equal(t, model.FoundNothing, out.Kind)
	assert.Zero(t, f.decryptor.calls)
	assert.Empty(t, f.mailbox.fetched)
}

func TestRun_FailureIsIsolatedPerAttachment(t *testing.T) {
	f := newFixture(t, nil)
	f.mailbox.add(1, buildMessage(pdfPart("ok.pdf", "%PDF fine")))
	f.mailbox.add(2, buildMessage(pdfPart("broken.pdf", "%PDF bad")))
	f.mailbox.add(3, buildMessage(pdfPart("broken.pdf", "%PDF bad"), pdfPart("second.pdf", "%PDF fine")))

	out := f.run()

	assert.Equal(t, model.ProcessedSome, out.Kind)
	assert.Equal(t, 2, out.Processed)
	assert.Contains(t, f.mailbox.messages[1].labels, DefaultProcessedLabel)
	assert.Empty(t, f.mailbox.messages[2].labels)
	assert.Contains(t, f.mailbox.messages[3].labels, DefaultProcessedLabel)
	assert.ElementsMatch(t, []string{"ok.pdf", "second.pdf"}, f.sinkFiles(t))
	f.assertStagingEmpty(t)

	s := f.proc.LastSummary()
	assert.Equal(t, 3, s.Candidates)
	assert.Equal(t, 4, s.Attachments)
	assert.Equal(t, 2, s.Decrypted)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 2, s.Marked)
}

func TestRun_NewestFirst(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Policy = FirstSuccess })
	f.mailbox.add(3, buildMessage(pdfPart("march.pdf", "%PDF 3")))
	f.mailbox.add(7, buildMessage(pdfPart("july.pdf", "%PDF 7")))
	f.mailbox.add(5, buildMessage(pdfPart("may.pdf", "%PDF 5")))

	out := f.run()

	assert.Equal(t, model.ProcessedSome, out.Kind)
	assert.Equal(t, 1, out.Processed)
	assert.Equal(t, []uint32{7}, f.mailbox.fetched)
	assert.Equal(t, []string{"july.pdf"}, f.sinkFiles(t))
}

func TestRun_DrainVisitsEveryCandidate(t *testing.T) {
	f := newFixture(t, nil)
	f.mailbox.add(3, buildMessage(pdfPart("march.pdf", "%PDF 3")))
	f.mailbox.add(7, buildMessage(pdfPart("july.pdf", "%PDF 7")))
	f.mailbox.add(5, buildMessage(pdfPart("may.pdf", "%PDF 5")))

	out := f.run()

	assert.Equal(t, 3, out.Processed)
	assert.Equal(t, []uint32{7, 5, 3}, f.mailbox.fetched)
}

func TestRun_EmptyMailbox(t *testing.T) {
	f := newFixture(t, nil)

	out := f.run()

	assert.Equal(t, model.FoundNothing, out.Kind)
	assert.NoError(t, out.Err)
	assert.Equal(t, 1, f.mailbox.logouts)
}

func TestRun_TransientErrors(t *testing.T) {
	boom := errors.New("connection reset")

	t.Run("connect", func(t *testing.T) {
		f := newFixture(t, nil)
		out := f.proc.Run(context.Background(), fakeConnector{err: boom})
		assert.Equal(t, model.TransientError, out.Kind)
		assert.ErrorIs(t, out.Err, boom)
	})

	t.Run("select", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mailbox.selectErr = boom
		out := f.run()
		assert.Equal(t, model.TransientError, out.Kind)
		assert.ErrorIs(t, out.Err, boom)
		assert.Equal(t, 1, f.mailbox.logouts)
	})

	t.Run("search", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mailbox.searchErr = boom
		out := f.run()
		assert.Equal(t, model.TransientError, out.Kind)
		assert.Equal(t, 1, f.mailbox.logouts)
	})

	t.Run("every fetch fails", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mailbox.add(1, buildMessage(pdfPart("a.pdf", "%PDF")))
		f.mailbox.fetchErr[1] = boom
		out := f.run()
		assert.Equal(t, model.TransientError, out.Kind)
		assert.ErrorIs(t, out.Err, boom)
	})
	t.Run("one fetch fails and the rest were marked", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mailbox.add(1, buildMessage(pdfPart("a.pdf", "%PDF")))
		f.mailbox.add(2, buildMessage(pdfPart("b.pdf", "%PDF")), DefaultProcessedLabel)
		f.mailbox.fetchErr[1] = boom
		out := f.run()
		assert.Equal(t, model.TransientError, out.Kind)
		assert.ErrorIs(t, out.Err, boom)
	})
}

func TestRun_MarkFailureStillCountsOutput(t *testing.T) {
	f := newFixture(t, nil)
	f.mailbox.add(1, buildMessage(pdfPart("a.pdf", "%PDF")))
	f.mailbox.labelErr = errors.New("store rejected")

	out := f.run()

	assert.Equal(t, model.ProcessedSome, out.Kind)
	assert.Equal(t, []string{"a.pdf"}, f.sinkFiles(t))
	assert.Empty(t, f.mailbox.messages[1].labels)
}

func TestRun_DryRun(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.DryRun = true })
	f.mailbox.add(1, buildMessage(pdfPart("a.pdf", "%PDF")))

	out := f.run()

	assert.Equal(t, model.FoundNothing, out.Kind)
	assert.Zero(t, f.decryptor.calls)
	assert.Empty(t, f.sinkFiles(t))
	assert.Empty(t, f.mailbox.messages[1].labels)
}

func TestRun_IgnoresNonPDFAttachments(t *testing.T) {
	f := newFixture(t, nil)
	f.mailbox.add(1, buildMessage(
		part{name: "notes.txt", contentType: "text/plain", disposition: "attachment", data: "hello"},
		part{name: "logo.png", contentType: "image/png", disposition: "attachment", data: "\x89PNG"},
	))

	out := f.run()

	assert.Equal(t, model.FoundNothing, out.Kind)
	assert.Zero(t, f.decryptor.calls)
	assert.Empty(t, f.mailbox.messages[1].labels)
}

func TestRun_WrongPasswordLeavesNothingBehind(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Password = "nope" })
	f.mailbox.add(1, buildMessage(pdfPart("a.pdf", "%PDF")))

	out := f.run()

	assert.Equal(t, model.FoundNothing, out.Kind)
	assert.Empty(t, f.sinkFiles(t))
	assert.Empty(t, f.mailbox.messages[1].labels)
	f.assertStagingEmpty(t)
}

func TestRun_SinkNameCollision(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.MkdirAll(f.sink, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.sink, "payslip.pdf"), []byte("older"), 0o644))
	f.mailbox.add(1, buildMessage(pdfPart("payslip.pdf", "%PDF new")))

	require.Equal(t, model.ProcessedSome, f.run().Kind)

	older, err := os.ReadFile(filepath.Join(f.sink, "payslip.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "older", string(older))
	assert.FileExists(t, filepath.Join(f.sink, "payslip-1.pdf"))
}

func TestRun_TraversalNameStaysInSink(t *testing.T) {
	f := newFixture(t, nil)
	f.mailbox.add(1, buildMessage(pdfPart("../../etc/cron.d/evil.pdf", "%PDF")))

	require.Equal(t, model.ProcessedSome, f.run().Kind)
	assert.Equal(t, []string{"evil.pdf"}, f.sinkFiles(t))
}

func TestRun_CancelledContext(t *testing.T) {
	f := newFixture(t, nil)
	f.mailbox.add(1, buildMessage(pdfPart("a.pdf", "%PDF")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.proc.Run(ctx, fakeConnector{mailbox: f.mailbox})

	assert.Equal(t, model.TransientError, out.Kind)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Zero(t, f.decryptor.calls)
}

func TestNew_Validation(t *testing.T) {
	d := &fakeDecryptor{}
	_, err := New(Options{Folder: folder, StagingDir: "a", SinkDir: "b"}, d, nil)
	assert.Error(t, err)
	_, err = New(Options{Sender: sender, StagingDir: "a", SinkDir: "b"}, d, nil)
	assert.Error(t, err)
	_, err = New(Options{Sender: sender, Folder: folder, SinkDir: "b"}, d, nil)
	assert.Error(t, err)
	_, err = New(Options{Sender: sender, Folder: folder, StagingDir: "a", SinkDir: "b"}, nil, nil)
	assert.Error(t, err)

	p, err := New(Options{Sender: sender, Folder: folder, StagingDir: "a", SinkDir: "b"}, d, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultProcessedLabel, p.Options().ProcessedLabel)
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": DrainAll, "drain": DrainAll, "ALL": DrainAll, "first": FirstSuccess} {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePolicy("sometimes")
	assert.Error(t, err)
}

func TestHasMarker(t *testing.T) {
	tests := []struct {
		labels []string
		want   bool
	}{
		{nil, false},
		{[]string{"Inbox"}, false},
		{[]string{"Payslips/Processed"}, true},
		{[]string{"\\Seen", "Payslips/Processed", "Work"}, true},
		{[]string{"Payslips"}, false},
		{[]string{"\\seen", "payslips/processed"}, true},
		{[]string{"PAYSLIPS/PROCESSED"}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HasMarker(tt.labels, DefaultProcessedLabel), "%v", tt.labels)
	}
	assert.False(t, HasMarker([]string{"anything"}, ""))
}
