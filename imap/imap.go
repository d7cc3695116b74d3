package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/payslip-imap/processor"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrNotSelected     = errors.New("no mailbox selected")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
}

// Dialer opens authenticated IMAP sessions. Every call to Connect dials a new
// connection; nothing is kept between mailbox runs.
type Dialer struct {
	opts   Options
	logger *slog.Logger
}

func NewDialer(opts Options, logger *slog.Logger) (*Dialer, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Username == "" {
		return nil, fmt.Errorf("imap username is empty")
	}
	return &Dialer{opts: opts, logger: logger}, nil
}

func (d *Dialer) Connect(ctx context.Context) (processor.Mailbox, error) {
	session, err := d.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (d *Dialer) Dial(ctx context.Context) (*Session, error) {
	address := net.JoinHostPort(d.opts.Host, strconv.Itoa(d.opts.Port))
	options := &imapclient.Options{}

	if d.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         d.opts.Host,
			InsecureSkipVerify: d.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if d.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	// A cancelled context aborts any command blocked on the network.
	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	if err := client.Login(d.opts.Username, d.opts.Password).Wait(); err != nil {
		stopClose()
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	if d.logger != nil {
		d.logger.Debug("imap connection established", "address", address, "user", d.opts.Username, "tls", d.opts.UseTLS)
	}

	return &Session{
		client:    client,
		stopClose: stopClose,
		logger:    d.logger,
	}, nil
}

// Session is one logged in IMAP connection. It is not safe for concurrent use.
type Session struct {
	client    *imapclient.Client
	stopClose func() bool
	selected  string
	logger    *slog.Logger
}

func (s *Session) Select(_ context.Context, folder string) error {
	data, err := s.client.Select(folder, &imapv2.SelectOptions{}).Wait()
	if err != nil {
		return fmt.Errorf("select %s: %w", folder, err)
	}
	s.selected = folder
	if s.logger != nil {
		s.logger.Debug("mailbox selected", "mailbox", folder, "messages", data.NumMessages)
	}
	return nil
}

func (s *Session) SearchFrom(_ context.Context, sender string) ([]uint32, error) {
	if s.selected == "" {
		return nil, ErrNotSelected
	}
	criteria := &imapv2.SearchCriteria{
		Header: []imapv2.SearchCriteriaHeaderField{{Key: "From", Value: sender}},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search from %s: %w", sender, err)
	}

	all := data.AllUIDs()
	uids := make([]uint32, 0, len(all))
	for _, uid := range all {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

func (s *Session) Labels(_ context.Context, uid uint32) ([]string, error) {
	buf, err := s.fetchOne(uid, &imapv2.FetchOptions{UID: true, Flags: true})
	if err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(buf.Flags))
	for _, flag := range buf.Flags {
		labels = append(labels, string(flag))
	}
	return labels, nil
}

// FetchMessage returns the full RFC 822 source. BODY.PEEK keeps the server
// from setting \Seen.
func (s *Session) FetchMessage(_ context.Context, uid uint32) ([]byte, error) {
	section := &imapv2.FetchItemBodySection{Peek: true}
	buf, err := s.fetchOne(uid, &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	})
	if err != nil {
		return nil, err
	}
	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("uid %d: empty body", uid)
	}
	return raw, nil
}

// AddLabel stores label as an IMAP keyword. Keywords are not Gmail labels:
// Gmail keeps those under X-GM-LABELS, so the marker does not show up in the
// web client and labels set there are not seen here.
func (s *Session) AddLabel(_ context.Context, uid uint32, label string) error {
	if s.selected == "" {
		return ErrNotSelected
	}
	cmd := s.client.Store(imapv2.UIDSetNum(imapv2.UID(uid)), &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.Flag(label)},
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("store %s on uid %d: %w", label, uid, err)
	}
	return nil
}

func (s *Session) Logout() error {
	s.stopClose()
	var logoutErr error
	if err := s.client.Logout().Wait(); err != nil {
		logoutErr = fmt.Errorf("imap logout: %w", err)
	}
	if err := s.client.Close(); err != nil && s.logger != nil {
		s.logger.Debug("imap connection closed", "err", err)
	}
	return logoutErr
}

func (s *Session) fetchOne(uid uint32, opts *imapv2.FetchOptions) (*imapclient.FetchMessageBuffer, error) {
	if s.selected == "" {
		return nil, ErrNotSelected
	}
	cmd := s.client.Fetch(imapv2.UIDSetNum(imapv2.UID(uid)), opts)
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		if err := cmd.Close(); err != nil {
			return nil, fmt.Errorf("fetch uid %d: %w", uid, err)
		}
		return nil, fmt.Errorf("uid %d: %w", uid, ErrMessageNotFound)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	return buf, nil
}
