package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Noop() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
}

// IMAPProvider reads a mailbox folder over IMAP/IMAPS. One logged-in
// session is kept open and reused until a command fails or Close is called.
type IMAPProvider struct {
	host        string
	port        int
	username    string
	password    string
	useTLS      bool
	folder      string
	dialTimeout time.Duration
	logger      *slog.Logger
	newClient   func() (imapClient, error)

	client      imapClient
	uidValidity uint32
}

// IMAPOption customizes an IMAPProvider.
type IMAPOption func(*IMAPProvider)

// WithIMAPLogger overrides the logger used for connector diagnostics.
func WithIMAPLogger(logger *slog.Logger) IMAPOption {
	return func(r *IMAPProvider) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithIMAPDialTimeout overrides the socket dial timeout.
func WithIMAPDialTimeout(timeout time.Duration) IMAPOption {
	return func(r *IMAPProvider) {
		if timeout > 0 {
			r.dialTimeout = timeout
		}
	}
}

func withIMAPClientFactory(factory func() (imapClient, error)) IMAPOption {
	return func(r *IMAPProvider) {
		r.newClient = factory
	}
}

// NewIMAP creates a new IMAP provider.
func NewIMAP(host string, port int, username, password string, useTLS bool, folder string, opts ...IMAPOption) *IMAPProvider {
	if folder == "" {
		folder = "INBOX"
	}
	r := &IMAPProvider{
		host:        host,
		port:        port,
		username:    username,
		password:    password,
		useTLS:      useTLS,
		folder:      folder,
		dialTimeout: 10 * time.Second,
		logger:      slog.Default(),
	}
	r.newClient = r.dial
	for _, opt := range opts {
		opt(r)
	}
	if r.newClient == nil {
		r.newClient = r.dial
	}
	return r
}

func (r *IMAPProvider) FindNewestMessageID(ctx context.Context, subjectQuery string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	client, err := r.session()
	if err != nil {
		return "", err
	}

	// Lets the server report messages delivered since the last command.
	if err := client.Noop().Wait(); err != nil {
		r.drop()
		return "", fmt.Errorf("imap noop: %w", err)
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "Subject", Value: subjectQuery},
		},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		r.drop()
		return "", fmt.Errorf("imap search: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		r.logger.Debug("no matching messages", "folder", r.folder)
		return "", nil
	}
	newest := slices.Max(uids)
	r.logger.Debug("matching messages", "folder", r.folder, "count", len(uids), "newest_uid", newest)
	return formatIMAPID(r.uidValidity, newest), nil
}

func (r *IMAPProvider) FetchMessageText(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	validity, uid, err := parseIMAPID(id)
	if err != nil {
		return "", err
	}
	client, err := r.session()
	if err != nil {
		return "", err
	}
	if validity != r.uidValidity {
		return "", fmt.Errorf("%w: %s (uidvalidity is now %d)", ErrMessageNotFound, id, r.uidValidity)
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}
	buffers, err := client.Fetch(imap.UIDSetNum(uid), fetchOptions).Collect()
	if err != nil {
		r.drop()
		return "", fmt.Errorf("imap fetch: %w", err)
	}
	for _, buf := range buffers {
		if buf.UID != uid {
			continue
		}
		content := buf.FindBodySection(bodySection)
		if len(content) == 0 {
			return "", fmt.Errorf("imap fetch %s: empty body", id)
		}
		return ExtractText(content), nil
	}
	return "", fmt.Errorf("%w: %s", ErrMessageNotFound, id)
}

func (r *IMAPProvider) Close() error {
	if r.client == nil {
		return nil
	}
	client := r.client
	r.client = nil
	if err := client.Logout().Wait(); err != nil {
		r.logger.Debug("imap logout failed", "error", err)
	}
	return client.Close()
}

func (r *IMAPProvider) session() (imapClient, error) {
	if r.client != nil {
		return r.client, nil
	}

	client, err := r.newClient()
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", r.addr(), err)
	}
	if err := client.Login(r.username, r.password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("imap login %s: %w", r.username, err)
	}
	selectData, err := client.Select(r.folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("imap select %s: %w", r.folder, err)
	}
	if selectData != nil {
		r.uidValidity = selectData.UIDValidity
	}

	r.logger.Debug("imap session established", "addr", r.addr(), "folder", r.folder, "uidvalidity", r.uidValidity)
	r.client = client
	return client, nil
}

// drop discards a session that failed mid-command so the next call
// reconnects.
func (r *IMAPProvider) drop() {
	if r.client == nil {
		return
	}
	if err := r.client.Close(); err != nil {
		r.logger.Debug("imap close failed", "error", err)
	}
	r.client = nil
}

func (r *IMAPProvider) addr() string {
	return net.JoinHostPort(r.host, strconv.Itoa(r.port))
}

func (r *IMAPProvider) dial() (imapClient, error) {
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: r.dialTimeout}}

	var client *imapclient.Client
	var err error
	if r.useTLS {
		opts.TLSConfig = &tls.Config{ServerName: r.host}
		client, err = imapclient.DialTLS(r.addr(), opts)
	} else {
		client, err = imapclient.DialInsecure(r.addr(), opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Noop() commandWaiter   { return w.Client.Noop() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}

// IMAP ids carry the folder's UIDVALIDITY so a UID reused after the
// folder is rebuilt is never mistaken for the old message.
func formatIMAPID(validity uint32, uid imap.UID) string {
	return fmt.Sprintf("%d:%d", validity, uid)
}

func parseIMAPID(id string) (uint32, imap.UID, error) {
	v, u, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid imap message id %q", id)
	}
	validity, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid imap message id %q: %w", id, err)
	}
	uid, err := strconv.ParseUint(u, 10, 32)
	if err != nil || uid == 0 {
		return 0, 0, fmt.Errorf("invalid imap message id %q", id)
	}
	return uint32(validity), imap.UID(uid), nil
}
