package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	pop3client "github.com/knadh/go-pop3"
)

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3client.MessageID, error)
	List(msgID int) ([]pop3client.MessageID, error)
	Top(msgID int, numLines int) (*message.Entity, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
}

// POP3Provider reads a maildrop over POP3/POP3S. POP3 servers lock the
// maildrop and only show new mail to a fresh session, so every call
// opens its own connection.
type POP3Provider struct {
	host        string
	port        int
	username    string
	password    string
	useTLS      bool
	scanLimit   int
	dialTimeout time.Duration
	logger      *slog.Logger
	newConn     func() (pop3Connection, error)
}

// POP3Option customizes a POP3Provider.
type POP3Option func(*POP3Provider)

// WithPOP3Logger overrides the logger used for connector diagnostics.
func WithPOP3Logger(logger *slog.Logger) POP3Option {
	return func(r *POP3Provider) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPOP3ScanLimit caps how many of the newest messages are retrieved
// when looking for a subject match.
func WithPOP3ScanLimit(n int) POP3Option {
	return func(r *POP3Provider) {
		if n > 0 {
			r.scanLimit = n
		}
	}
}

// WithPOP3DialTimeout overrides the socket dial timeout.
func WithPOP3DialTimeout(timeout time.Duration) POP3Option {
	return func(r *POP3Provider) {
		if timeout > 0 {
			r.dialTimeout = timeout
		}
	}
}

func withPOP3ConnFactory(factory func() (pop3Connection, error)) POP3Option {
	return func(r *POP3Provider) {
		r.newConn = factory
	}
}

// NewPOP3 creates a new POP3 provider.
func NewPOP3(host string, port int, username, password string, useTLS bool, opts ...POP3Option) *POP3Provider {
	r := &POP3Provider{
		host:        host,
		port:        port,
		username:    username,
		password:    password,
		useTLS:      useTLS,
		scanLimit:   20,
		dialTimeout: 10 * time.Second,
		logger:      slog.Default(),
	}
	r.newConn = r.dial
	for _, opt := range opts {
		opt(r)
	}
	if r.newConn == nil {
		r.newConn = r.dial
	}
	return r
}

func (r *POP3Provider) FindNewestMessageID(ctx context.Context, subjectQuery string) (string, error) {
	conn, err := r.connect()
	if err != nil {
		return "", err
	}
	defer r.safeQuit(conn)

	msgs, err := r.list(conn)
	if err != nil {
		return "", err
	}

	query := strings.ToLower(subjectQuery)
	for _, meta := range newestFirst(msgs, r.scanLimit) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		header, err := r.header(conn, meta.ID)
		if err != nil {
			return "", err
		}
		if strings.Contains(strings.ToLower(headerSubject(header)), query) {
			id := messageID(meta, header, r.username)
			r.logger.Debug("matching message", "msg_id", id, "pop3_id", meta.ID)
			return id, nil
		}
	}

	r.logger.Debug("no matching messages", "scanned", min(len(msgs), r.scanLimit))
	return "", nil
}

func (r *POP3Provider) FetchMessageText(ctx context.Context, id string) (string, error) {
	conn, err := r.connect()
	if err != nil {
		return "", err
	}
	defer r.safeQuit(conn)

	msgs, err := r.list(conn)
	if err != nil {
		return "", err
	}

	scanned := 0
	for _, meta := range newestFirst(msgs, len(msgs)) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if meta.UID != "" && meta.UID != id {
			continue
		}
		if meta.UID == "" {
			// Without UIDL the id comes from the headers.
			if scanned >= r.scanLimit {
				break
			}
			scanned++
			header, err := r.header(conn, meta.ID)
			if err != nil {
				return "", err
			}
			if messageID(meta, header, r.username) != id {
				continue
			}
		}
		rawBuf, err := conn.RetrRaw(meta.ID)
		if err != nil {
			return "", fmt.Errorf("pop3 retr %d: %w", meta.ID, err)
		}
		return ExtractText(rawBuf.Bytes()), nil
	}
	return "", fmt.Errorf("%w: %s", ErrMessageNotFound, id)
}

// header reads only the header block of a message with TOP n 0.
func (r *POP3Provider) header(conn pop3Connection, msgID int) (mail.Header, error) {
	entity, err := conn.Top(msgID, 0)
	if err != nil {
		return mail.Header{}, fmt.Errorf("pop3 top %d: %w", msgID, err)
	}
	return mail.Header{Header: entity.Header}, nil
}

func (r *POP3Provider) Close() error {
	return nil
}

func (r *POP3Provider) connect() (pop3Connection, error) {
	addr := net.JoinHostPort(r.host, strconv.Itoa(r.port))
	conn, err := r.newConn()
	if err != nil {
		return nil, fmt.Errorf("pop3 connect %s: %w", addr, err)
	}
	if err := conn.Auth(r.username, r.password); err != nil {
		r.safeQuit(conn)
		return nil, fmt.Errorf("pop3 auth %s: %w", r.username, err)
	}
	return conn, nil
}

// list prefers UIDL so ids stay stable across sessions, falling back to
// LIST for servers without it.
func (r *POP3Provider) list(conn pop3Connection) ([]pop3client.MessageID, error) {
	msgs, err := conn.Uidl(0)
	if err == nil {
		return msgs, nil
	}
	r.logger.Debug("pop3 uidl unsupported, using list", "error", err)
	msgs, err = conn.List(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 list: %w", err)
	}
	return msgs, nil
}

func (r *POP3Provider) safeQuit(conn pop3Connection) {
	if err := conn.Quit(); err != nil {
		r.logger.Debug("pop3 quit failed", "error", err)
	}
}

func (r *POP3Provider) dial() (pop3Connection, error) {
	client := pop3client.New(pop3client.Opt{
		Host:        r.host,
		Port:        r.port,
		DialTimeout: r.dialTimeout,
		TLSEnabled:  r.useTLS,
	})
	return client.NewConn()
}

// newestFirst orders messages by descending message number, which is
// arrival order on a POP3 maildrop, and keeps at most limit of them.
func newestFirst(msgs []pop3client.MessageID, limit int) []pop3client.MessageID {
	out := slices.Clone(msgs)
	slices.SortFunc(out, func(a, b pop3client.MessageID) int {
		return b.ID - a.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// messageID picks a stable identifier: the UIDL value, else the
// Message-ID header, else the message number.
func messageID(meta pop3client.MessageID, header mail.Header, username string) string {
	if meta.UID != "" {
		return meta.UID
	}
	if id := header.Get("Message-ID"); id != "" {
		return id
	}
	return fmt.Sprintf("pop3-%d-%s", meta.ID, username)
}

// headerSubject returns the decoded Subject, or the raw value if it does
// not decode.
func headerSubject(header mail.Header) string {
	subject, err := header.Subject()
	if err != nil {
		return header.Get("Subject")
	}
	return subject
}
