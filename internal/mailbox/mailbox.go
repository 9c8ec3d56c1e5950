package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tracyhatemice/mailotp/internal/config"
)

// ErrMessageNotFound is returned by FetchMessageText for an unknown id.
var ErrMessageNotFound = errors.New("message not found")

// Provider gives read-only access to a remote mailbox.
type Provider interface {
	// FindNewestMessageID returns the identifier of the newest message
	// whose subject matches subjectQuery, or "" if none does.
	FindNewestMessageID(ctx context.Context, subjectQuery string) (string, error)

	// FetchMessageText returns the decoded text of the message with the
	// given identifier.
	FetchMessageText(ctx context.Context, id string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}

// New creates the provider described by cfg.
func New(ctx context.Context, cfg config.Provider, logger *slog.Logger) (Provider, error) {
	logger = logger.With("provider", cfg.Name())
	switch cfg.Type {
	case "imap":
		return NewIMAP(
			cfg.Host, cfg.Port,
			cfg.Username, cfg.Password,
			cfg.UseTLS, cfg.GetIMAPFolder(),
			WithIMAPLogger(logger),
		), nil
	case "pop3":
		return NewPOP3(
			cfg.Host, cfg.Port,
			cfg.Username, cfg.Password,
			cfg.UseTLS,
			WithPOP3Logger(logger),
			WithPOP3ScanLimit(cfg.GetScanLimit()),
		), nil
	case "gmail":
		g, err := NewGmail(ctx, cfg, WithGmailLogger(logger))
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
}
