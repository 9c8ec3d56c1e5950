package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/tracyhatemice/mailotp/internal/config"
)

const gmailUser = "me"

// GmailProvider reads a Gmail mailbox through the Gmail REST API.
type GmailProvider struct {
	service  *gmail.Service
	bodyMode string
	logger   *slog.Logger
}

// GmailOption customizes a GmailProvider.
type GmailOption func(*GmailProvider)

// WithGmailLogger overrides the logger used for connector diagnostics.
func WithGmailLogger(logger *slog.Logger) GmailOption {
	return func(g *GmailProvider) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGmailBodyMode selects whether FetchMessageText returns the decoded
// body or Gmail's snippet.
func WithGmailBodyMode(mode string) GmailOption {
	return func(g *GmailProvider) {
		if mode != "" {
			g.bodyMode = mode
		}
	}
}

// NewGmail authenticates with the stored OAuth token and returns a
// provider. The token must have been created by Authorize.
func NewGmail(ctx context.Context, cfg config.Provider, opts ...GmailOption) (*GmailProvider, error) {
	conf, err := loadOAuthConfig(cfg.CredentialsFile, cfg.GetOAuthPort())
	if err != nil {
		return nil, err
	}
	path := tokenPath(cfg)
	tok, err := loadToken(path)
	if err != nil {
		return nil, err
	}

	ts := newSavingTokenSource(conf.TokenSource(ctx, tok), path, tok)
	service, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}

	opts = append([]GmailOption{WithGmailBodyMode(cfg.GetBodyMode())}, opts...)
	g := NewGmailFromService(service, opts...)
	ts.logger = g.logger
	return g, nil
}

// NewGmailFromService wraps an already configured Gmail service.
func NewGmailFromService(service *gmail.Service, opts ...GmailOption) *GmailProvider {
	g := &GmailProvider{
		service:  service,
		bodyMode: config.BodyModeBody,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GmailProvider) FindNewestMessageID(ctx context.Context, subjectQuery string) (string, error) {
	resp, err := g.service.Users.Messages.List(gmailUser).
		Q(subjectSearch(subjectQuery)).
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("gmail list: %w", err)
	}
	if len(resp.Messages) == 0 {
		g.logger.Debug("no matching messages")
		return "", nil
	}
	id := resp.Messages[0].Id
	g.logger.Debug("matching message", "msg_id", id, "estimate", resp.ResultSizeEstimate)
	return id, nil
}

func (g *GmailProvider) FetchMessageText(ctx context.Context, id string) (string, error) {
	msg, err := g.service.Users.Messages.Get(gmailUser, id).
		Format("full").
		Context(ctx).
		Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		return "", fmt.Errorf("gmail get %s: %w", id, err)
	}
	if g.bodyMode == config.BodyModeSnippet {
		return msg.Snippet, nil
	}
	return gmailMessageText(msg)
}

func (g *GmailProvider) Close() error {
	return nil
}

// subjectSearch builds a Gmail search query matching the subject phrase.
func subjectSearch(q string) string {
	return `subject:"` + strings.ReplaceAll(q, `"`, "") + `"`
}

// gmailMessageText returns the first text/plain part, else the first
// text/html part stripped of markup, else the snippet.
func gmailMessageText(msg *gmail.Message) (string, error) {
	if msg.Payload == nil {
		return msg.Snippet, nil
	}
	plain, err := findGmailPart(msg.Payload, "text/plain")
	if err != nil {
		return "", err
	}
	if plain != "" {
		return plain, nil
	}
	html, err := findGmailPart(msg.Payload, "text/html")
	if err != nil {
		return "", err
	}
	if html != "" {
		return StripHTML(html), nil
	}
	return msg.Snippet, nil
}

func findGmailPart(part *gmail.MessagePart, mimeType string) (string, error) {
	if strings.HasPrefix(strings.ToLower(part.MimeType), mimeType) && part.Body != nil && part.Body.Data != "" {
		return decodeGmailData(part.Body.Data)
	}
	for _, child := range part.Parts {
		text, err := findGmailPart(child, mimeType)
		if err != nil || text != "" {
			return text, err
		}
	}
	return "", nil
}

// decodeGmailData decodes a body payload, which Gmail sends as base64url
// with or without padding.
func decodeGmailData(data string) (string, error) {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return "", fmt.Errorf("gmail decode body: %w", err)
		}
	}
	return string(b), nil
}
