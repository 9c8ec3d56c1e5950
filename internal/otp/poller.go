package otp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Mailbox is the part of a mail provider the poller needs.
type Mailbox interface {
	// FindNewestMessageID returns the id of the newest message matching
	// subjectQuery, or "" if nothing matches.
	FindNewestMessageID(ctx context.Context, subjectQuery string) (string, error)
	// FetchMessageText returns the decoded text of a message.
	FetchMessageText(ctx context.Context, id string) (string, error)
}

// Result is the outcome of a Poll. Found is false when no new message
// arrived within the attempt budget.
type Result struct {
	Code      string
	MessageID string
	Attempts  int
	Found     bool
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Poller waits for a new OTP email and extracts the code from it.
// A Poller is not safe for concurrent use.
type Poller struct {
	policy  Policy
	mailbox Mailbox
	cursor  Cursor
	sleep   SleepFunc
	logger  *slog.Logger
}

// Option customizes a Poller.
type Option func(*Poller)

// WithLogger sets the logger used for poll diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSleep overrides how the poller waits between attempts.
func WithSleep(sleep SleepFunc) Option {
	return func(p *Poller) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithCursor starts the poller from a previously recorded cursor.
func WithCursor(c Cursor) Option {
	return func(p *Poller) {
		p.cursor = c
	}
}

// NewPoller creates a Poller for policy reading from mailbox.
func NewPoller(policy Policy, mailbox Mailbox, opts ...Option) (*Poller, error) {
	if mailbox == nil {
		return nil, fmt.Errorf("poller requires a mailbox")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	p := &Poller{
		policy:  policy,
		mailbox: mailbox,
		sleep:   sleepContext,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Policy returns the poller's policy.
func (p *Poller) Policy() Policy {
	return p.policy
}

// Cursor returns a copy of the current cursor.
func (p *Poller) Cursor() Cursor {
	return p.cursor
}

// ResetCursor clears the cursor so any matching message counts as new.
func (p *Poller) ResetCursor() {
	p.cursor.Reset()
}

// Seed positions the cursor at the newest message that already matches,
// so only a message arriving afterwards is reported by Poll.
func (p *Poller) Seed(ctx context.Context) error {
	id, err := p.mailbox.FindNewestMessageID(ctx, p.policy.Subject)
	if err != nil {
		return fmt.Errorf("lookup newest message: %w", err)
	}
	if id == "" {
		p.logger.Debug("nothing to seed", "subject", p.policy.Subject)
		return nil
	}
	p.cursor.Advance(id)
	p.logger.Debug("seeded cursor", "subject", p.policy.Subject, "msg_id", id)
	return nil
}

// Poll looks for a new matching message up to MaxAttempts times, pausing
// Interval between lookups. When one shows up the cursor moves to it and
// the code is extracted from its text.
//
// Running out of attempts is not an error: the Result has Found unset.
// A wait that fails while ctx is still live is logged and polling goes on;
// only cancellation of ctx stops it. Provider failures abort immediately. Malformed messages yield an error
// wrapping ErrMalformedMessage.
func (p *Poller) Poll(ctx context.Context) (Result, error) {
	logger := p.logger.With("poll", uuid.NewString(), "subject", p.policy.Subject)
	logger.Info("waiting for otp email",
		"attempts", p.policy.MaxAttempts,
		"interval", p.policy.Interval,
	)

	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		id, err := p.mailbox.FindNewestMessageID(ctx, p.policy.Subject)
		if err != nil {
			return Result{Attempts: attempt}, fmt.Errorf("lookup newest message: %w", err)
		}

		if p.cursor.IsNew(id) {
			logger.Info("new message", "attempt", attempt, "msg_id", id)
			return p.extract(ctx, id, attempt)
		}
		logger.Debug("no new message", "attempt", attempt, "newest", id)

		if attempt == p.policy.MaxAttempts {
			break
		}
		if err := p.sleep(ctx, p.policy.Interval); err != nil {
			if ctx.Err() != nil {
				return Result{Attempts: attempt}, ctx.Err()
			}
			// A wait cut short is not fatal: go on with the next lookup.
			logger.Warn("wait interrupted", "attempt", attempt, "error", err)
		}
	}

	logger.Info("otp email not received", "attempts", p.policy.MaxAttempts)
	return Result{Attempts: p.policy.MaxAttempts}, nil
}

func (p *Poller) extract(ctx context.Context, id string, attempt int) (Result, error) {
	p.cursor.Advance(id)
	res := Result{MessageID: id, Attempts: attempt}

	text, err := p.mailbox.FetchMessageText(ctx, id)
	if err != nil {
		return res, fmt.Errorf("fetch message %s: %w", id, err)
	}
	code, err := Extract(text, p.policy.KeyPhrase, p.policy.CodeLength)
	if err != nil {
		return res, fmt.Errorf("message %s: %w", id, err)
	}
	res.Code = code
	res.Found = true
	return res, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
