package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tracyhatemice/mailotp/internal/config"
	"github.com/tracyhatemice/mailotp/internal/cursor"
	"github.com/tracyhatemice/mailotp/internal/mailbox"
	"github.com/tracyhatemice/mailotp/internal/otp"
)

// policyFlags override the configured policy field by field.
type policyFlags struct {
	subject    string
	keyPhrase  string
	codeLength int
	attempts   int
	interval   time.Duration
}

func (f *policyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.subject, "subject", "", "subject of the OTP email (overrides policy.subject)")
	cmd.Flags().StringVar(&f.keyPhrase, "key-phrase", "", "text that immediately precedes the code")
	cmd.Flags().IntVar(&f.codeLength, "code-length", 0, "number of characters in the code")
	cmd.Flags().IntVar(&f.attempts, "attempts", 0, "number of mailbox lookups before giving up")
	cmd.Flags().DurationVar(&f.interval, "interval", 0, "wait between lookups")
}

func (f policyFlags) apply(p otp.Policy) otp.Policy {
	if f.subject != "" {
		p.Subject = f.subject
	}
	if f.keyPhrase != "" {
		p.KeyPhrase = f.keyPhrase
	}
	if f.codeLength > 0 {
		p.CodeLength = f.codeLength
	}
	if f.attempts > 0 {
		p.MaxAttempts = f.attempts
	}
	if f.interval > 0 {
		p.Interval = f.interval
	}
	return p
}

// newProvider builds the mailbox client. Tests replace it.
var newProvider = mailbox.New

// session is the configured mailbox and policy shared by the polling
// commands.
type session struct {
	cfg      *config.Config
	logger   *slog.Logger
	policy   otp.Policy
	provider mailbox.Provider
}

func openSession(ctx context.Context, flags policyFlags, stderr io.Writer) (*session, error) {
	cfg, logger, err := loadConfig(stderr)
	if err != nil {
		return nil, err
	}
	policy := flags.apply(cfg.Policy.OTPPolicy())
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	provider, err := newProvider(ctx, cfg.Provider, logger)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, policy: policy, provider: provider}, nil
}

func (s *session) close() {
	if err := s.provider.Close(); err != nil {
		s.logger.Warn("close provider", "error", err)
	}
}

func (s *session) cursorKey() string {
	return cursor.Key(s.cfg.Provider.Name(), s.policy.Subject)
}

func (s *session) openStore() (*cursor.Store, error) {
	return cursor.Open(s.cfg.GetStateFile())
}

func (s *session) newPoller(opts ...otp.Option) (*otp.Poller, error) {
	opts = append([]otp.Option{otp.WithLogger(s.logger)}, opts...)
	return otp.NewPoller(s.policy, s.provider, opts...)
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

const notReceived = "OTP email wasn't received"

func printResult(w io.Writer, res otp.Result) {
	if res.Found {
		fmt.Fprintln(w, green("OTP: "+res.Code)) //nolint:errcheck // best-effort stdout
		return
	}
	fmt.Fprintln(w, yellow(notReceived)) //nolint:errcheck // best-effort stdout
}
