package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/mailotp/internal/sender"
)

func newSelftestCmd(stdout, stderr io.Writer) *cobra.Command {
	var flags policyFlags
	var to string
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Send a generated OTP email to the mailbox and fetch it back",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := doSelftest(cmd.Context(), flags, to, stdout, stderr); err != nil {
				return fail(stderr, "selftest", err)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&to, "to", "", "recipient address (overrides smtp.to)")
	return cmd
}

func doSelftest(ctx context.Context, flags policyFlags, to string, stdout, stderr io.Writer) error {
	s, err := openSession(ctx, flags, stderr)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.cfg.ValidateSMTP(); err != nil {
		return err
	}
	if to == "" {
		to = s.cfg.SMTP.To
	}
	if to == "" {
		return errors.New("recipient required: set smtp.to or pass --to")
	}

	poller, err := s.newPoller()
	if err != nil {
		return err
	}
	if err := poller.Seed(ctx); err != nil {
		return err
	}

	code, err := sender.GenerateCode(s.policy.CodeLength)
	if err != nil {
		return err
	}
	smtp := sender.New(
		s.cfg.SMTP.Host,
		s.cfg.SMTP.Port,
		s.cfg.SMTP.Username,
		s.cfg.SMTP.Password,
		s.cfg.SMTP.UseTLS,
		s.logger,
	)
	if err := smtp.SendOTP(ctx, to, s.policy.Subject, s.policy.KeyPhrase, code); err != nil {
		return err
	}

	res, err := poller.Poll(ctx)
	if err != nil {
		return err
	}
	printResult(stdout, res)
	if !res.Found {
		return errors.New("sent OTP was not received")
	}
	if res.Code != code {
		return fmt.Errorf("code mismatch: sent %s, received %s", code, res.Code)
	}
	fmt.Fprintln(stdout, green("selftest passed")) //nolint:errcheck // best-effort stdout
	return nil
}
