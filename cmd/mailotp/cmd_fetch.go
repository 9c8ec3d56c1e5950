package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/mailotp/internal/cursor"
	"github.com/tracyhatemice/mailotp/internal/otp"
)

func newFetchCmd(stdout, stderr io.Writer) *cobra.Command {
	var flags policyFlags
	var useCursor, seed bool
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Wait for an OTP email and print its code",
		Long: `Poll the configured mailbox for the newest message matching the policy
subject and print the code that follows the key phrase.

With --use-cursor the message recorded by "mailotp seed" is not reported
again, and the cursor is updated afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := doFetch(cmd.Context(), flags, useCursor, seed, stdout, stderr); err != nil {
				return fail(stderr, "fetch", err)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&useCursor, "use-cursor", false, "compare against the stored cursor and update it")
	cmd.Flags().BoolVar(&seed, "seed", false, "record the current newest message before polling")
	return cmd
}

func doFetch(ctx context.Context, flags policyFlags, useCursor, seed bool, stdout, stderr io.Writer) error {
	s, err := openSession(ctx, flags, stderr)
	if err != nil {
		return err
	}
	defer s.close()

	var opts []otp.Option
	var store *cursor.Store
	key := s.cursorKey()
	if useCursor {
		if store, err = s.openStore(); err != nil {
			return err
		}
		c := store.Get(key)
		s.logger.Debug("loaded cursor", "key", key, "last_seen", c.LastSeen)
		opts = append(opts, otp.WithCursor(c))
	}

	poller, err := s.newPoller(opts...)
	if err != nil {
		return err
	}
	res, err := pollOnce(ctx, poller, seed)
	if store != nil {
		// The cursor moves before extraction, so save it even on error.
		if perr := store.Put(key, poller.Cursor()); perr != nil && err == nil {
			err = fmt.Errorf("save cursor: %w", perr)
		}
	}
	if err != nil {
		return err
	}
	printResult(stdout, res)
	return nil
}

func pollOnce(ctx context.Context, poller *otp.Poller, seed bool) (otp.Result, error) {
	if seed {
		if err := poller.Seed(ctx); err != nil {
			return otp.Result{}, err
		}
	}
	return poller.Poll(ctx)
}
