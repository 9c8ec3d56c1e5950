package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newSeedCmd(stdout, stderr io.Writer) *cobra.Command {
	var flags policyFlags
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Record the newest matching message so fetch --use-cursor skips it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := doSeed(cmd.Context(), flags, stdout, stderr); err != nil {
				return fail(stderr, "seed", err)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func doSeed(ctx context.Context, flags policyFlags, stdout, stderr io.Writer) error {
	s, err := openSession(ctx, flags, stderr)
	if err != nil {
		return err
	}
	defer s.close()

	store, err := s.openStore()
	if err != nil {
		return err
	}
	poller, err := s.newPoller()
	if err != nil {
		return err
	}
	if err := poller.Seed(ctx); err != nil {
		return err
	}

	key := s.cursorKey()
	c := poller.Cursor()
	if !c.Set {
		fmt.Fprintf(stdout, "no message matches %q, cursor %s unchanged\n", s.policy.Subject, key) //nolint:errcheck // best-effort stdout
		return nil
	}
	if err := store.Put(key, c); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "cursor %s set to %s\n", key, c.LastSeen) //nolint:errcheck // best-effort stdout
	return nil
}
