package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/mailotp/internal/mailbox"
)

func newAuthorizeCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "authorize",
		Short: "Grant read access to a Gmail mailbox and store the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(stderr)
			if err != nil {
				return fail(stderr, "authorize", err)
			}
			if cfg.Provider.Type != "gmail" {
				return fail(stderr, "authorize", fmt.Errorf("provider type %q does not use OAuth, want gmail", cfg.Provider.Type))
			}
			if err := mailbox.Authorize(cmd.Context(), cfg.Provider, stdout); err != nil {
				return fail(stderr, "authorize", err)
			}
			return nil
		},
	}
}
