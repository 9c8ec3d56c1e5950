// mailotp waits for a one-time passcode email and prints the code.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/mailotp/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// errExit is returned by RunE functions that have already written their
// own error to stderr.
var errExit = errors.New("exit")

// configFlag holds the value of the --config persistent flag.
var configFlag string

// run executes the CLI with the given args and returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintf(stderr, "mailotp: %v\n", err) //nolint:errcheck // best-effort stderr
		}
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "mailotp",
		Short:         "Wait for one-time passcode emails and extract the code",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			fmt.Fprintf(stderr, "mailotp: unknown command %q\n", args[0]) //nolint:errcheck // best-effort stderr
			return errExit
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "config.yaml", "path to configuration file")
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newFetchCmd(stdout, stderr),
		newSeedCmd(stdout, stderr),
		newSelftestCmd(stdout, stderr),
		newAuthorizeCmd(stdout, stderr),
		newVersionCmd(stdout),
	)
	return root
}

// loadConfig reads the --config file and builds the logger it asks for.
func loadConfig(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, err
	}
	return cfg, setupLogger(cfg.LogLevel, stderr), nil
}

func setupLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// fail writes a command-scoped error to stderr and returns errExit.
func fail(stderr io.Writer, command string, err error) error {
	fmt.Fprintf(stderr, "mailotp %s: %v\n", command, err) //nolint:errcheck // best-effort stderr
	return errExit
}
