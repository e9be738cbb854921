package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobnimbus/internal/config"
	"github.com/3leaps/jobnimbus/internal/observability"
	"github.com/3leaps/jobnimbus/pkg/transfer"
)

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Move single files through the configured transfer backends",
	Long: `Fetch, push or stat one object by URI, using the same backends and
resolver settings (timeout, retries, rate limit) as job staging.

Examples:
  jobnimbus transfer fetch s3://bucket/lib/app.jar ./app.jar
  jobnimbus transfer push ./report.csv hdfs://nn/reports/report.csv
  jobnimbus transfer stat file:///data/input.csv`,
}

var transferFetchCmd = &cobra.Command{
	Use:   "fetch <uri> <local_path>",
	Short: "Copy a remote object to a local file",
	Args:  cobra.ExactArgs(2),
	RunE:  runTransferFetch,
}

var transferPushCmd = &cobra.Command{
	Use:   "push <local_path> <uri>",
	Short: "Copy a local file to a remote location",
	Args:  cobra.ExactArgs(2),
	RunE:  runTransferPush,
}

var transferStatCmd = &cobra.Command{
	Use:   "stat <uri>",
	Short: "Show the last modification time of a remote object",
	Args:  cobra.ExactArgs(1),
	RunE:  runTransferStat,
}

func init() {
	rootCmd.AddCommand(transferCmd)
	transferCmd.AddCommand(transferFetchCmd, transferPushCmd, transferStatCmd)
}

func openResolver(cmd *cobra.Command) (*transfer.Resolver, error) {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return nil, exitError(exitInvalidArgument, "Invalid configuration", err)
	}
	r, err := buildResolver(cmd.Context(), cfg.Transfer, nil, observability.CLILogger)
	if err != nil {
		return nil, exitError(exitInvalidArgument, "Failed to configure transfer backends", err)
	}
	return r, nil
}

// transferExitError maps transfer errors to CLI exit codes.
func transferExitError(message string, err error) error {
	switch {
	case errors.Is(err, transfer.ErrUnsupportedScheme), errors.Is(err, transfer.ErrInvalidLocation):
		return exitError(exitInvalidArgument, message, err)
	case errors.Is(err, transfer.ErrNotFound):
		return exitError(exitFileNotFound, message, err)
	default:
		return exitError(exitUnavailable, message, err)
	}
}

func runTransferFetch(cmd *cobra.Command, args []string) error {
	r, err := openResolver(cmd)
	if err != nil {
		return err
	}
	uri, local := args[0], args[1]
	start := time.Now()
	if err := r.Fetch(cmd.Context(), uri, local); err != nil {
		observability.CLILogger.Error("Fetch failed", zap.String("uri", uri), zap.Error(err))
		return transferExitError("Fetch failed", err)
	}
	observability.CLILogger.Info("Fetched", zap.String("uri", uri), zap.String("local", local), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func runTransferPush(cmd *cobra.Command, args []string) error {
	r, err := openResolver(cmd)
	if err != nil {
		return err
	}
	local, uri := args[0], args[1]
	start := time.Now()
	if err := r.Push(cmd.Context(), local, uri); err != nil {
		observability.CLILogger.Error("Push failed", zap.String("uri", uri), zap.Error(err))
		return transferExitError("Push failed", err)
	}
	observability.CLILogger.Info("Pushed", zap.String("local", local), zap.String("uri", uri), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func runTransferStat(cmd *cobra.Command, args []string) error {
	r, err := openResolver(cmd)
	if err != nil {
		return err
	}
	mod, err := r.LastModified(cmd.Context(), args[0])
	if err != nil {
		return transferExitError("Stat failed", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], mod.UTC().Format(time.RFC3339Nano))
	return nil
}
