// Package cmd implements the jobnimbus command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/jobnimbus/internal/config"
	"github.com/3leaps/jobnimbus/internal/observability"
)

// exitGeneric is used for failures that carry no specific exit code.
const exitGeneric = 1

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata, typically from ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var appIdentity *config.Identity

// GetAppIdentity returns the identity resolved at startup, nil before.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "jobnimbus",
	Short: "Stage dependencies and run batch jobs",
	Long: `jobnimbus accepts job submissions, stages each job's file dependencies
from s3, hdfs (mounted) or local storage into a sandbox, launches the job
and tracks it through INIT, RUNNING and a terminal status.

Run 'jobnimbus serve' for the HTTP API, or use the jobs and transfer
commands directly against the configured store and backends.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./jobnimbus.yaml or user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	setDefaults()
}

// setDefaults registers config defaults on the global viper instance.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initConfig(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(rootCmd.Name(), verbose)

	id := config.AppIdentity()
	appIdentity = &id

	config.SetConfigFile(cfgFile)
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return exitError(exitFileNotFound, "Failed to read config file", err)
		}
	}
	return nil
}

// Execute runs the root command and exits with the mapped code on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		code := exitGeneric
		var ce *cliError
		if errors.As(err, &ce) {
			code = ce.code
		}
		ExitWithCode(observability.CLILogger, code, "Command failed", err)
	}
}

// cliError carries a process exit code.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliError) Unwrap() error {
	return e.err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &cliError{code: code, message: message, err: err}
}

// ExitWithCode logs err and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(code)
}
