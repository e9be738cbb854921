package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobnimbus/internal/config"
	"github.com/3leaps/jobnimbus/internal/observability"
)

var doctorS3 bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Check that jobnimbus can run here: configuration, job store, sandbox
root and transfer backends.

Examples:
  jobnimbus doctor         # Environment, store, sandbox and backends
  jobnimbus doctor --s3    # Also check AWS credentials`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorS3, "s3", false, "Also check AWS credentials")
}

// doctorCheck is one diagnostic step. It returns a short detail on success.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")

	var cfg *config.Config
	checks := []doctorCheck{
		{"Go version", func(context.Context) (string, error) { return runtime.Version(), nil }},
		{"Gofulmen", checkGofulmen},
		{"Configuration", func(ctx context.Context) (string, error) {
			var err error
			cfg, err = config.Load(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("store=%s launcher=%s", cfg.Store.Driver, cfg.Launcher.Kind), nil
		}},
		{"Job store", func(ctx context.Context) (string, error) { return checkStore(ctx, cfg) }},
		{"Sandbox root", func(context.Context) (string, error) { return checkSandbox(cfg) }},
		{"Transfer backends", func(ctx context.Context) (string, error) { return checkBackends(ctx, cfg) }},
	}
	if doctorS3 {
		checks = append(checks, doctorCheck{"AWS credentials", checkAWSCredentials})
	}

	failed := 0
	for i, c := range checks {
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		detail, err := c.run(ctx)
		if err != nil {
			failed++
			log.Error(prefix+" failed", zap.Error(err))
			if c.name == "AWS credentials" {
				printAWSCredentialsHelp()
			}
			continue
		}
		log.Info(prefix + " ok " + detail)
	}

	if failed > 0 {
		log.Warn("Some checks failed. Review the output above for details.", zap.Int("failed", failed))
		return exitError(exitUnavailable, "Diagnostics failed", fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	log.Info(fmt.Sprintf("All checks passed! Your %s installation is healthy.", bannerName))
	return nil
}

func checkGofulmen(context.Context) (string, error) {
	v := crucible.GetVersion()
	if v.Gofulmen == "" {
		return "", fmt.Errorf("gofulmen version unavailable")
	}
	return fmt.Sprintf("gofulmen v%s crucible v%s", v.Gofulmen, v.Crucible), nil
}

func checkStore(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration not loaded")
	}
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return "", err
	}
	defer func() { _ = store.Close() }()
	if err := store.Ping(ctx); err != nil {
		return "", err
	}
	if cfg.Store.Path != "" {
		return cfg.Store.Driver + " " + cfg.Store.Path, nil
	}
	return cfg.Store.Driver, nil
}

// checkSandbox confirms the sandbox root can hold new job directories.
func checkSandbox(cfg *config.Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration not loaded")
	}
	if err := os.MkdirAll(cfg.Sandbox.Root, 0o755); err != nil {
		return "", err
	}
	scratch, err := os.MkdirTemp(cfg.Sandbox.Root, ".doctor-")
	if err != nil {
		return "", fmt.Errorf("sandbox root not writable: %w", err)
	}
	_ = os.RemoveAll(scratch)
	return filepath.Clean(cfg.Sandbox.Root), nil
}

func checkBackends(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration not loaded")
	}
	r, err := buildResolver(ctx, cfg.Transfer, nil, zap.NewNop())
	if err != nil {
		return "", err
	}
	return "schemes: " + strings.Join(r.Registry().Schemes(), ", "), nil
}

func checkAWSCredentials(ctx context.Context) (string, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("load aws config: %w", err)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s (source: %s)", maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("To configure AWS credentials for s3:// dependencies:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  2. Set transfer.s3.profile to a shared-config profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.) also set transfer.s3.endpoint")
}
