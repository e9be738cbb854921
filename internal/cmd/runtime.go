package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/jobnimbus/internal/config"
	"github.com/3leaps/jobnimbus/internal/server/handlers"
	"github.com/3leaps/jobnimbus/pkg/jobs"
	"github.com/3leaps/jobnimbus/pkg/jobstore"
	"github.com/3leaps/jobnimbus/pkg/jobstore/sqlstore"
	"github.com/3leaps/jobnimbus/pkg/transfer"
	"github.com/3leaps/jobnimbus/pkg/transfer/local"
	"github.com/3leaps/jobnimbus/pkg/transfer/mount"
	"github.com/3leaps/jobnimbus/pkg/transfer/s3"
)

// openStore opens the configured job store.
func openStore(ctx context.Context, cfg config.StoreConfig) (jobs.Store, error) {
	if cfg.Driver == config.StoreDriverMemory {
		return jobstore.NewMemory(), nil
	}
	store, err := sqlstore.Open(ctx, cfg.SQL())
	if err != nil {
		return nil, err
	}
	return store, nil
}

// buildResolver registers every enabled backend behind one resolver.
func buildResolver(ctx context.Context, cfg config.TransferConfig, observer transfer.Observer, logger *zap.Logger) (*transfer.Resolver, error) {
	var backends []transfer.Backend

	lb, err := local.New(cfg.Local.Backend(), logger.Named("local"))
	if err != nil {
		return nil, fmt.Errorf("local backend: %w", err)
	}
	backends = append(backends, lb)

	if cfg.Mount.Enabled() {
		mb, err := mount.New(cfg.Mount.Backend(), logger.Named("mount"))
		if err != nil {
			return nil, fmt.Errorf("mount backend: %w", err)
		}
		backends = append(backends, mb)
	}

	if cfg.S3.Enabled {
		sb, err := s3.New(ctx, cfg.S3.Backend(), logger.Named("s3"))
		if err != nil {
			return nil, fmt.Errorf("s3 backend: %w", err)
		}
		backends = append(backends, sb)
	}

	registry, err := transfer.NewRegistry(backends...)
	if err != nil {
		return nil, err
	}

	rc := cfg.Resolver()
	rc.Observer = observer
	return transfer.NewResolver(registry, rc, logger.Named("resolver")), nil
}

// serviceConfig maps loaded config onto jobs.Config.
func serviceConfig(cfg *config.Config) (jobs.Config, error) {
	catalog, err := cfg.Jobs.Catalog()
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{
		SandboxRoot:        cfg.Sandbox.Root,
		MaxListLimit:       cfg.Jobs.MaxListLimit,
		StagingConcurrency: cfg.Staging.Concurrency,
		Clusters:           catalog,
	}, nil
}

// submitBudget sizes the submit write deadline from the staging settings.
func submitBudget(cfg *config.Config) handlers.SubmitBudget {
	perFetch := cfg.Transfer.Timeout
	if perFetch <= 0 {
		perFetch = transfer.DefaultTimeout
	}
	concurrency := cfg.Staging.Concurrency
	if concurrency <= 0 {
		concurrency = jobs.DefaultStagingConcurrency
	}
	return handlers.SubmitBudget{
		Base:        cfg.Server.WriteTimeout,
		PerFetch:    perFetch,
		Concurrency: concurrency,
	}
}
