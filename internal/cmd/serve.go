package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobnimbus/internal/config"
	apperrors "github.com/3leaps/jobnimbus/internal/errors"
	"github.com/3leaps/jobnimbus/internal/observability"
	"github.com/3leaps/jobnimbus/internal/server"
	"github.com/3leaps/jobnimbus/internal/server/handlers"
	"github.com/3leaps/jobnimbus/pkg/jobs"
	"github.com/3leaps/jobnimbus/pkg/launcher"
	"github.com/3leaps/jobnimbus/pkg/transfer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job HTTP API",
	Long: `Start the HTTP API server.

Endpoints:
  POST   /v1/jobs               submit a job
  GET    /v1/jobs               list jobs
  GET    /v1/jobs/{id}          job record
  GET    /v1/jobs/{id}/status   job status
  DELETE /v1/jobs/{id}          kill a job
  GET    /health, /health/live, /health/ready, /health/startup
  GET    /version
  GET    /metrics               (metrics port)`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides server.port)")
}

func serveOverrides() map[string]any {
	srv := map[string]any{}
	if serveHost != "" {
		srv["host"] = serveHost
	}
	if servePort != 0 {
		srv["port"] = servePort
	}
	if len(srv) == 0 {
		return nil
	}
	return map[string]any{"server": srv}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var overrides []map[string]any
	if o := serveOverrides(); o != nil {
		overrides = append(overrides, o)
	}
	cfg, err := config.Load(ctx, overrides...)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid configuration", err)
	}

	if err := observability.InitServerLogger(rootCmd.Name(), cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(exitInvalidArgument, "Invalid logging configuration", err)
	}
	logger := observability.ServerLogger
	defer func() { _ = logger.Sync() }()
	apperrors.Logger = logger.Named("http")

	var (
		metrics        *observability.Metrics
		metricsHandler http.Handler
		observer       transfer.Observer
		hook           jobs.TransitionHook
	)
	if cfg.Metrics.Enabled {
		metricsHandler, err = observability.InitTelemetry(ctx)
		if err != nil {
			return exitError(exitGeneric, "Failed to initialize metrics", err)
		}
		metrics = observability.TelemetrySystem
		observer = metrics.RecordTransfer
		hook = metrics.TransitionHook()
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return exitError(exitUnavailable, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	resolver, err := buildResolver(ctx, cfg.Transfer, observer, logger.Named("transfer"))
	if err != nil {
		return exitError(exitInvalidArgument, "Failed to configure transfer backends", err)
	}

	jl, err := launcher.New(cfg.Launcher.Launcher(), logger.Named("launcher"))
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid launcher configuration", err)
	}

	svcCfg, err := serviceConfig(cfg)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid job configuration", err)
	}
	opts := []jobs.Option{jobs.WithLauncher(jl), jobs.WithLogger(logger.Named("jobs"))}
	if hook != nil {
		opts = append(opts, jobs.WithTransitionHook(hook))
	}
	svc, err := jobs.NewService(store, resolver, svcCfg, opts...)
	if err != nil {
		return exitError(exitInvalidArgument, "Failed to create job service", err)
	}

	if p, ok := jl.(*launcher.Process); ok {
		n, err := p.Reconcile(ctx, svc)
		if err != nil {
			logger.Warn("Failed to reconcile running jobs", zap.Error(err))
		} else if n > 0 {
			logger.Info("Reconciled jobs left running by a previous instance", zap.Int("count", n))
		}
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("signals", signalHealthChecker{})
	health.RegisterChecker("store", storeHealthChecker{svc: svc})
	if appIdentity != nil {
		health.RegisterChecker("identity", identityHealthChecker{
			binaryName: appIdentity.BinaryName,
			envPrefix:  appIdentity.EnvPrefix,
			configName: appIdentity.ConfigName,
		})
	}
	if cfg.Metrics.Enabled {
		health.RegisterChecker("telemetry", telemetryHealthChecker{})
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithJobService(svc),
		server.WithMetrics(metrics),
		server.WithLogger(logger.Named("http")),
		server.WithTimeouts(server.Timeouts{
			Read:  cfg.Server.ReadTimeout,
			Write: cfg.Server.WriteTimeout,
			Idle:  cfg.Server.IdleTimeout,
		}),
		server.WithSubmitBudget(submitBudget(cfg)),
		server.WithHealth(cfg.Health.Enabled),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
	)

	serverErr := make(chan error, 2)
	go func() {
		if err := srv.Start(); err != nil {
			serverErr <- err
		}
	}()

	var metricsServer *http.Server
	if metricsHandler != nil {
		metricsServer = newMetricsServer(cfg, metricsHandler)
		go func() {
			logger.Info("Starting metrics server", zap.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	logger.Info("jobnimbus ready",
		zap.String("addr", srv.Addr()),
		zap.String("store", cfg.Store.Driver),
		zap.String("launcher", cfg.Launcher.Kind),
		zap.String("sandbox_root", cfg.Sandbox.Root),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErr:
		logger.Error("Server failed", zap.Error(err))
		runErr = exitError(exitUnavailable, "Server failed", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown error", zap.Error(err))
		}
	}
	if metrics != nil {
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics provider shutdown error", zap.Error(err))
		}
	}
	if p, ok := jl.(*launcher.Process); ok {
		if err := p.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Launcher shutdown error", zap.Error(err))
		}
	}
	logger.Info("Shutdown complete")
	return runErr
}

// newMetricsServer serves /metrics and, when debug and pprof are both
// enabled, pprof on the metrics port.
func newMetricsServer(cfg *config.Config, metrics http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	if cfg.Debug.Enabled && cfg.Debug.PprofEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Metrics.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// signalHealthChecker reports the signal handler as installed.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

// telemetryHealthChecker verifies the metrics pipeline can gather.
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	if _, err := observability.TelemetrySystem.Gather(); err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	return nil
}

// identityHealthChecker verifies the app identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity: missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity: missing env prefix")
	case c.configName == "":
		return errors.New("app identity: missing config name")
	}
	return nil
}

// storeHealthChecker pings the job store.
type storeHealthChecker struct {
	svc interface{ Ping(context.Context) error }
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	return c.svc.Ping(ctx)
}
