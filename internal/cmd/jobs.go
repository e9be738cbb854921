package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/jobnimbus/internal/config"
	"github.com/3leaps/jobnimbus/internal/observability"
	"github.com/3leaps/jobnimbus/pkg/jobs"
	"github.com/3leaps/jobnimbus/pkg/launcher"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit and inspect jobs",
	Long: `Operate on jobs directly against the configured store and transfer
backends, without going through a running server.

With the process launcher, submit runs the job in the foreground and
records its outcome before returning; Ctrl-C kills it. With the noop
launcher the job stays RUNNING for an external monitor to complete.
kill also signals the process recorded in the job's sandbox run.json,
so it reaches jobs started by a server or another CLI.

Examples:
  jobnimbus jobs submit -f request.yaml
  jobnimbus jobs status 7f0c...
  jobnimbus jobs list --status FAILED --limit 20 --json
  jobnimbus jobs kill 7f0c...`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job from a YAML or JSON request file",
	RunE:  runJobsSubmit,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job_id>",
	Short: "Show the full job record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsKillCmd = &cobra.Command{
	Use:   "kill <job_id>",
	Short: "Kill a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsKill,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var (
	jobsRequestFile string
	jobsJSON        bool
	jobsStatuses    []string
	jobsName        string
	jobsUser        string
	jobsLimit       int
	jobsPage        int
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd, jobsGetCmd, jobsStatusCmd, jobsKillCmd, jobsListCmd)

	jobsCmd.PersistentFlags().BoolVar(&jobsJSON, "json", false, "Output as JSON")

	jobsSubmitCmd.Flags().StringVarP(&jobsRequestFile, "file", "f", "", "Job request file, YAML or JSON (- for stdin)")
	_ = jobsSubmitCmd.MarkFlagRequired("file")

	jobsListCmd.Flags().StringSliceVar(&jobsStatuses, "status", nil, "Filter by status (repeatable or comma separated)")
	jobsListCmd.Flags().StringVar(&jobsName, "name", "", "Filter by name (SQL LIKE pattern)")
	jobsListCmd.Flags().StringVar(&jobsUser, "user", "", "Filter by user")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum records to return")
	jobsListCmd.Flags().IntVar(&jobsPage, "page", 0, "Zero-based page number")
}

// jobsRuntime is the service plus the resources to release after a command.
type jobsRuntime struct {
	svc   *jobs.Service
	proc  *launcher.Process
	grace time.Duration
	close func()
}

// openJobs builds a service from config with the configured launcher.
func openJobs(ctx context.Context) (*jobsRuntime, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, exitError(exitInvalidArgument, "Invalid configuration", err)
	}
	logger := observability.CLILogger

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, exitError(exitUnavailable, "Failed to open job store", err)
	}
	resolver, err := buildResolver(ctx, cfg.Transfer, nil, logger)
	if err != nil {
		_ = store.Close()
		return nil, exitError(exitInvalidArgument, "Failed to configure transfer backends", err)
	}
	svcCfg, err := serviceConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, exitError(exitInvalidArgument, "Invalid job configuration", err)
	}
	jl, err := launcher.New(cfg.Launcher.Launcher(), logger.Named("launcher"))
	if err != nil {
		_ = store.Close()
		return nil, exitError(exitInvalidArgument, "Invalid launcher configuration", err)
	}
	svc, err := jobs.NewService(store, resolver, svcCfg,
		jobs.WithLauncher(jl),
		jobs.WithLogger(logger),
	)
	if err != nil {
		_ = store.Close()
		return nil, exitError(exitInvalidArgument, "Failed to create job service", err)
	}
	rt := &jobsRuntime{svc: svc, grace: cfg.Launcher.KillGrace, close: func() { _ = store.Close() }}
	rt.proc, _ = jl.(*launcher.Process)
	return rt, nil
}

// waitForeground blocks until a job launched by this CLI finishes and
// returns its final record. Interrupting the CLI kills the job.
func (rt *jobsRuntime) waitForeground(ctx context.Context, rec *jobs.Record) (*jobs.Record, error) {
	if rt.proc == nil || rec.Status != jobs.StatusRunning {
		return rec, nil
	}
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.proc.Wait(sigCtx, rec.ID); err != nil {
		observability.CLILogger.Warn("Interrupted, killing job", zap.String("job_id", rec.ID))
		if _, err := rt.svc.Kill(context.WithoutCancel(ctx), rec.ID); err != nil {
			return nil, err
		}
		grace := rt.grace
		if grace <= 0 {
			grace = launcher.DefaultKillGrace
		}
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace+5*time.Second)
		defer cancel()
		if err := rt.proc.Wait(waitCtx, rec.ID); err != nil {
			return nil, fmt.Errorf("wait for killed job: %w", err)
		}
	}
	return rt.svc.Get(context.WithoutCancel(ctx), rec.ID)
}

// readRequest decodes a job request. JSON is a subset of YAML, so one decoder
// serves both.
func readRequest(path string) (jobs.Request, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return jobs.Request{}, exitError(exitFileReadError, "Failed to read job request", err)
	}

	var req jobs.Request
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".json" {
		err = json.Unmarshal(data, &req)
	} else {
		err = yaml.Unmarshal(data, &req)
	}
	if err != nil {
		return jobs.Request{}, exitError(exitInvalidArgument, "Invalid job request", err)
	}
	return req, nil
}

// jobExitError maps service errors to CLI exit codes.
func jobExitError(message string, err error) error {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest), errors.Is(err, jobs.ErrInvalidQuery), errors.Is(err, jobs.ErrDuplicateJob):
		return exitError(exitInvalidArgument, message, err)
	case errors.Is(err, jobs.ErrNotFound):
		return exitError(exitFileNotFound, message, err)
	default:
		return exitError(exitUnavailable, message, err)
	}
}

func runJobsSubmit(cmd *cobra.Command, _ []string) error {
	req, err := readRequest(jobsRequestFile)
	if err != nil {
		return err
	}
	if req.ClientHost == "" {
		if host, err := os.Hostname(); err == nil {
			req.ClientHost = host
		}
	}

	rt, err := openJobs(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()

	rec, err := rt.svc.Submit(cmd.Context(), req)
	if err != nil {
		observability.CLILogger.Error("Submit failed", zap.Error(err))
		return jobExitError("Submit failed", err)
	}
	rec, err = rt.waitForeground(cmd.Context(), rec)
	if err != nil {
		return jobExitError("Job wait failed", err)
	}
	return printRecord(cmd.OutOrStdout(), rec)
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	rt, err := openJobs(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()

	rec, err := rt.svc.Get(cmd.Context(), args[0])
	if err != nil {
		return jobExitError("Get failed", err)
	}
	return writeJSON(cmd.OutOrStdout(), rec)
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	rt, err := openJobs(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()

	rec, err := rt.svc.Get(cmd.Context(), args[0])
	if err != nil {
		return jobExitError("Status failed", err)
	}
	return printRecord(cmd.OutOrStdout(), rec)
}

func runJobsKill(cmd *cobra.Command, args []string) error {
	rt, err := openJobs(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()

	rec, err := rt.svc.Kill(cmd.Context(), args[0])
	if err != nil {
		return jobExitError("Kill failed", err)
	}
	if rec.Status == jobs.StatusKilled && rec.SandboxDir != "" {
		run, err := launcher.SignalRun(rec.SandboxDir)
		switch {
		case err != nil:
			observability.CLILogger.Warn("Failed to signal job process", zap.String("job_id", rec.ID), zap.Error(err))
		case run != nil && run.State == launcher.RunStateRunning:
			observability.CLILogger.Info("Sent SIGTERM to job process", zap.String("job_id", rec.ID), zap.Int("pid", run.PID))
		}
	}
	return printRecord(cmd.OutOrStdout(), rec)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	filter, err := listFilter()
	if err != nil {
		return err
	}
	rt, err := openJobs(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()

	limit, offset, err := jobs.PageWindow(jobsLimit, jobsPage, rt.svc.MaxListLimit())
	if err != nil {
		return jobExitError("Invalid --limit or --page", err)
	}
	recs, err := rt.svc.List(cmd.Context(), filter, limit, offset)
	if err != nil {
		return jobExitError("List failed", err)
	}
	if jobsJSON {
		if recs == nil {
			recs = []*jobs.Record{}
		}
		return writeJSON(cmd.OutOrStdout(), recs)
	}
	return printTable(cmd.OutOrStdout(), recs)
}

func listFilter() (jobs.Filter, error) {
	filter := jobs.Filter{Name: jobsName, User: jobsUser}
	for _, raw := range jobsStatuses {
		st, err := jobs.ParseStatus(raw)
		if err != nil {
			return jobs.Filter{}, exitError(exitInvalidArgument, "Invalid --status", err)
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	return filter, nil
}

func printRecord(w io.Writer, rec *jobs.Record) error {
	if jobsJSON {
		return writeJSON(w, rec)
	}
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", rec.ID, rec.Status, rec.StatusMsg)
	return nil
}

func printTable(w io.Writer, recs []*jobs.Record) error {
	if len(recs) == 0 {
		_, _ = fmt.Fprintln(w, "No jobs found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "JOB ID\tNAME\tUSER\tSTATUS\tCLUSTER\tCREATED\tFINISHED")
	for _, r := range recs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Name, r.User, r.Status, valueOrDash(r.ClusterName),
			r.CreatedAt.Format(time.RFC3339), formatOptionalTime(r.FinishedAt))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func valueOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
