package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobnimbus/pkg/jobs"
)

// Process runs each job's command as a local child process.
//
// Sandbox layout:
//
//	<sandbox>/<staged dependencies>
//	<sandbox>/run.json
//	<sandbox>/stdout.log
//	<sandbox>/stderr.log
type Process struct {
	grace  time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	running map[string]*child
}

type child struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

var _ jobs.Launcher = (*Process)(nil)

// NewProcess creates a process launcher. grace <= 0 uses DefaultKillGrace.
func NewProcess(grace time.Duration, logger *zap.Logger) *Process {
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Process{grace: grace, logger: logger, running: make(map[string]*child)}
}

// StdoutPath returns the stdout log of a sandbox.
func StdoutPath(sandbox string) string {
	return filepath.Join(sandbox, "stdout.log")
}

// StderrPath returns the stderr log of a sandbox.
func StderrPath(sandbox string) string {
	return filepath.Join(sandbox, "stderr.log")
}

// Launch starts rec.Command in rec.SandboxDir and returns once the child has
// started. done is called from a separate goroutine when it exits.
//
// The child outlives ctx; only Terminate stops it.
func (p *Process) Launch(_ context.Context, rec *jobs.Record, done jobs.CompletionFunc) error {
	if rec == nil {
		return fmt.Errorf("job record is nil")
	}
	if rec.SandboxDir == "" {
		return fmt.Errorf("job %s has no sandbox", rec.ID)
	}

	p.mu.Lock()
	_, dup := p.running[rec.ID]
	p.mu.Unlock()
	if dup {
		return fmt.Errorf("job %s is already running", rec.ID)
	}

	// #nosec G301 -- the job process runs as the service user
	if err := os.MkdirAll(rec.SandboxDir, 0755); err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}

	stdoutFile, err := os.Create(StdoutPath(rec.SandboxDir))
	if err != nil {
		return fmt.Errorf("create stdout log: %w", err)
	}
	stderrFile, err := os.Create(StderrPath(rec.SandboxDir))
	if err != nil {
		_ = stdoutFile.Close()
		return fmt.Errorf("create stderr log: %w", err)
	}

	// #nosec G204 -- running the submitted command is the point of the launcher
	cmd := exec.Command(rec.Command, rec.Args...)
	cmd.Dir = rec.SandboxDir
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = append(os.Environ(),
		"JOBNIMBUS_JOB_ID="+rec.ID,
		"JOBNIMBUS_JOB_NAME="+rec.Name,
		"JOBNIMBUS_CLUSTER_NAME="+rec.ClusterName,
		"JOBNIMBUS_CLUSTER_ID="+rec.ClusterID,
		"JOBNIMBUS_SANDBOX="+rec.SandboxDir,
	)

	if err := cmd.Start(); err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return fmt.Errorf("start job command: %w", err)
	}

	run := &RunRecord{
		JobID:      rec.ID,
		State:      RunStateRunning,
		PID:        cmd.Process.Pid,
		Command:    append([]string{rec.Command}, rec.Args...),
		StartedAt:  time.Now().UTC(),
		StdoutPath: StdoutPath(rec.SandboxDir),
		StderrPath: StderrPath(rec.SandboxDir),
	}
	if err := writeRunFile(rec.SandboxDir, run); err != nil {
		p.logger.Warn("Failed to write run file", zap.String("job_id", rec.ID), zap.Error(err))
	}

	c := &child{cmd: cmd, exited: make(chan struct{})}
	p.mu.Lock()
	p.running[rec.ID] = c
	p.mu.Unlock()

	p.logger.Info("Job process started", zap.String("job_id", rec.ID), zap.Int("pid", run.PID))

	go func() {
		waitErr := cmd.Wait()
		_ = stdoutFile.Close()
		_ = stderrFile.Close()

		code, detail := exitStatus(waitErr)
		now := time.Now().UTC()
		run.State = RunStateExited
		run.EndedAt = &now
		run.ExitCode = &code
		if err := writeRunFile(rec.SandboxDir, run); err != nil {
			p.logger.Warn("Failed to write run file", zap.String("job_id", rec.ID), zap.Error(err))
		}

		p.logger.Debug("Job process exited", zap.String("job_id", rec.ID), zap.Int("exit_code", code))
		// Shutdown waits on exited, so the outcome must be recorded first.
		if done != nil {
			done(context.Background(), rec.ID, code, detail)
		}

		p.mu.Lock()
		delete(p.running, rec.ID)
		p.mu.Unlock()
		close(c.exited)
	}()
	return nil
}

// Terminate sends SIGTERM and escalates to SIGKILL after the grace period.
// It returns without waiting; unknown or finished jobs are ignored.
func (p *Process) Terminate(_ context.Context, id string) error {
	p.mu.Lock()
	c, ok := p.running[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		p.logger.Warn("SIGTERM failed, killing", zap.String("job_id", id), zap.Error(err))
		return c.cmd.Process.Kill()
	}

	go func() {
		select {
		case <-c.exited:
		case <-time.After(p.grace):
			p.logger.Warn("Job ignored SIGTERM, killing", zap.String("job_id", id), zap.Duration("grace", p.grace))
			_ = c.cmd.Process.Kill()
		}
	}()
	return nil
}

// Running returns the ids of jobs with a live child, sorted.
func (p *Process) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.running))
	for id := range p.running {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Wait blocks until the child for id has exited and its completion has been
// recorded, or ctx ends. Unknown ids return immediately.
func (p *Process) Wait(ctx context.Context, id string) error {
	p.mu.Lock()
	c, ok := p.running[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-c.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown terminates every live child and waits for them to exit or ctx to
// end.
func (p *Process) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	children := make(map[string]*child, len(p.running))
	for id, c := range p.running {
		children[id] = c
	}
	p.mu.Unlock()

	for id := range children {
		_ = p.Terminate(ctx, id)
	}
	for _, c := range children {
		select {
		case <-c.exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// exitStatus maps a Wait error to an exit code and status detail.
func exitStatus(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			return code, fmt.Sprintf("job process %s", exitErr.String())
		}
		return code, fmt.Sprintf("job exited with code %d", code)
	}
	return -1, fmt.Sprintf("wait for job process: %v", err)
}
