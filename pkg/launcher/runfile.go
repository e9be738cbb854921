package launcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// RunState is the process state recorded in run.json.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStateExited  RunState = "exited"
	RunStateLost    RunState = "lost"
)

// RunFileName is the per-sandbox process record.
const RunFileName = "run.json"

// RunRecord describes the process started for a job.
//
// The schema is designed for backward-compatible extension (additive fields).
type RunRecord struct {
	JobID      string     `json:"job_id"`
	State      RunState   `json:"state"`
	PID        int        `json:"pid,omitempty"`
	Command    []string   `json:"command"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StdoutPath string     `json:"stdout_path,omitempty"`
	StderrPath string     `json:"stderr_path,omitempty"`
}

// writeRunFile replaces <sandbox>/run.json atomically.
func writeRunFile(sandbox string, rec *RunRecord) error {
	if rec == nil {
		return fmt.Errorf("run record is nil")
	}
	if strings.TrimSpace(rec.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(sandbox, RunFileName+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(sandbox, RunFileName)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// ReadRunFile loads <sandbox>/run.json.
//
// A record that claims running but whose pid is gone is reported as lost,
// which happens when the service restarts under a live job.
func ReadRunFile(sandbox string) (*RunRecord, error) {
	b, err := os.ReadFile(filepath.Join(sandbox, RunFileName))
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("%s is empty", RunFileName)
	}

	var rec RunRecord
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", RunFileName, err)
	}
	if rec.State == RunStateRunning && !isProcessAlive(rec.PID) {
		rec.State = RunStateLost
	}
	return &rec, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	return p.Signal(syscall.Signal(0)) == nil
}

// SignalRun sends SIGTERM to the process recorded in <sandbox>/run.json. It
// reaches jobs started by another jobnimbus process, such as a server or a
// foreground CLI submit. A missing run file or a run that is no longer
// running is not an error; the returned record is nil when there is no file.
func SignalRun(sandbox string) (*RunRecord, error) {
	run, err := ReadRunFile(sandbox)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if run.State != RunStateRunning {
		return run, nil
	}
	p, err := os.FindProcess(run.PID)
	if err != nil {
		return run, fmt.Errorf("find pid %d: %w", run.PID, err)
	}
	if err := p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return run, fmt.Errorf("signal pid %d: %w", run.PID, err)
	}
	return run, nil
}
