// Package launcher starts job processes for the execution control service.
//
// Two launchers are provided: Noop, which leaves RUNNING jobs to an external
// monitor, and Process, which runs the job command locally in its sandbox.
package launcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobnimbus/pkg/jobs"
)

// Launcher kinds accepted by New.
const (
	KindNoop    = "noop"
	KindProcess = "process"
)

// DefaultKillGrace is the delay between SIGTERM and SIGKILL.
const DefaultKillGrace = 10 * time.Second

// Config selects and configures a launcher.
type Config struct {
	// Kind is noop or process. Empty means noop.
	Kind string

	// KillGrace is how long Terminate waits before SIGKILL.
	KillGrace time.Duration
}

// New returns the launcher named by cfg.Kind.
func New(cfg Config, logger *zap.Logger) (jobs.Launcher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindNoop:
		return Noop{}, nil
	case KindProcess:
		return NewProcess(cfg.KillGrace, logger), nil
	default:
		return nil, fmt.Errorf("unknown launcher kind %q (expected %s or %s)", cfg.Kind, KindNoop, KindProcess)
	}
}

// Noop accepts every launch and never completes a job.
type Noop struct{}

var _ jobs.Launcher = Noop{}

// Launch implements jobs.Launcher.
func (Noop) Launch(context.Context, *jobs.Record, jobs.CompletionFunc) error { return nil }

// Terminate implements jobs.Launcher.
func (Noop) Terminate(context.Context, string) error { return nil }
