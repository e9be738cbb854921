package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"go.uber.org/zap"

	"github.com/3leaps/jobnimbus/pkg/jobs"
)

// JobService is the part of jobs.Service that Reconcile needs.
type JobService interface {
	List(ctx context.Context, filter jobs.Filter, limit, offset int) ([]*jobs.Record, error)
	Complete(ctx context.Context, id string, exitCode int, detail string) (*jobs.Record, error)
	MaxListLimit() int
}

// Reconcile settles RUNNING jobs whose process this launcher does not own,
// typically left behind by a restart. A run file that recorded an exit
// completes the job with that code. A lost or missing process fails it.
// Processes that are still alive are left running.
//
// It returns the number of jobs it completed.
func (p *Process) Reconcile(ctx context.Context, svc JobService) (int, error) {
	limit := svc.MaxListLimit()
	if limit <= 0 {
		limit = jobs.DefaultMaxListLimit
	}

	// Collect first; completing jobs shifts later pages.
	var pending []*jobs.Record
	filter := jobs.Filter{Statuses: []jobs.Status{jobs.StatusRunning}}
	for offset := 0; ; offset += limit {
		page, err := svc.List(ctx, filter, limit, offset)
		if err != nil {
			return 0, fmt.Errorf("list running jobs: %w", err)
		}
		pending = append(pending, page...)
		if len(page) < limit {
			break
		}
	}

	owned := p.Running()
	settled := 0
	for _, rec := range pending {
		if _, found := slices.BinarySearch(owned, rec.ID); found {
			continue
		}
		logger := p.logger.With(zap.String("job_id", rec.ID))

		code, detail, ok := lostOutcome(rec.SandboxDir)
		if !ok {
			logger.Warn("Job process still alive after restart, leaving it running")
			continue
		}
		got, err := svc.Complete(ctx, rec.ID, code, detail)
		if err != nil {
			return settled, fmt.Errorf("complete job %s: %w", rec.ID, err)
		}
		if got.Status != jobs.StatusRunning {
			settled++
			logger.Info("Reconciled job", zap.String("status", string(got.Status)), zap.String("detail", detail))
		}
	}
	return settled, nil
}

// lostOutcome reads the run file of a sandbox and decides how the job ended.
// ok is false while the recorded process is still alive.
func lostOutcome(sandbox string) (code int, detail string, ok bool) {
	if sandbox == "" {
		return -1, "job process lost: no sandbox", true
	}
	run, err := ReadRunFile(sandbox)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return -1, "job process lost: no run record", true
	case err != nil:
		return -1, fmt.Sprintf("job process lost: %v", err), true
	}

	switch run.State {
	case RunStateRunning:
		return 0, "", false
	case RunStateExited:
		if run.ExitCode != nil {
			return *run.ExitCode, fmt.Sprintf("job exited with code %d", *run.ExitCode), true
		}
		return -1, "job process exited without an exit code", true
	default:
		return -1, "job process lost", true
	}
}
