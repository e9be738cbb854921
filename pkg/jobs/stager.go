package jobs

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/jobnimbus/pkg/transfer"
)

// DefaultStagingConcurrency bounds parallel dependency fetches per job.
const DefaultStagingConcurrency = 4

// Fetcher resolves and fetches dependency URIs. *transfer.Resolver
// implements it.
type Fetcher interface {
	Resolve(uri string) (transfer.Backend, error)
	Fetch(ctx context.Context, uri, localPath string) error
}

// StageError reports the dependency that failed to stage.
type StageError struct {
	URI string
	Err error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("failed to stage dependency %s: %v", e.URI, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Stager populates job sandboxes with their file dependencies.
type Stager struct {
	fetcher     Fetcher
	concurrency int
	logger      *zap.Logger
}

// NewStager creates a stager. concurrency <= 0 uses DefaultStagingConcurrency;
// 1 stages sequentially.
func NewStager(fetcher Fetcher, concurrency int, logger *zap.Logger) *Stager {
	if concurrency <= 0 {
		concurrency = DefaultStagingConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stager{fetcher: fetcher, concurrency: concurrency, logger: logger}
}

// Stage creates sandbox and fetches every dependency into it.
//
// All fetches must succeed. The first failure cancels in-flight siblings,
// removes the sandbox and is returned as a *StageError.
func (s *Stager) Stage(ctx context.Context, sandbox string, deps []string) error {
	// #nosec G301 -- the job process runs as the service user
	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	if len(deps) == 0 {
		return nil
	}

	dests := destinations(sandbox, deps)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for i, uri := range deps {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(uri, dest string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.fetcher.Fetch(ctx, uri, dest); err != nil {
				errOnce.Do(func() {
					firstErr = &StageError{URI: uri, Err: err}
					cancel()
				})
				return
			}
			s.logger.Debug("Staged dependency", zap.String("uri", uri), zap.String("dest", dest))
		}(uri, dests[i])
	}
	wg.Wait()

	if firstErr == nil && ctx.Err() != nil {
		firstErr = &StageError{URI: deps[0], Err: ctx.Err()}
	}
	if firstErr != nil {
		if err := os.RemoveAll(sandbox); err != nil {
			s.logger.Warn("Failed to remove sandbox", zap.String("sandbox", sandbox), zap.Error(err))
		}
		return firstErr
	}
	return nil
}

// destinations maps each dependency to <sandbox>/<basename>. Later
// dependencies with a clashing basename get an "<index>_" prefix.
func destinations(sandbox string, deps []string) []string {
	out := make([]string, len(deps))
	used := make(map[string]struct{}, len(deps))
	for i, uri := range deps {
		name := baseName(uri)
		if name == "" {
			name = fmt.Sprintf("dependency-%d", i)
		}
		if _, clash := used[name]; clash {
			name = fmt.Sprintf("%d_%s", i, name)
		}
		used[name] = struct{}{}
		out[i] = filepath.Join(sandbox, name)
	}
	return out
}

func baseName(uri string) string {
	p := uri
	if loc, err := transfer.ParseLocation(uri); err == nil {
		p = loc.Path
	}
	p = strings.TrimRight(filepath.ToSlash(p), "/")
	base := path.Base(p)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}
