package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/jobnimbus/pkg/transfer"
)

// Defaults applied during normalization and listing.
const (
	DefaultName         = "job"
	DefaultUser         = "unknown"
	DefaultMaxListLimit = 1024
	maxIDLength         = 255
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Config configures a Service.
type Config struct {
	// SandboxRoot is the parent directory of per-job sandboxes (required).
	SandboxRoot string

	// MaxListLimit caps List windows. Zero uses DefaultMaxListLimit.
	MaxListLimit int

	// StagingConcurrency bounds parallel fetches per job.
	StagingConcurrency int

	// Clusters is the catalog used to place jobs. Empty derives the cluster
	// from the first criterion.
	Clusters Catalog
}

// TransitionHook observes successful status transitions.
type TransitionHook func(from, to Status)

// Option configures optional Service collaborators.
type Option func(*Service)

// WithLauncher sets the process launcher. The default never starts anything.
func WithLauncher(l Launcher) Option {
	return func(s *Service) { s.launcher = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTransitionHook registers a hook called after every winning CAS.
func WithTransitionHook(h TransitionHook) Option {
	return func(s *Service) { s.hook = h }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the execution control core.
//
// It never holds a lock across I/O; the store's compare-and-set is the only
// serialization point between concurrent callers.
type Service struct {
	store    Store
	fetcher  Fetcher
	stager   *Stager
	launcher Launcher
	cfg      Config
	logger   *zap.Logger
	hook     TransitionHook
	now      func() time.Time
}

// NewService wires the execution control core.
func NewService(store Store, fetcher Fetcher, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("transfer resolver is required")
	}
	if strings.TrimSpace(cfg.SandboxRoot) == "" {
		return nil, fmt.Errorf("sandbox root is required")
	}
	if cfg.MaxListLimit <= 0 {
		cfg.MaxListLimit = DefaultMaxListLimit
	}
	if err := cfg.Clusters.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		store:    store,
		fetcher:  fetcher,
		launcher: noopLauncher{},
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stager = NewStager(fetcher, cfg.StagingConcurrency, s.logger)
	return s, nil
}

// MaxListLimit returns the clamp applied to List.
func (s *Service) MaxListLimit() int {
	return s.cfg.MaxListLimit
}

// Submit validates and records a job, stages its dependencies and starts it.
//
// A staging failure is a job outcome, not a call failure: the FAILED record is
// returned with a nil error. Errors are returned only for invalid requests
// (ErrInvalidRequest), duplicates (ErrDuplicateJob) and store faults
// (ErrInternal).
func (s *Service) Submit(ctx context.Context, req Request) (*Record, error) {
	req = normalize(req)
	if err := s.validate(req); err != nil {
		return nil, err
	}

	now := s.now()
	rec := &Record{
		ID:               req.ID,
		Name:             req.Name,
		User:             req.User,
		Status:           StatusInit,
		StatusMsg:        "job accepted",
		ClientHost:       req.ClientHost,
		Command:          req.Command,
		Args:             req.Args,
		ClusterCriteria:  req.ClusterCriteria,
		CommandCriteria:  req.CommandCriteria,
		FileDependencies: req.FileDependencies,
		Description:      req.Description,
		Tags:             req.Tags,
		SandboxDir:       filepath.Join(s.cfg.SandboxRoot, req.ID),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, internal("Submit", req.ID, err)
	}

	logger := s.logger.With(zap.String("job_id", rec.ID))
	logger.Info("Job accepted", zap.String("user", rec.User), zap.Int("dependencies", len(rec.FileDependencies)))

	// Staging belongs to the job, not to the caller's request: a client
	// disconnect must not fail it. Transfer calls carry their own timeout.
	stageCtx := context.WithoutCancel(ctx)

	if err := s.stager.Stage(stageCtx, rec.SandboxDir, rec.FileDependencies); err != nil {
		logger.Warn("Staging failed", zap.Error(err))
		return s.transition(stageCtx, rec.ID, StatusInit, StatusFailed, StatusUpdate{Msg: err.Error()})
	}

	cluster, ok := s.cfg.Clusters.Select(rec.ClusterCriteria)
	if !ok {
		return s.transition(stageCtx, rec.ID, StatusInit, StatusFailed, StatusUpdate{Msg: "no cluster matches the requested criteria"})
	}

	running, err := s.transition(stageCtx, rec.ID, StatusInit, StatusRunning, StatusUpdate{
		Msg:         "job is running",
		ClusterName: cluster.Name,
		ClusterID:   cluster.ID,
	})
	if err != nil || running.Status != StatusRunning {
		// Lost to a kill during staging.
		return running, err
	}

	if err := s.launcher.Launch(stageCtx, running.Clone(), s.onComplete); err != nil {
		logger.Error("Launch failed", zap.Error(err))
		return s.transition(stageCtx, rec.ID, StatusRunning, StatusFailed, StatusUpdate{Msg: fmt.Sprintf("failed to launch job: %v", err)})
	}
	// A kill that won RUNNING -> KILLED before the launcher registered the
	// job could not reach the process; stop it now.
	cur, err := s.Get(stageCtx, rec.ID)
	if err != nil {
		return nil, err
	}
	if cur.Status == StatusKilled {
		logger.Info("Job killed during launch, terminating")
		if err := s.launcher.Terminate(stageCtx, rec.ID); err != nil {
			logger.Warn("Terminate failed", zap.Error(err))
		}
		return cur, nil
	}
	logger.Info("Job running", zap.String("cluster", cluster.Name))
	return running, nil
}

// Get returns the current record or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, &Error{Op: "Get", Err: fmt.Errorf("%w: id is blank", ErrNotFound)}
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, internal("Get", id, err)
	}
	return rec, nil
}

// List returns a window of matching records, newest first.
//
// limit <= 0 or offset < 0 is rejected with ErrInvalidQuery; a limit above
// MaxListLimit is clamped.
func (s *Service) List(ctx context.Context, filter Filter, limit, offset int) ([]*Record, error) {
	if limit <= 0 {
		return nil, &Error{Op: "List", Err: fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidQuery, limit)}
	}
	if offset < 0 {
		return nil, &Error{Op: "List", Err: fmt.Errorf("%w: offset must not be negative, got %d", ErrInvalidQuery, offset)}
	}
	if limit > s.cfg.MaxListLimit {
		limit = s.cfg.MaxListLimit
	}
	out, err := s.store.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, internal("List", "", err)
	}
	return out, nil
}

// PageWindow converts a page number into the limit and offset List will use.
// The limit is clamped to maxLimit before the offset is computed, so
// consecutive pages never skip records. Overflowing offsets are rejected.
func PageWindow(limit, page, maxLimit int) (int, int, error) {
	if limit <= 0 {
		return 0, 0, &Error{Op: "List", Err: fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidQuery, limit)}
	}
	if page < 0 {
		return 0, 0, &Error{Op: "List", Err: fmt.Errorf("%w: page must not be negative, got %d", ErrInvalidQuery, page)}
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	if page > math.MaxInt/limit {
		return 0, 0, &Error{Op: "List", Err: fmt.Errorf("%w: page %d is out of range", ErrInvalidQuery, page)}
	}
	return limit, page * limit, nil
}

// Kill moves a job to KILLED from INIT or RUNNING. Killing a terminal job is a
// no-op that returns the record unchanged.
func (s *Service) Kill(ctx context.Context, id string) (*Record, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		return rec, nil
	}

	update := StatusUpdate{Msg: "job killed by user"}
	for _, from := range []Status{StatusInit, StatusRunning} {
		ok, err := s.cas(ctx, rec.ID, from, StatusKilled, update)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		s.logger.Info("Job killed", zap.String("job_id", rec.ID), zap.String("from", string(from)))
		if err := s.launcher.Terminate(ctx, rec.ID); err != nil {
			s.logger.Warn("Terminate failed", zap.String("job_id", rec.ID), zap.Error(err))
		}
		break
	}
	return s.Get(ctx, rec.ID)
}

// Complete records the natural end of a running job: exit code 0 is
// SUCCEEDED, anything else FAILED. Losing to a kill is a no-op.
func (s *Service) Complete(ctx context.Context, id string, exitCode int, detail string) (*Record, error) {
	next := StatusSucceeded
	if exitCode != 0 {
		next = StatusFailed
	}
	if strings.TrimSpace(detail) == "" {
		detail = fmt.Sprintf("job exited with code %d", exitCode)
	}
	code := exitCode
	return s.transition(ctx, id, StatusRunning, next, StatusUpdate{Msg: detail, ExitCode: &code})
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) onComplete(ctx context.Context, id string, exitCode int, detail string) {
	rec, err := s.Complete(ctx, id, exitCode, detail)
	if err != nil {
		s.logger.Error("Failed to record job completion", zap.String("job_id", id), zap.Error(err))
		return
	}
	s.logger.Info("Job finished", zap.String("job_id", id), zap.String("status", string(rec.Status)), zap.Int("exit_code", exitCode))
}

// transition attempts one CAS and returns the record as it now stands,
// whether or not this call won.
func (s *Service) transition(ctx context.Context, id string, from, to Status, u StatusUpdate) (*Record, error) {
	if _, err := s.cas(ctx, id, from, to, u); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Service) cas(ctx context.Context, id string, from, to Status, u StatusUpdate) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	if u.At.IsZero() {
		u.At = s.now()
	}
	ok, err := s.store.CompareAndSetStatus(ctx, id, from, to, u)
	if err != nil {
		return false, internal("CompareAndSetStatus", id, err)
	}
	if ok {
		if s.hook != nil {
			s.hook(from, to)
		}
	} else {
		s.logger.Debug("Transition lost", zap.String("job_id", id), zap.String("from", string(from)), zap.String("to", string(to)))
	}
	return ok, nil
}

func (s *Service) validate(req Request) error {
	if req.ID == "" {
		return invalidField("id", "must not be blank")
	}
	if len(req.ID) > maxIDLength || !idPattern.MatchString(req.ID) {
		return invalidField("id", fmt.Sprintf("%q must match %s and be at most %d characters", req.ID, idPattern, maxIDLength))
	}
	if req.Command == "" {
		return invalidField("command", "must not be blank")
	}
	if len(req.ClusterCriteria) == 0 {
		return invalidField("clusterCriteria", "at least one criterion is required")
	}
	for i, c := range req.ClusterCriteria {
		if len(c.Tags) == 0 {
			return invalidField(fmt.Sprintf("clusterCriteria[%d].tags", i), "must not be empty")
		}
	}
	for i, dep := range req.FileDependencies {
		field := fmt.Sprintf("fileDependencies[%d]", i)
		if dep == "" {
			return invalidField(field, "must not be blank")
		}
		if _, err := s.fetcher.Resolve(dep); err != nil {
			if errors.Is(err, transfer.ErrUnsupportedScheme) {
				return &Error{Op: "Submit", Field: field, Err: fmt.Errorf("%w: %w", ErrInvalidRequest, err)}
			}
			return invalidField(field, err.Error())
		}
	}
	return nil
}

// normalize trims fields and fills defaults. Blank ids are generated.
func normalize(req Request) Request {
	out := Request{
		ID:          strings.TrimSpace(req.ID),
		Name:        strings.TrimSpace(req.Name),
		User:        strings.TrimSpace(req.User),
		Command:     strings.TrimSpace(req.Command),
		Args:        append([]string(nil), req.Args...),
		ClientHost:  strings.TrimSpace(req.ClientHost),
		Description: strings.TrimSpace(req.Description),
		Tags:        normalizeTags(req.Tags),
	}
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.Name == "" {
		out.Name = DefaultName
	}
	if out.User == "" {
		out.User = DefaultUser
	}
	for _, c := range req.ClusterCriteria {
		out.ClusterCriteria = append(out.ClusterCriteria, ClusterCriteria{Tags: normalizeTags(c.Tags)})
	}
	out.CommandCriteria = normalizeTags(req.CommandCriteria)
	for _, dep := range req.FileDependencies {
		out.FileDependencies = append(out.FileDependencies, strings.TrimSpace(dep))
	}
	return out
}

// normalizeTags lower-cases, trims, drops blanks and dedupes, sorted.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// noopLauncher leaves the job RUNNING for an external monitor to complete.
type noopLauncher struct{}

func (noopLauncher) Launch(context.Context, *Record, CompletionFunc) error { return nil }

func (noopLauncher) Terminate(context.Context, string) error { return nil }
