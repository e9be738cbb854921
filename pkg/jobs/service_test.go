package jobs_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobnimbus/pkg/jobs"
	"github.com/3leaps/jobnimbus/pkg/jobstore"
	"github.com/3leaps/jobnimbus/pkg/transfer"
	"github.com/3leaps/jobnimbus/pkg/transfer/local"
)

type fixture struct {
	svc     *jobs.Service
	store   *jobstore.Memory
	sandbox string
	data    string
}

func newFixture(t *testing.T, cfg jobs.Config, opts ...jobs.Option) *fixture {
	t.Helper()

	backend, err := local.New(local.Config{}, nil)
	require.NoError(t, err)
	reg, err := transfer.NewRegistry(backend)
	require.NoError(t, err)
	resolver := transfer.NewResolver(reg, transfer.ResolverConfig{Timeout: 10 * time.Second}, nil)

	return newFixtureWithFetcher(t, resolver, cfg, opts...)
}

func newFixtureWithFetcher(t *testing.T, fetcher jobs.Fetcher, cfg jobs.Config, opts ...jobs.Option) *fixture {
	t.Helper()

	store := jobstore.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	if cfg.SandboxRoot == "" {
		cfg.SandboxRoot = t.TempDir()
	}
	svc, err := jobs.NewService(store, fetcher, cfg, opts...)
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, sandbox: cfg.SandboxRoot, data: t.TempDir()}
}

func (f *fixture) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(f.data, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func request(id string, deps ...string) jobs.Request {
	return jobs.Request{
		ID:               id,
		Name:             "nightly-" + id,
		User:             "alice",
		Command:          "/bin/sh",
		Args:             []string{"run.sh"},
		ClusterCriteria:  []jobs.ClusterCriteria{{Tags: []string{"Spark", "prod"}}},
		FileDependencies: deps,
	}
}

// fakeLauncher records launches and lets tests finish jobs explicitly.
type fakeLauncher struct {
	mu          sync.Mutex
	launched    []string
	terminated  []string
	done        map[string]jobs.CompletionFunc
	launchErr   error
	terminateFn func(id string)
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{done: map[string]jobs.CompletionFunc{}}
}

func (l *fakeLauncher) Launch(_ context.Context, rec *jobs.Record, done jobs.CompletionFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return l.launchErr
	}
	l.launched = append(l.launched, rec.ID)
	l.done[rec.ID] = done
	return nil
}

func (l *fakeLauncher) Terminate(_ context.Context, id string) error {
	l.mu.Lock()
	l.terminated = append(l.terminated, id)
	fn := l.terminateFn
	l.mu.Unlock()
	if fn != nil {
		fn(id)
	}
	return nil
}

func (l *fakeLauncher) finish(id string, code int) {
	l.mu.Lock()
	done := l.done[id]
	l.mu.Unlock()
	done(context.Background(), id, code, "")
}

func (l *fakeLauncher) launchedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.launched...)
}

// blockingFetcher holds every fetch until release is closed.
type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingFetcher) Resolve(string) (transfer.Backend, error) { return nil, nil }

func (b *blockingFetcher) Fetch(ctx context.Context, _, localPath string) error {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return os.WriteFile(localPath, []byte("ok"), 0o644)
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	store := jobstore.NewMemory()
	fetcher := &blockingFetcher{}

	_, err := jobs.NewService(nil, fetcher, jobs.Config{SandboxRoot: t.TempDir()})
	require.Error(t, err)
	_, err = jobs.NewService(store, nil, jobs.Config{SandboxRoot: t.TempDir()})
	require.Error(t, err)
	_, err = jobs.NewService(store, fetcher, jobs.Config{})
	require.Error(t, err)
	_, err = jobs.NewService(store, fetcher, jobs.Config{
		SandboxRoot: t.TempDir(),
		Clusters:    jobs.Catalog{{ID: "a"}, {ID: "a"}},
	})
	require.Error(t, err)

	svc, err := jobs.NewService(store, fetcher, jobs.Config{SandboxRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, jobs.DefaultMaxListLimit, svc.MaxListLimit())
}

func TestSubmitStagesAndRuns(t *testing.T) {
	launcher := newFakeLauncher()
	f := newFixture(t, jobs.Config{}, jobs.WithLauncher(launcher))
	script := f.writeFile(t, "run.sh", "echo hi\n")
	conf := f.writeFile(t, "app.conf", "k=v\n")

	rec, err := f.svc.Submit(context.Background(), request("j1", "local://"+script, conf))
	require.NoError(t, err)

	assert.Equal(t, "j1", rec.ID)
	assert.Equal(t, jobs.StatusRunning, rec.Status)
	assert.Equal(t, "prod,spark", rec.ClusterName)
	assert.Equal(t, "prod,spark", rec.ClusterID)
	assert.Equal(t, []jobs.ClusterCriteria{{Tags: []string{"prod", "spark"}}}, rec.ClusterCriteria)
	assert.NotNil(t, rec.StartedAt)
	assert.Nil(t, rec.FinishedAt)
	assert.Equal(t, filepath.Join(f.sandbox, "j1"), rec.SandboxDir)

	b, err := os.ReadFile(filepath.Join(rec.SandboxDir, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", string(b))
	assert.FileExists(t, filepath.Join(rec.SandboxDir, "app.conf"))

	assert.Equal(t, []string{"j1"}, launcher.launchedIDs())

	launcher.finish("j1", 0)
	got, err := f.svc.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusSucceeded, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.NotNil(t, got.FinishedAt)
}

func TestSubmitDefaults(t *testing.T) {
	f := newFixture(t, jobs.Config{})

	rec, err := f.svc.Submit(context.Background(), jobs.Request{
		Command:         "  /bin/true ",
		ClusterCriteria: []jobs.ClusterCriteria{{Tags: []string{"dev"}}},
		Tags:            []string{"B", "a", "b", " "},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, jobs.DefaultName, rec.Name)
	assert.Equal(t, jobs.DefaultUser, rec.User)
	assert.Equal(t, "/bin/true", rec.Command)
	assert.Equal(t, []string{"a", "b"}, rec.Tags)
	assert.Equal(t, jobs.StatusRunning, rec.Status)
}

func TestSubmitUsesClock(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, jobs.Config{}, jobs.WithClock(func() time.Time { return at }))

	rec, err := f.svc.Submit(context.Background(), request("clocked"))
	require.NoError(t, err)
	assert.Equal(t, at, rec.CreatedAt)
	assert.Equal(t, at, rec.UpdatedAt)
	require.NotNil(t, rec.StartedAt)
	assert.Equal(t, at, *rec.StartedAt)
}

func TestSubmitDuplicate(t *testing.T) {
	f := newFixture(t, jobs.Config{})
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, request("dup"))
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, request("dup"))
	require.Error(t, err)
	assert.ErrorIs(t, err, jobs.ErrDuplicateJob)
}

func TestSubmitStagingFailure(t *testing.T) {
	launcher := newFakeLauncher()
	f := newFixture(t, jobs.Config{}, jobs.WithLauncher(launcher))
	good := f.writeFile(t, "run.sh", "echo hi\n")
	missing := "local://" + filepath.Join(f.data, "missing.jar")

	rec, err := f.svc.Submit(context.Background(), request("j2", good, missing))
	require.NoError(t, err, "staging failure is a job outcome")

	assert.Equal(t, jobs.StatusFailed, rec.Status)
	assert.Contains(t, rec.StatusMsg, missing)
	assert.Contains(t, rec.StatusMsg, "failed to stage dependency")
	assert.NotNil(t, rec.FinishedAt)
	assert.Empty(t, rec.ClusterName)
	assert.NoDirExists(t, rec.SandboxDir)
	assert.Empty(t, launcher.launchedIDs())

	list, err := f.svc.List(context.Background(), jobs.Filter{Statuses: []jobs.Status{jobs.StatusFailed}}, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "j2", list[0].ID)
}

func TestSubmitUnsupportedScheme(t *testing.T) {
	f := newFixture(t, jobs.Config{})

	_, err := f.svc.Submit(context.Background(), request("j3", "gopher://host/file"))
	require.Error(t, err)
	assert.ErrorIs(t, err, jobs.ErrInvalidRequest)
	assert.ErrorIs(t, err, transfer.ErrUnsupportedScheme)

	var jerr *jobs.Error
	require.True(t, errors.As(err, &jerr))
	assert.Equal(t, "fileDependencies[0]", jerr.Field)

	_, err = f.svc.Get(context.Background(), "j3")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, jobs.Config{})

	tests := []struct {
		name  string
		edit  func(r *jobs.Request)
		field string
	}{
		{"blank command", func(r *jobs.Request) { r.Command = "  " }, "command"},
		{"bad id", func(r *jobs.Request) { r.ID = "-leading-dash" }, "id"},
		{"id with slash", func(r *jobs.Request) { r.ID = "a/b" }, "id"},
		{"no criteria", func(r *jobs.Request) { r.ClusterCriteria = nil }, "clusterCriteria"},
		{"empty tags", func(r *jobs.Request) { r.ClusterCriteria = []jobs.ClusterCriteria{{Tags: []string{" "}}} }, "clusterCriteria[0].tags"},
		{"blank dependency", func(r *jobs.Request) { r.FileDependencies = []string{"/tmp/ok", " "} }, "fileDependencies[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("valid-id")
			tt.edit(&req)

			_, err := f.svc.Submit(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, jobs.ErrInvalidRequest)

			var jerr *jobs.Error
			require.True(t, errors.As(err, &jerr))
			assert.Equal(t, tt.field, jerr.Field)
		})
	}
}

func TestSubmitLaunchFailure(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.launchErr = errors.New("exec format error")
	f := newFixture(t, jobs.Config{}, jobs.WithLauncher(launcher))

	rec, err := f.svc.Submit(context.Background(), request("bad-exec"))
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, rec.Status)
	assert.Contains(t, rec.StatusMsg, "exec format error")
	assert.Equal(t, "prod,spark", rec.ClusterName)
}

func TestSubmitClusterCatalog(t *testing.T) {
	catalog := jobs.Catalog{
		{ID: "c-dev", Name: "dev", Tags: []string{"dev", "spark"}},
		{ID: "c-prod", Name: "prod", Tags: []string{"prod", "spark", "hive"}},
	}
	f := newFixture(t, jobs.Config{Clusters: catalog})
	ctx := context.Background()

	rec, err := f.svc.Submit(ctx, request("placed"))
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, rec.Status)
	assert.Equal(t, "prod", rec.ClusterName)
	assert.Equal(t, "c-prod", rec.ClusterID)

	req := request("unplaced")
	req.ClusterCriteria = []jobs.ClusterCriteria{{Tags: []string{"gpu"}}}
	rec, err = f.svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, rec.Status)
	assert.Contains(t, rec.StatusMsg, "no cluster matches")
}

func TestKill(t *testing.T) {
	launcher := newFakeLauncher()
	f := newFixture(t, jobs.Config{}, jobs.WithLauncher(launcher))
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, request("k1"))
	require.NoError(t, err)

	rec, err := f.svc.Kill(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusKilled, rec.Status)
	assert.NotNil(t, rec.FinishedAt)
	assert.Equal(t, []string{"k1"}, launcher.terminated)

	again, err := f.svc.Kill(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, rec, again)
	assert.Len(t, launcher.terminated, 1, "terminal jobs are not terminated twice")

	// Completion after a kill loses the race and leaves the record alone.
	launcher.finish("k1", 0)
	got, err := f.svc.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusKilled, got.Status)
	assert.Nil(t, got.ExitCode)
}

func TestKillTerminalIsNoop(t *testing.T) {
	f := newFixture(t, jobs.Config{})
	ctx := context.Background()

	failed, err := f.svc.Submit(ctx, request("gone", filepath.Join(f.data, "nope")))
	require.NoError(t, err)
	require.Equal(t, jobs.StatusFailed, failed.Status)

	rec, err := f.svc.Kill(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, failed, rec)
}

func TestKillMissing(t *testing.T) {
	f := newFixture(t, jobs.Config{})

	_, err := f.svc.Kill(context.Background(), "nobody")
	assert.ErrorIs(t, err, jobs.ErrNotFound)

	_, err = f.svc.Get(context.Background(), " ")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestKillDuringStaging(t *testing.T) {
	launcher := newFakeLauncher()
	fetcher := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	f := newFixtureWithFetcher(t, fetcher, jobs.Config{}, jobs.WithLauncher(launcher))
	ctx := context.Background()

	type result struct {
		rec *jobs.Record
		err error
	}
	out := make(chan result, 1)
	go func() {
		rec, err := f.svc.Submit(ctx, request("slow", "s3://bucket/big.jar"))
		out <- result{rec, err}
	}()

	<-fetcher.started
	killed, err := f.svc.Kill(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusKilled, killed.Status)

	close(fetcher.release)
	res := <-out
	require.NoError(t, res.err)
	assert.Equal(t, jobs.StatusKilled, res.rec.Status)
	assert.Empty(t, launcher.launchedIDs())
}

// killingLauncher lets a kill win RUNNING -> KILLED before the wrapped
// launcher has registered the job.
type killingLauncher struct {
	*fakeLauncher
	svc *jobs.Service
}

func (l *killingLauncher) Launch(ctx context.Context, rec *jobs.Record, done jobs.CompletionFunc) error {
	if _, err := l.svc.Kill(ctx, rec.ID); err != nil {
		return err
	}
	return l.fakeLauncher.Launch(ctx, rec, done)
}

func TestKillBeforeLaunchTerminatesProcess(t *testing.T) {
	inner := newFakeLauncher()
	wrapper := &killingLauncher{fakeLauncher: inner}
	f := newFixture(t, jobs.Config{}, jobs.WithLauncher(wrapper))
	wrapper.svc = f.svc

	rec, err := f.svc.Submit(context.Background(), request("early-kill"))
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusKilled, rec.Status)

	assert.Equal(t, []string{"early-kill"}, inner.launchedIDs())
	inner.mu.Lock()
	terminated := append([]string(nil), inner.terminated...)
	inner.mu.Unlock()
	// Once from Kill, which the launcher could not act on, and once after
	// Launch returned.
	assert.Equal(t, []string{"early-kill", "early-kill"}, terminated)
}

func TestKillRacesCompletion(t *testing.T) {
	for i := 0; i < 20; i++ {
		launcher := newFakeLauncher()
		f := newFixture(t, jobs.Config{}, jobs.WithLauncher(launcher))
		ctx := context.Background()

		_, err := f.svc.Submit(ctx, request("race"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.svc.Kill(ctx, "race")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.svc.Complete(ctx, "race", 0, "")
			assert.NoError(t, err)
		}()
		wg.Wait()

		got, err := f.svc.Get(ctx, "race")
		require.NoError(t, err)
		require.Contains(t, []jobs.Status{jobs.StatusKilled, jobs.StatusSucceeded}, got.Status)
		if got.Status == jobs.StatusKilled {
			assert.Nil(t, got.ExitCode)
		} else {
			require.NotNil(t, got.ExitCode)
		}
	}
}

func TestComplete(t *testing.T) {
	f := newFixture(t, jobs.Config{})
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, request("ok"))
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, request("bad"))
	require.NoError(t, err)

	rec, err := f.svc.Complete(ctx, "ok", 0, "")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusSucceeded, rec.Status)
	assert.Equal(t, "job exited with code 0", rec.StatusMsg)

	rec, err = f.svc.Complete(ctx, "bad", 2, "segfault")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, rec.Status)
	assert.Equal(t, "segfault", rec.StatusMsg)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 2, *rec.ExitCode)

	_, err = f.svc.Complete(ctx, "missing", 0, "")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestTransitionHook(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	hook := func(from, to jobs.Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(from)+"->"+string(to))
	}
	f := newFixture(t, jobs.Config{}, jobs.WithTransitionHook(hook))
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, request("h1"))
	require.NoError(t, err)
	_, err = f.svc.Kill(ctx, "h1")
	require.NoError(t, err)
	_, err = f.svc.Kill(ctx, "h1")
	require.NoError(t, err)

	assert.Equal(t, []string{"INIT->RUNNING", "RUNNING->KILLED"}, seen)
}

func TestList(t *testing.T) {
	f := newFixture(t, jobs.Config{MaxListLimit: 2})
	ctx := context.Background()

	for _, id := range []string{"l1", "l2", "l3"} {
		_, err := f.svc.Submit(ctx, request(id))
		require.NoError(t, err)
	}
	_, err := f.svc.Kill(ctx, "l2")
	require.NoError(t, err)

	all, err := f.svc.List(ctx, jobs.Filter{}, 100, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2, "limit is clamped")

	killed, err := f.svc.List(ctx, jobs.Filter{Statuses: []jobs.Status{jobs.StatusKilled}}, 10, 0)
	require.NoError(t, err)
	require.Len(t, killed, 1)
	assert.Equal(t, "l2", killed[0].ID)

	byName, err := f.svc.List(ctx, jobs.Filter{Name: "NIGHTLY-l%"}, 2, 0)
	require.NoError(t, err)
	assert.Len(t, byName, 2)

	_, err = f.svc.List(ctx, jobs.Filter{}, 0, 0)
	assert.ErrorIs(t, err, jobs.ErrInvalidQuery)
	_, err = f.svc.List(ctx, jobs.Filter{}, 1, -1)
	assert.ErrorIs(t, err, jobs.ErrInvalidQuery)
}

func TestStoreFaultIsInternal(t *testing.T) {
	f := newFixture(t, jobs.Config{})
	require.NoError(t, f.store.Close())

	_, err := f.svc.Submit(context.Background(), request("x"))
	assert.ErrorIs(t, err, jobs.ErrInternal)
	assert.ErrorIs(t, f.svc.Ping(context.Background()), jobs.ErrInternal)
}

func TestPageWindow(t *testing.T) {
	limit, offset, err := jobs.PageWindow(20, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, limit, "clamped before the offset is computed")
	assert.Equal(t, 20, offset)

	limit, offset, err = jobs.PageWindow(5, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, limit)
	assert.Equal(t, 15, offset)

	for _, tc := range []struct{ limit, page int }{{0, 0}, {-1, 0}, {10, -1}, {10, math.MaxInt / 5}} {
		_, _, err := jobs.PageWindow(tc.limit, tc.page, 100)
		assert.ErrorIs(t, err, jobs.ErrInvalidQuery, "limit=%d page=%d", tc.limit, tc.page)
	}
}
