// Package storetest is a conformance suite for jobs.Store implementations.
//
// Usage:
//
//	func TestMyStore(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) jobs.Store { return newMyStore(t) })
//	}
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobnimbus/pkg/jobs"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) jobs.Store

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewRecord returns an INIT record created at base + minutes.
func NewRecord(id string, minutes int) *jobs.Record {
	at := base.Add(time.Duration(minutes) * time.Minute)
	return &jobs.Record{
		ID:               id,
		Name:             "job-" + id,
		User:             "alice",
		Status:           jobs.StatusInit,
		StatusMsg:        "job accepted",
		Command:          "/bin/true",
		Args:             []string{"-v"},
		ClusterCriteria:  []jobs.ClusterCriteria{{Tags: []string{"prod", "spark"}}},
		FileDependencies: []string{"local:///tmp/a.sh"},
		ClientHost:       "10.0.0.1",
		SandboxDir:       "/sandboxes/" + id,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
}

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s jobs.Store)
	}{
		{"InsertGet", testInsertGet},
		{"InsertDuplicate", testInsertDuplicate},
		{"GetMissing", testGetMissing},
		{"CompareAndSet", testCompareAndSet},
		{"CompareAndSetMissing", testCompareAndSetMissing},
		{"ListOrderAndPaging", testListOrderAndPaging},
		{"ListFilters", testListFilters},
		{"ListInvalidWindow", testListInvalidWindow},
		{"ConcurrentCompareAndSet", testConcurrentCompareAndSet},
		{"Ping", testPing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer func() { _ = s.Close() }()
			tt.fn(t, s)
		})
	}
}

func testInsertGet(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	rec := NewRecord("j1", 0)
	require.NoError(t, s.Insert(ctx, rec))

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.User, got.User)
	assert.Equal(t, jobs.StatusInit, got.Status)
	assert.Equal(t, rec.Command, got.Command)
	assert.Equal(t, rec.Args, got.Args)
	assert.Equal(t, rec.ClusterCriteria, got.ClusterCriteria)
	assert.Equal(t, rec.FileDependencies, got.FileDependencies)
	assert.Equal(t, rec.ClientHost, got.ClientHost)
	assert.Equal(t, rec.SandboxDir, got.SandboxDir)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.ExitCode)

	// Mutating the returned copy must not leak into the store.
	got.Status = jobs.StatusKilled
	again, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusInit, again.Status)
}

func testInsertDuplicate(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, NewRecord("dup", 0)))

	second := NewRecord("dup", 5)
	second.Name = "other"
	err := s.Insert(ctx, second)
	assert.ErrorIs(t, err, jobs.ErrDuplicateJob)

	got, err := s.Get(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, "job-dup", got.Name, "first record unchanged")
}

func testGetMissing(t *testing.T, s jobs.Store) {
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func testCompareAndSet(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, NewRecord("cas", 0)))

	at := base.Add(time.Hour)
	ok, err := s.CompareAndSetStatus(ctx, "cas", jobs.StatusInit, jobs.StatusRunning, jobs.StatusUpdate{
		Msg: "running", ClusterName: "prod", ClusterID: "prod-1", At: at,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// Wrong expectation is a no-op, not an error.
	ok, err = s.CompareAndSetStatus(ctx, "cas", jobs.StatusInit, jobs.StatusKilled, jobs.StatusUpdate{Msg: "killed"})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, "cas")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, got.Status)
	assert.Equal(t, "running", got.StatusMsg)
	assert.Equal(t, "prod", got.ClusterName)
	assert.Equal(t, "prod-1", got.ClusterID)
	require.NotNil(t, got.StartedAt)
	assert.True(t, at.Equal(*got.StartedAt))
	assert.True(t, at.Equal(got.UpdatedAt))
	assert.Nil(t, got.FinishedAt)

	code := 3
	done := at.Add(time.Minute)
	ok, err = s.CompareAndSetStatus(ctx, "cas", jobs.StatusRunning, jobs.StatusFailed, jobs.StatusUpdate{
		Msg: "exit 3", ExitCode: &code, At: done,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.Get(ctx, "cas")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, "prod", got.ClusterName, "cluster kept when update leaves it blank")
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 3, *got.ExitCode)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, done.Equal(*got.FinishedAt))
	assert.True(t, at.Equal(*got.StartedAt))
}

func testCompareAndSetMissing(t *testing.T, s jobs.Store) {
	ok, err := s.CompareAndSetStatus(context.Background(), "ghost", jobs.StatusInit, jobs.StatusKilled, jobs.StatusUpdate{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func testListOrderAndPaging(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	// Two records share a timestamp to exercise the id tiebreak.
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		minutes := i
		if id == "e" {
			minutes = 3
		}
		require.NoError(t, s.Insert(ctx, NewRecord(id, minutes)))
	}

	all, err := s.List(ctx, jobs.Filter{}, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e", "c", "b", "a"}, ids(all))

	var paged []string
	for offset := 0; ; offset += 2 {
		page, err := s.List(ctx, jobs.Filter{}, 2, offset)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(page), 2)
		if len(page) == 0 {
			break
		}
		paged = append(paged, ids(page)...)
	}
	assert.Equal(t, ids(all), paged, "pages cover every record exactly once")

	page, err := s.List(ctx, jobs.Filter{}, 10, 50)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func testListFilters(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		rec := NewRecord(fmt.Sprintf("f%d", i), i)
		if i%2 == 1 {
			rec.User = "bob"
			rec.Name = "nightly-etl"
		}
		require.NoError(t, s.Insert(ctx, rec))
	}
	_, err := s.CompareAndSetStatus(ctx, "f1", jobs.StatusInit, jobs.StatusFailed, jobs.StatusUpdate{Msg: "staging"})
	require.NoError(t, err)
	_, err = s.CompareAndSetStatus(ctx, "f4", jobs.StatusInit, jobs.StatusFailed, jobs.StatusUpdate{Msg: "staging"})
	require.NoError(t, err)
	_, err = s.CompareAndSetStatus(ctx, "f2", jobs.StatusInit, jobs.StatusRunning, jobs.StatusUpdate{ClusterName: "prod", ClusterID: "prod-1"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter jobs.Filter
		want   []string
	}{
		{"status failed", jobs.Filter{Statuses: []jobs.Status{jobs.StatusFailed}}, []string{"f4", "f1"}},
		{"several statuses", jobs.Filter{Statuses: []jobs.Status{jobs.StatusFailed, jobs.StatusRunning}}, []string{"f4", "f2", "f1"}},
		{"user", jobs.Filter{User: "bob"}, []string{"f5", "f3", "f1"}},
		{"id", jobs.Filter{ID: "f3"}, []string{"f3"}},
		{"name wildcard", jobs.Filter{Name: "nightly%"}, []string{"f5", "f3", "f1"}},
		{"name single char", jobs.Filter{Name: "job-f_"}, []string{"f4", "f2", "f0"}},
		{"name exact", jobs.Filter{Name: "job-f0"}, []string{"f0"}},
		{"cluster name", jobs.Filter{ClusterName: "prod"}, []string{"f2"}},
		{"cluster id", jobs.Filter{ClusterID: "prod-1"}, []string{"f2"}},
		{"conjunction", jobs.Filter{User: "bob", Statuses: []jobs.Status{jobs.StatusFailed}}, []string{"f1"}},
		{"no match", jobs.Filter{User: "carol"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filter, 100, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
			for _, rec := range got {
				if len(tt.filter.Statuses) == 1 {
					assert.Equal(t, tt.filter.Statuses[0], rec.Status)
				}
			}
		})
	}
}

func testListInvalidWindow(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	_, err := s.List(ctx, jobs.Filter{}, 0, 0)
	assert.ErrorIs(t, err, jobs.ErrInvalidQuery)
	_, err = s.List(ctx, jobs.Filter{}, -1, 0)
	assert.ErrorIs(t, err, jobs.ErrInvalidQuery)
	_, err = s.List(ctx, jobs.Filter{}, 10, -1)
	assert.ErrorIs(t, err, jobs.ErrInvalidQuery)
}

func testConcurrentCompareAndSet(t *testing.T, s jobs.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, NewRecord("race", 0)))
	ok, err := s.CompareAndSetStatus(ctx, "race", jobs.StatusInit, jobs.StatusRunning, jobs.StatusUpdate{})
	require.NoError(t, err)
	require.True(t, ok)

	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		next := jobs.StatusKilled
		if i%2 == 0 {
			next = jobs.StatusSucceeded
		}
		wg.Add(1)
		go func(next jobs.Status) {
			defer wg.Done()
			<-start
			ok, err := s.CompareAndSetStatus(ctx, "race", jobs.StatusRunning, next, jobs.StatusUpdate{Msg: string(next)})
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(next)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one transition wins")
	got, err := s.Get(ctx, "race")
	require.NoError(t, err)
	assert.True(t, got.Status.IsTerminal())
	assert.Equal(t, string(got.Status), got.StatusMsg)
}

func testPing(t *testing.T, s jobs.Store) {
	assert.NoError(t, s.Ping(context.Background()))
}

func ids(recs []*jobs.Record) []string {
	if len(recs) == 0 {
		return nil
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
