package jobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobnimbus/pkg/jobs"
	"github.com/3leaps/jobnimbus/pkg/jobstore/storetest"
)

func TestMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) jobs.Store { return NewMemory() })
}

func TestMemory_InsertCopiesRecord(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec := storetest.NewRecord("j1", 0)
	require.NoError(t, m.Insert(ctx, rec))
	rec.Args[0] = "mutated"
	rec.Status = jobs.StatusKilled

	got, err := m.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, []string{"-v"}, got.Args)
	assert.Equal(t, jobs.StatusInit, got.Status)
}

func TestMemory_InsertRequiresID(t *testing.T) {
	m := NewMemory()
	assert.ErrorIs(t, m.Insert(context.Background(), &jobs.Record{}), jobs.ErrInvalidRequest)
	assert.Error(t, m.Insert(context.Background(), nil))
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())

	ctx := context.Background()
	assert.ErrorIs(t, m.Ping(ctx), jobs.ErrInternal)
	assert.ErrorIs(t, m.Insert(ctx, storetest.NewRecord("x", 0)), jobs.ErrInternal)
	_, err := m.Get(ctx, "x")
	assert.ErrorIs(t, err, jobs.ErrInternal)
	_, err = m.List(ctx, jobs.Filter{}, 1, 0)
	assert.ErrorIs(t, err, jobs.ErrInternal)
}
