// Package jobstore provides job store implementations.
//
// Memory is the in-process reference store; sqlstore holds the durable SQL
// implementation.
package jobstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/3leaps/jobnimbus/pkg/jobs"
)

// Memory is a mutex-guarded in-memory jobs.Store.
//
// Records are copied on the way in and out so callers never alias store state.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*jobs.Record
	closed  bool
}

var _ jobs.Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*jobs.Record)}
}

// Insert implements jobs.Store.
func (m *Memory) Insert(_ context.Context, rec *jobs.Record) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: record id is required", jobs.ErrInvalidRequest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("%w: %s", jobs.ErrDuplicateJob, rec.ID)
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

// CompareAndSetStatus implements jobs.Store.
func (m *Memory) CompareAndSetStatus(_ context.Context, id string, expected, next jobs.Status, update jobs.StatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	rec, ok := m.records[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	if rec.Status != expected {
		return false, nil
	}
	rec.Apply(next, update)
	return true, nil
}

// Get implements jobs.Store.
func (m *Memory) Get(_ context.Context, id string) (*jobs.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// List implements jobs.Store.
func (m *Memory) List(_ context.Context, filter jobs.Filter, limit, offset int) ([]*jobs.Record, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", jobs.ErrInvalidQuery, limit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative, got %d", jobs.ErrInvalidQuery, offset)
	}

	m.mu.RLock()
	if err := m.checkOpen(); err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	match := filter.Matcher()
	matched := make([]*jobs.Record, 0, len(m.records))
	for _, rec := range m.records {
		if match(rec) {
			matched = append(matched, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	if offset >= len(matched) {
		return []*jobs.Record{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// Ping implements jobs.Store.
func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkOpen()
}

// Close implements jobs.Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) checkOpen() error {
	if m.closed {
		return fmt.Errorf("%w: store is closed", jobs.ErrInternal)
	}
	return nil
}
