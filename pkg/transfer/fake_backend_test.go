package transfer

import (
	"context"
	"sync"
	"time"
)

// fakeBackend records calls and returns scripted errors.
type fakeBackend struct {
	schemes []string

	mu       sync.Mutex
	calls    int
	errs     []error // consumed in order; nil entries succeed
	block    bool    // block until the context is done
	modified time.Time
}

func (f *fakeBackend) Schemes() []string { return f.schemes }

func (f *fakeBackend) IsValid(_ context.Context, location string) (bool, error) {
	if _, err := ParseLocation(location); err != nil {
		return false, err
	}
	return true, nil
}

func (f *fakeBackend) next(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	block := f.block
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeBackend) Fetch(ctx context.Context, _, _ string) error { return f.next(ctx) }

func (f *fakeBackend) Push(ctx context.Context, _, _ string) error { return f.next(ctx) }

func (f *fakeBackend) LastModified(ctx context.Context, _ string) (time.Time, error) {
	if err := f.next(ctx); err != nil {
		return time.Time{}, err
	}
	return f.modified, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
