package transfer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds a single Fetch, Push or LastModified call, retries included.
const DefaultTimeout = 5 * time.Minute

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// Timeout bounds each call. Zero uses DefaultTimeout.
	Timeout time.Duration

	// RateLimit is the maximum number of calls per second across all backends.
	// Zero means unlimited.
	RateLimit float64

	// Retries is the number of extra attempts for throttled or unavailable
	// failures. Zero disables retries.
	Retries int

	// BackoffInitial and BackoffMax bound the exponential delay between retries.
	// Zero values use 100ms and 5s.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Observer, if set, is called once per Fetch, Push or LastModified with
	// the final outcome.
	Observer Observer
}

// Observer receives the outcome of a transfer call, retries included.
type Observer func(op, scheme string, elapsed time.Duration, err error)

// Resolver dispatches transfer calls to the backend registered for each URI
// scheme and enforces timeouts, rate limiting and retries uniformly.
type Resolver struct {
	registry *Registry
	cfg      ResolverConfig
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewResolver creates a resolver over an existing registry.
func NewResolver(registry *Registry, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{registry: registry, cfg: cfg, logger: logger}
	if cfg.RateLimit > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return r
}

// Registry returns the underlying scheme table.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// Resolve returns the backend for a URI.
func (r *Resolver) Resolve(uri string) (Backend, error) {
	return r.registry.Resolve(uri)
}

// IsValid checks a location syntactically and confirms a backend serves it.
func (r *Resolver) IsValid(ctx context.Context, uri string) (bool, error) {
	b, err := r.registry.Resolve(uri)
	if err != nil {
		return false, err
	}
	return b.IsValid(ctx, uri)
}

// Fetch copies a remote URI to localPath.
func (r *Resolver) Fetch(ctx context.Context, uri, localPath string) error {
	return r.do(ctx, "Fetch", uri, localPath, func(ctx context.Context, b Backend) error {
		return b.Fetch(ctx, uri, localPath)
	})
}

// Push uploads localPath to a remote URI.
func (r *Resolver) Push(ctx context.Context, localPath, uri string) error {
	return r.do(ctx, "Push", uri, localPath, func(ctx context.Context, b Backend) error {
		return b.Push(ctx, localPath, uri)
	})
}

// LastModified returns the modification time of a URI.
func (r *Resolver) LastModified(ctx context.Context, uri string) (time.Time, error) {
	var out time.Time
	err := r.do(ctx, "LastModified", uri, "", func(ctx context.Context, b Backend) error {
		t, err := b.LastModified(ctx, uri)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (r *Resolver) do(ctx context.Context, op, uri, local string, call func(context.Context, Backend) error) (err error) {
	loc, err := ParseLocation(uri)
	if err != nil {
		return err
	}
	b, err := r.registry.lookup(loc.Scheme)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if r.cfg.Observer != nil {
		start := time.Now()
		defer func() { r.cfg.Observer(op, loc.Scheme, time.Since(start), err) }()
	}

	logger := r.logger.With(zap.String("op", op), zap.String("uri", uri), zap.String("scheme", loc.Scheme))

	for attempt := 0; ; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return r.contextError(ctx, op, loc, local, err)
			}
		}

		start := time.Now()
		err = call(ctx, b)
		if err == nil {
			logger.Debug("Transfer complete", zap.Duration("duration", time.Since(start)), zap.Int("attempt", attempt+1))
			return nil
		}
		if ctx.Err() != nil {
			return r.contextError(ctx, op, loc, local, err)
		}
		if attempt >= r.cfg.Retries || !IsRetryable(err) {
			logger.Debug("Transfer failed", zap.Int("attempt", attempt+1), zap.Error(err))
			return Fail(op, loc.Scheme, uri, local, err)
		}

		delay := backoff(attempt+1, r.cfg.BackoffInitial, r.cfg.BackoffMax)
		logger.Warn("Transfer failed, retrying", zap.Int("attempt", attempt+1), zap.Duration("backoff", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return r.contextError(ctx, op, loc, local, err)
		case <-time.After(delay):
		}
	}
}

// contextError reports a call cut short by ctx. Only a deadline is a
// timeout; a canceled caller yields an error matching context.Canceled.
func (r *Resolver) contextError(ctx context.Context, op string, loc Location, local string, cause error) error {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err := cause
		if !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", context.Canceled, cause)
		}
		return &Error{Op: op, Scheme: loc.Scheme, Location: loc.Raw, Local: local, Err: err}
	}
	if errors.Is(cause, ErrTimeout) {
		return Fail(op, loc.Scheme, loc.Raw, local, cause)
	}
	return &Error{
		Op:       op,
		Scheme:   loc.Scheme,
		Location: loc.Raw,
		Local:    local,
		Err:      fmt.Errorf("%w after %s: %v", ErrTimeout, r.cfg.Timeout, cause),
	}
}

// backoff returns initial * 2^(attempt-1), capped at max.
func backoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	return time.Duration(d)
}
