// Package local implements the transfer backend for the local filesystem.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/jobnimbus/pkg/transfer"
)

// Config configures the local backend.
type Config struct {
	// Allow restricts remote paths to those matching at least one doublestar
	// pattern (e.g. "/data/**", "/tmp/*.sh"). Empty allows every path.
	Allow []string
}

// Validate checks that every allow pattern is well formed.
func (c Config) Validate() error {
	for _, p := range c.Allow {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("local allow pattern is empty")
		}
		if !doublestar.ValidatePattern(filepath.ToSlash(p)) {
			return fmt.Errorf("invalid local allow pattern %q", p)
		}
	}
	return nil
}

// Backend copies files between local paths.
//
// Remote locations are plain paths, local:///abs/path or file:///abs/path.
type Backend struct {
	allow  []string
	logger *zap.Logger
}

var _ transfer.Backend = (*Backend)(nil)

// New creates a local backend.
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allow := make([]string, 0, len(cfg.Allow))
	for _, p := range cfg.Allow {
		allow = append(allow, filepath.ToSlash(filepath.Clean(p)))
	}
	return &Backend{allow: allow, logger: logger}, nil
}

// Schemes implements transfer.Backend.
func (b *Backend) Schemes() []string {
	return []string{transfer.SchemeLocal, transfer.SchemeFile}
}

// IsValid implements transfer.Backend.
func (b *Backend) IsValid(_ context.Context, location string) (bool, error) {
	if _, err := b.resolve(location); err != nil {
		return false, err
	}
	return true, nil
}

// Fetch implements transfer.Backend.
func (b *Backend) Fetch(ctx context.Context, remote, localPath string) error {
	src, err := b.resolve(remote)
	if err != nil {
		return transfer.Fail("Fetch", transfer.SchemeLocal, remote, localPath, err)
	}
	if err := b.checkAllowed(src); err != nil {
		return transfer.Fail("Fetch", transfer.SchemeLocal, remote, localPath, err)
	}
	n, err := transfer.CopyFileAtomic(ctx, src, localPath)
	if err != nil {
		return transfer.Fail("Fetch", transfer.SchemeLocal, remote, localPath, err)
	}
	b.logger.Debug("Fetched local file", zap.String("src", src), zap.String("dst", localPath), zap.Int64("bytes", n))
	return nil
}

// Push implements transfer.Backend.
func (b *Backend) Push(ctx context.Context, localPath, remote string) error {
	dst, err := b.resolve(remote)
	if err != nil {
		return transfer.Fail("Push", transfer.SchemeLocal, remote, localPath, err)
	}
	if err := b.checkAllowed(dst); err != nil {
		return transfer.Fail("Push", transfer.SchemeLocal, remote, localPath, err)
	}
	n, err := transfer.CopyFileAtomic(ctx, localPath, dst)
	if err != nil {
		return transfer.Fail("Push", transfer.SchemeLocal, remote, localPath, err)
	}
	b.logger.Debug("Pushed local file", zap.String("src", localPath), zap.String("dst", dst), zap.Int64("bytes", n))
	return nil
}

// LastModified implements transfer.Backend.
func (b *Backend) LastModified(_ context.Context, location string) (time.Time, error) {
	p, err := b.resolve(location)
	if err != nil {
		return time.Time{}, transfer.Fail("LastModified", transfer.SchemeLocal, location, "", err)
	}
	st, err := os.Stat(p)
	if err != nil {
		return time.Time{}, transfer.Fail("LastModified", transfer.SchemeLocal, location, "", err)
	}
	return st.ModTime(), nil
}

// resolve turns a location into a clean filesystem path.
func (b *Backend) resolve(location string) (string, error) {
	loc, err := transfer.ParseLocation(location)
	if err != nil {
		return "", err
	}
	if !loc.IsLocal() {
		return "", fmt.Errorf("%w: scheme %q is not local", transfer.ErrInvalidLocation, loc.Scheme)
	}
	if loc.Host != "" && loc.Host != "localhost" {
		return "", fmt.Errorf("%w: unexpected host %q in %q", transfer.ErrInvalidLocation, loc.Host, location)
	}
	return filepath.Clean(filepath.FromSlash(loc.Path)), nil
}

func (b *Backend) checkAllowed(path string) error {
	if len(b.allow) == 0 {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	slashed := filepath.ToSlash(abs)
	for _, pattern := range b.allow {
		if ok, _ := doublestar.Match(pattern, slashed); ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is outside the allowed paths", transfer.ErrAccessDenied, path)
}
