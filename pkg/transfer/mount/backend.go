// Package mount serves distributed filesystem URIs (hdfs://, and any other
// configured scheme) through a local mount point such as an NFS gateway or a
// FUSE mount.
//
// A URI scheme://authority/some/path maps to <Root>/some/path; the authority
// is only checked against Hosts when that list is set.
package mount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobnimbus/pkg/transfer"
)

// Config configures a mount backend.
type Config struct {
	// Root is the local directory the distributed filesystem is mounted at.
	Root string

	// Schemes served by this backend. Empty defaults to hdfs.
	Schemes []string

	// Hosts optionally restricts the accepted authorities (namenodes).
	Hosts []string
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("mount root is required")
	}
	for _, s := range c.Schemes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || s == transfer.SchemeLocal || s == transfer.SchemeFile || s == transfer.SchemeS3 {
			return fmt.Errorf("mount scheme %q is reserved or empty", s)
		}
	}
	return nil
}

// Backend implements transfer.Backend over a mounted filesystem.
type Backend struct {
	root    string
	schemes []string
	hosts   map[string]struct{}
	logger  *zap.Logger
}

var _ transfer.Backend = (*Backend)(nil)

// New creates a mount backend.
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	schemes := make([]string, 0, len(cfg.Schemes))
	for _, s := range cfg.Schemes {
		schemes = append(schemes, strings.ToLower(strings.TrimSpace(s)))
	}
	if len(schemes) == 0 {
		schemes = []string{transfer.SchemeHDFS}
	}
	var hosts map[string]struct{}
	if len(cfg.Hosts) > 0 {
		hosts = make(map[string]struct{}, len(cfg.Hosts))
		for _, h := range cfg.Hosts {
			hosts[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
		}
	}
	return &Backend{
		root:    filepath.Clean(cfg.Root),
		schemes: schemes,
		hosts:   hosts,
		logger:  logger,
	}, nil
}

// Schemes implements transfer.Backend.
func (b *Backend) Schemes() []string {
	return append([]string(nil), b.schemes...)
}

// IsValid implements transfer.Backend.
func (b *Backend) IsValid(_ context.Context, location string) (bool, error) {
	if _, _, err := b.fullPath(location); err != nil {
		return false, err
	}
	return true, nil
}

// Fetch implements transfer.Backend.
func (b *Backend) Fetch(ctx context.Context, remote, localPath string) error {
	src, scheme, err := b.fullPath(remote)
	if err != nil {
		return transfer.Fail("Fetch", scheme, remote, localPath, err)
	}
	n, err := transfer.CopyFileAtomic(ctx, src, localPath)
	if err != nil {
		return transfer.Fail("Fetch", scheme, remote, localPath, err)
	}
	b.logger.Debug("Fetched mounted file", zap.String("src", src), zap.String("dst", localPath), zap.Int64("bytes", n))
	return nil
}

// Push implements transfer.Backend.
func (b *Backend) Push(ctx context.Context, localPath, remote string) error {
	dst, scheme, err := b.fullPath(remote)
	if err != nil {
		return transfer.Fail("Push", scheme, remote, localPath, err)
	}
	n, err := transfer.CopyFileAtomic(ctx, localPath, dst)
	if err != nil {
		return transfer.Fail("Push", scheme, remote, localPath, err)
	}
	b.logger.Debug("Pushed mounted file", zap.String("src", localPath), zap.String("dst", dst), zap.Int64("bytes", n))
	return nil
}

// LastModified implements transfer.Backend.
func (b *Backend) LastModified(_ context.Context, location string) (time.Time, error) {
	p, scheme, err := b.fullPath(location)
	if err != nil {
		return time.Time{}, transfer.Fail("LastModified", scheme, location, "", err)
	}
	st, err := os.Stat(p)
	if err != nil {
		return time.Time{}, transfer.Fail("LastModified", scheme, location, "", err)
	}
	return st.ModTime(), nil
}

func (b *Backend) fullPath(location string) (string, string, error) {
	loc, err := transfer.ParseLocation(location)
	if err != nil {
		return "", "", err
	}
	if !b.serves(loc.Scheme) {
		return "", loc.Scheme, fmt.Errorf("%w: scheme %q is not served by the mount backend", transfer.ErrInvalidLocation, loc.Scheme)
	}
	if b.hosts != nil {
		if _, ok := b.hosts[strings.ToLower(loc.Host)]; !ok {
			return "", loc.Scheme, fmt.Errorf("%w: unknown host %q", transfer.ErrInvalidLocation, loc.Host)
		}
	}

	// Prevent path traversal outside the mount root.
	clean := filepath.Clean("/" + strings.TrimPrefix(loc.Path, "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", loc.Scheme, fmt.Errorf("%w: missing path in %q", transfer.ErrInvalidLocation, location)
	}
	return filepath.Join(b.root, filepath.FromSlash(clean)), loc.Scheme, nil
}

func (b *Backend) serves(scheme string) bool {
	for _, s := range b.schemes {
		if s == scheme {
			return true
		}
	}
	return false
}
