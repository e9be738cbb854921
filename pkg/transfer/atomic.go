package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// tempPattern names in-flight files next to their destination.
const tempPattern = ".jobnimbus-part-*"

// WriteFileAtomic streams body into path through a temp file in the same
// directory and renames it into place once the copy is complete and synced.
//
// expectedSize is optional; when >= 0 the number of bytes written must match
// or a *SizeMismatchError is returned. On any failure the destination is left
// untouched and the temp file is removed.
func WriteFileAtomic(ctx context.Context, path string, body io.Reader, expectedSize int64) (int64, error) {
	dir := filepath.Dir(path)
	// #nosec G301 -- sandbox directories are shared with the job process
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	written, err := io.Copy(tmp, &contextReader{ctx: ctx, r: body})
	if err != nil {
		return written, err
	}
	if expectedSize >= 0 && written != expectedSize {
		return written, &SizeMismatchError{Location: path, Expected: expectedSize, Got: written}
	}
	if err := tmp.Sync(); err != nil {
		return written, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return written, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return written, fmt.Errorf("rename temp file: %w", err)
	}
	committed = true
	return written, nil
}

// CopyFileAtomic copies src to dst with WriteFileAtomic semantics and keeps the
// source file mode.
func CopyFileAtomic(ctx context.Context, src, dst string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if st.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrNotFound, src)
	}

	n, err := WriteFileAtomic(ctx, dst, f, st.Size())
	if err != nil {
		return n, err
	}
	// Scripts must stay executable once staged.
	if err := os.Chmod(dst, st.Mode().Perm()); err != nil {
		return n, fmt.Errorf("chmod %s: %w", dst, err)
	}
	return n, nil
}

// contextReader stops a copy as soon as its context is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
