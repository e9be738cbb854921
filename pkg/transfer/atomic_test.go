package transfer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingReader returns data then an error, simulating a dropped connection.
type failingReader struct {
	data string
	done bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.done {
		f.done = true
		return copy(p, f.data), nil
	}
	return 0, errors.New("connection reset")
}

func TestWriteFileAtomic(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "nested", "out.txt")
	n, err := WriteFileAtomic(context.Background(), dst, strings.NewReader("hello"), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestWriteFileAtomic_UnknownSize(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out.txt")
	_, err := WriteFileAtomic(context.Background(), dst, strings.NewReader("abc"), -1)
	require.NoError(t, err)
}

func TestWriteFileAtomic_PartialCopyKeepsOldContent(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(dst, []byte("previous"), 0o644))

	_, err := WriteFileAtomic(context.Background(), dst, &failingReader{data: "partial"}, -1)
	require.Error(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file removed")
}

func TestWriteFileAtomic_SizeMismatch(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out.txt")
	_, err := WriteFileAtomic(context.Background(), dst, strings.NewReader("abc"), 10)

	var mismatch *SizeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(10), mismatch.Expected)
	assert.Equal(t, int64(3), mismatch.Got)
	assert.Contains(t, mismatch.Error(), "expected=10 got=3")

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteFileAtomic_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dst := filepath.Join(t.TempDir(), "out.txt")
	_, err := WriteFileAtomic(ctx, dst, io.LimitReader(strings.NewReader("data"), 4), -1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCopyFileAtomic_MissingSource(t *testing.T) {
	_, err := CopyFileAtomic(context.Background(), filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "dst"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}
