package mount

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobnimbus/pkg/transfer"
)

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.NoError(t, Config{Root: "/mnt/hdfs"}.Validate())
	assert.NoError(t, Config{Root: "/mnt/hdfs", Schemes: []string{"hdfs", "webhdfs"}}.Validate())
	assert.Error(t, Config{Root: "/mnt/hdfs", Schemes: []string{"s3"}}.Validate())
	assert.Error(t, Config{Root: "/mnt/hdfs", Schemes: []string{"file"}}.Validate())
}

func TestBackend_SchemesDefault(t *testing.T) {
	b, err := New(Config{Root: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"hdfs"}, b.Schemes())
}

func TestBackend_FullPath(t *testing.T) {
	root := t.TempDir()
	b, err := New(Config{Root: root}, nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		location string
		want     string
		wantErr  bool
	}{
		{"simple", "hdfs://namenode:8020/user/jobs/run.py", filepath.Join(root, "user", "jobs", "run.py"), false},
		{"traversal is clamped", "hdfs://nn/../../etc/passwd", filepath.Join(root, "etc", "passwd"), false},
		{"wrong scheme", "s3://bucket/key", "", true},
		{"missing path", "hdfs://nn/", "", true},
		{"only dots", "hdfs://nn/..", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := b.fullPath(tt.location)
			if tt.wantErr {
				assert.ErrorIs(t, err, transfer.ErrInvalidLocation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBackend_Hosts(t *testing.T) {
	b, err := New(Config{Root: t.TempDir(), Hosts: []string{"NameNode"}}, nil)
	require.NoError(t, err)

	ok, err := b.IsValid(context.Background(), "hdfs://namenode/a")
	assert.True(t, ok)
	assert.NoError(t, err)

	ok, err = b.IsValid(context.Background(), "hdfs://other/a")
	assert.False(t, ok)
	assert.ErrorIs(t, err, transfer.ErrInvalidLocation)
}

func TestBackend_RoundTrip(t *testing.T) {
	root := t.TempDir()
	work := t.TempDir()
	b, err := New(Config{Root: root}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	local := filepath.Join(work, "conf.xml")
	require.NoError(t, os.WriteFile(local, []byte("<conf/>"), 0o644))

	require.NoError(t, b.Push(ctx, local, "hdfs://nn/apps/conf.xml"))
	stored, err := os.ReadFile(filepath.Join(root, "apps", "conf.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<conf/>", string(stored))

	back := filepath.Join(work, "sandbox", "conf.xml")
	require.NoError(t, b.Fetch(ctx, "hdfs://nn/apps/conf.xml", back))
	got, err := os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "<conf/>", string(got))

	mod, err := b.LastModified(ctx, "hdfs://nn/apps/conf.xml")
	require.NoError(t, err)
	assert.False(t, mod.IsZero())
}

func TestBackend_FetchMissing(t *testing.T) {
	b, err := New(Config{Root: t.TempDir()}, nil)
	require.NoError(t, err)

	err = b.Fetch(context.Background(), "hdfs://nn/missing.jar", filepath.Join(t.TempDir(), "missing.jar"))
	require.Error(t, err)
	assert.ErrorIs(t, err, transfer.ErrTransferFailure)
	assert.ErrorIs(t, err, transfer.ErrNotFound)

	var terr *transfer.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "hdfs", terr.Scheme)
}
