package jobs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogSelect(t *testing.T) {
	cat := Catalog{
		{ID: "c1", Name: "dev", Tags: []string{"dev", "spark"}},
		{ID: "c2", Name: "prod", Tags: []string{"Prod", "spark", "hive"}},
	}

	cl, ok := cat.Select([]ClusterCriteria{{Tags: []string{"gpu"}}, {Tags: []string{"spark", "prod"}}})
	require.True(t, ok)
	assert.Equal(t, "c2", cl.ID)

	cl, ok = cat.Select([]ClusterCriteria{{Tags: []string{"spark"}}})
	require.True(t, ok)
	assert.Equal(t, "c1", cl.ID, "catalog order breaks ties")

	_, ok = cat.Select([]ClusterCriteria{{Tags: []string{"gpu"}}})
	assert.False(t, ok)

	_, ok = cat.Select(nil)
	assert.False(t, ok)
}

func TestCatalogSelectEmpty(t *testing.T) {
	cl, ok := Catalog(nil).Select([]ClusterCriteria{{Tags: []string{"Spark", "prod"}}, {Tags: []string{"dev"}}})
	require.True(t, ok)
	assert.Equal(t, "prod,spark", cl.Name)
	assert.Equal(t, "prod,spark", cl.ID)
	assert.Equal(t, []string{"prod", "spark"}, cl.Tags)
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clusters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`clusters:
  - id: prod-1
    name: prod
    tags: [prod, spark]
  - id: dev-1
    name: dev
    tags: [dev]
`), 0o644))

	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, cat, 2)
	assert.Equal(t, Cluster{ID: "prod-1", Name: "prod", Tags: []string{"prod", "spark"}}, cat[0])

	dup := filepath.Join(dir, "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte("clusters:\n  - id: a\n  - id: a\n"), 0o644))
	_, err = LoadCatalog(dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listed twice")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("clusters: [\n"), 0o644))
	_, err = LoadCatalog(bad)
	require.Error(t, err)

	_, err = LoadCatalog(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
