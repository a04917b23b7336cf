package vfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sframecore/engine/internal/cachemgr"
)

func TestSchemeOf(t *testing.T) {
	assert.Equal(t, "s3", schemeOf("s3://bucket/key"))
	assert.Equal(t, "", schemeOf("/tmp/foo.bin"))
	assert.Equal(t, "cache", schemeOf("cache://42"))
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mgr := cachemgr.New(cachemgr.Config{GlobalBudgetBytes: 1 << 20, PerBlockLimitBytes: 1 << 16, SpillDir: t.TempDir()}, nil, nil)
	r := &Registry{backends: make(map[string]Backend)}
	r.register(localBackend{})
	r.register(newCacheBackend(mgr, t.TempDir()))
	return r
}

func TestLocalBackendRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	path := filepath.Join(t.TempDir(), "data.bin")

	w, err := r.OpenWrite(path, OpenOptions{})
	require.NoError(t, err)
	_, err = w.Write([]byte("hello sframe"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rd, err := r.OpenRead(path, OpenOptions{})
	require.NoError(t, err)
	defer rd.Close()
	data, err := io.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, "hello sframe", string(data))

	size, err := r.FileSize(path)
	require.NoError(t, err)
	assert.EqualValues(t, len("hello sframe"), size)
}

func TestLocalBackendGzipRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	path := filepath.Join(t.TempDir(), "data.bin.gz")

	w, err := r.OpenWrite(path, OpenOptions{})
	require.NoError(t, err)
	_, err = w.Write([]byte("compressed payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rd, err := r.OpenRead(path, OpenOptions{})
	require.NoError(t, err)
	defer rd.Close()
	data, err := io.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, "compressed payload", string(data))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, "compressed payload", string(raw), "on-disk bytes should be gzip-framed")
}

func TestUnknownSchemeReturnsOpenError(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.OpenRead("ldap://example.com/x", OpenOptions{})
	require.Error(t, err)
}

func TestCacheBackendRoundTripByID(t *testing.T) {
	mgr := cachemgr.New(cachemgr.Config{GlobalBudgetBytes: 1 << 20, PerBlockLimitBytes: 1 << 16, SpillDir: t.TempDir()}, nil, nil)
	id := mgr.NewCache()
	r := &Registry{backends: make(map[string]Backend)}
	r.register(newCacheBackend(mgr, t.TempDir()))

	w, err := r.OpenWrite(cacheURLFor(id), OpenOptions{})
	require.NoError(t, err)
	_, err = w.Write([]byte("block bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rd, err := r.OpenRead(cacheURLFor(id), OpenOptions{})
	require.NoError(t, err)
	defer rd.Close()
	data, err := io.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, "block bytes", string(data))
}

func TestCacheBackendTmpNameRejectsPathSeparators(t *testing.T) {
	mgr := cachemgr.New(cachemgr.Config{GlobalBudgetBytes: 1 << 20, PerBlockLimitBytes: 1 << 16, SpillDir: t.TempDir()}, nil, nil)
	r := &Registry{backends: make(map[string]Backend)}
	r.register(newCacheBackend(mgr, t.TempDir()))

	_, err := r.OpenWrite("cache://tmp/../escape", OpenOptions{})
	require.Error(t, err)
}
