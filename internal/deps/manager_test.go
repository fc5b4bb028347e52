package deps_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/CZERTAINLY/Agent/internal/deps"

	"github.com/stretchr/testify/require"
)

func TestLocalManager(t *testing.T) {
	t.Parallel()
	cache := t.TempDir()

	mavenPath := filepath.Join(cache, "maven", "com", "example", "lib", "1.0", "lib-1.0.jar")
	require.NoError(t, os.MkdirAll(filepath.Dir(mavenPath), 0o755))
	require.NoError(t, os.WriteFile(mavenPath, []byte("jar"), 0o644))

	local := filepath.Join(t.TempDir(), "local.jar")
	require.NoError(t, os.WriteFile(local, []byte("jar"), 0o644))

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("downloaded"))
	}))
	t.Cleanup(srv.Close)

	m := deps.NewLocalManager(cache, srv.Client())
	require.Equal(t, cache, m.CacheDir())

	uris := []deps.URI{
		"maven://com.example:lib:1.0",
		deps.URI(local),
		deps.URI("file://" + local),
		deps.URI(srv.URL + "/files/remote.jar"),
	}
	got, err := m.Resolve(t.Context(), uris)
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, mavenPath, got[0].Path)
	require.Equal(t, local, got[1].Path)
	require.Equal(t, local, got[2].Path)
	require.Equal(t, "remote.jar", filepath.Base(got[3].Path))
	b, err := os.ReadFile(got[3].Path)
	require.NoError(t, err)
	require.Equal(t, "downloaded", string(b))

	// downloads are written once
	again, err := m.Resolve(t.Context(), uris[3:])
	require.NoError(t, err)
	require.Equal(t, got[3].Path, again[0].Path)
	require.Equal(t, int32(1), hits.Load())

	require.Equal(t, slices.Sorted(slices.Values([]string{got[3].Path, local, mavenPath})), deps.Paths(got))
}

func TestLocalManager_Errors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	m := deps.NewLocalManager(t.TempDir(), srv.Client())

	_, err := m.Resolve(t.Context(), []deps.URI{"maven://com.example:missing:1.0"})
	require.ErrorIs(t, err, deps.ErrNotCached)

	_, err = m.Resolve(t.Context(), []deps.URI{"s3://bucket/lib.jar"})
	require.ErrorIs(t, err, deps.ErrUnsupportedScheme)

	_, err = m.Resolve(t.Context(), []deps.URI{deps.URI(srv.URL + "/missing.jar")})
	require.ErrorContains(t, err, "unexpected status")
}

func TestStoreList(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	paths := deps.Paths([]deps.Resolved{
		{URI: "b", Path: "/deps/b.jar"},
		{URI: "a", Path: "/deps/a.jar"},
		{URI: "a2", Path: "/deps/a.jar"},
	})
	require.Equal(t, []string{"/deps/a.jar", "/deps/b.jar"}, paths)

	first, err := deps.StoreList(dir, paths)
	require.NoError(t, err)
	require.Equal(t, deps.ListExt, filepath.Ext(first))
	b, err := os.ReadFile(first)
	require.NoError(t, err)
	require.Equal(t, "/deps/a.jar\n/deps/b.jar\n", string(b))

	// an existing list is never rewritten
	const sentinel = "sentinel\n"
	require.NoError(t, os.WriteFile(first, []byte(sentinel), 0o644))
	second, err := deps.StoreList(dir, paths)
	require.NoError(t, err)
	require.Equal(t, first, second)
	b, err = os.ReadFile(second)
	require.NoError(t, err)
	require.Equal(t, sentinel, string(b))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
