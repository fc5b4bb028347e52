package deps_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Agent/internal/deps"
	"github.com/CZERTAINLY/Agent/internal/model"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/middle", http.StatusFound)
	})
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final/lib", http.StatusPermanentRedirect)
	})
	mux.HandleFunc("/final/lib", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("PK"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	r := deps.NewResolver(deps.WithHTTPClient(srv.Client()))
	got, err := r.Normalize(t.Context(), []string{
		srv.URL + "/start",
		"mvn://com.example:lib:1.0",
		"maven://com.example:lib:1.0",
		srv.URL + "/never/requested.jar",
		"/opt/deps/local.jar",
		"file:///opt/deps/other",
		"",
	})
	require.NoError(t, err)
	require.Equal(t, []deps.URI{
		"/opt/deps/local.jar",
		"file:///opt/deps/other",
		deps.URI(srv.URL + "/final/lib"),
		deps.URI(srv.URL + "/never/requested.jar"),
		"maven://com.example:lib:1.0",
	}, got)
}

func TestNormalize_TooManyRedirects(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	r := deps.NewResolver(deps.WithHTTPClient(srv.Client()), deps.WithMaxRedirects(3))
	_, err := r.Normalize(t.Context(), []string{srv.URL + "/loop"})
	require.Error(t, err)
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorContains(t, err, "too many redirects")
}

func TestNormalize_Invalid(t *testing.T) {
	t.Parallel()
	r := deps.NewResolver()
	for _, given := range []string{"lib/without/scheme", "maven://onlyartifact:1.0", "mvn://g:a:"} {
		_, err := r.Normalize(t.Context(), []string{given})
		var cfgErr *model.ConfigError
		require.ErrorAs(t, err, &cfgErr, given)
	}
}

func TestResolve_Latest(t *testing.T) {
	t.Parallel()
	payload := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(payload, ".runner"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(payload, deps.VersionsFile),
		[]byte("com.example\\:pinned = 1.2.3\n"),
		0o644,
	))

	versions, err := deps.LoadVersions(payload, map[string]string{
		"com.example:pinned":  "0.0.1",
		"com.example:default": "2.0.0",
	})
	require.NoError(t, err)

	r := deps.NewResolver()
	got, err := r.Resolve(t.Context(), []string{
		"mvn://com.example:pinned:latest",
		"maven://com.example:default:LATEST",
		"maven://com.example:fixed:3.0",
	}, versions)
	require.NoError(t, err)
	require.Equal(t, []deps.URI{
		"maven://com.example:default:2.0.0",
		"maven://com.example:fixed:3.0",
		"maven://com.example:pinned:1.2.3",
	}, got)

	_, err = r.Resolve(t.Context(), []string{"maven://com.example:unknown:latest"}, versions)
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.EqualError(t, err, "Unofficial dependency 'com.example:unknown': version is required")
}

func TestLoadVersions_Missing(t *testing.T) {
	t.Parallel()
	v, err := deps.LoadVersions(t.TempDir(), map[string]string{"g:a": "1"})
	require.NoError(t, err)
	version, ok := v.Lookup("g:a")
	require.True(t, ok)
	require.Equal(t, "1", version)
	_, ok = v.Lookup("g:b")
	require.False(t, ok)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	bundled, err := deps.LoadDefaults("")
	require.NoError(t, err)
	require.NotEmpty(t, bundled)
	for _, u := range bundled {
		require.True(t, u.IsMaven(), u)
	}

	path := filepath.Join(t.TempDir(), "defaults.txt")
	require.NoError(t, os.WriteFile(path, []byte("# comment\n\nmvn://g:a:1\n  /opt/x.jar  \n"), 0o644))
	got, err := deps.LoadDefaults(path)
	require.NoError(t, err)
	require.Equal(t, []deps.URI{"mvn://g:a:1", "/opt/x.jar"}, got)

	_, err = deps.LoadDefaults(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
