package deps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/CZERTAINLY/Agent/internal/parallel"
)

var (
	ErrNotCached         = errors.New("dependency not in the cache")
	ErrUnsupportedScheme = errors.New("unsupported dependency scheme")
)

// Resolved is a dependency URI with its local file.
type Resolved struct {
	URI  URI
	Path string
}

// Manager resolves dependency URIs to local absolute paths. The returned
// slice follows the order of uris.
type Manager interface {
	Resolve(ctx context.Context, uris []URI) ([]Resolved, error)
}

// LocalManager resolves dependencies from the local cache directory.
// http(s) dependencies are downloaded into the cache once, maven
// dependencies must already be present in the maven layout of the cache.
type LocalManager struct {
	cacheDir    string
	client      *http.Client
	parallelism int
}

func NewLocalManager(cacheDir string, client *http.Client) *LocalManager {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &LocalManager{
		cacheDir:    cacheDir,
		client:      client,
		parallelism: 4,
	}
}

func (m *LocalManager) CacheDir() string {
	return m.cacheDir
}

func (m *LocalManager) Resolve(ctx context.Context, uris []URI) ([]Resolved, error) {
	return parallel.Map(ctx, m.parallelism, uris, m.resolve)
}

func (m *LocalManager) resolve(ctx context.Context, u URI) (Resolved, error) {
	var p string
	var err error
	switch scheme := u.Scheme(); {
	case u.IsMaven():
		p, err = m.maven(u)
	case scheme == "":
		p, err = existing(string(u))
	case scheme == "file":
		parsed, perr := parseURL(u)
		if perr != nil {
			return Resolved{}, perr
		}
		p, err = existing(parsed.Path)
	case scheme == "http" || scheme == "https":
		p, err = m.download(ctx, u)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedScheme, u)
	}
	if err != nil {
		return Resolved{}, fmt.Errorf("resolving %s: %w", u, err)
	}
	return Resolved{URI: u, Path: p}, nil
}

// maven returns the path in the repository layout
// <group as dirs>/<artifact>/<version>/<artifact>-<version>[-<classifier>].<type>
func (m *LocalManager) maven(u URI) (string, error) {
	art, err := ParseMaven(u)
	if err != nil {
		return "", err
	}
	group, artifact, typ, classifier := art.Coordinates()
	name := artifact + "-" + art.Version
	if classifier != "" {
		name += "-" + classifier
	}
	p := filepath.Join(
		m.cacheDir,
		"maven",
		filepath.FromSlash(strings.ReplaceAll(group, ".", "/")),
		artifact,
		art.Version,
		name+"."+typ,
	)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotCached, p)
	}
	return p, nil
}

func (m *LocalManager) download(ctx context.Context, u URI) (string, error) {
	sum := sha256.Sum256([]byte(u))
	dir := filepath.Join(m.cacheDir, "url", hex.EncodeToString(sum[:8]))
	name := path.Base(strings.SplitN(string(u), "?", 2)[0])
	if name == "" || name == "." || name == "/" {
		name = "dependency"
	}
	target := filepath.Join(dir, name)
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, string(u), nil)
	if err != nil {
		return "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading: unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		return "", fmt.Errorf("downloading: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", err
	}
	slog.DebugContext(ctx, "dependency downloaded", "uri", string(u), "path", target, "size", n)
	return target, nil
}

func existing(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return abs, nil
}
