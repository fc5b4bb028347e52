package deps

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/Agent/internal/model"
)

const DefaultMaxRedirects = 10

// Resolver normalizes the dependency URIs of a job.
type Resolver struct {
	client       *http.Client
	maxRedirects int
}

type ResolverOption func(*Resolver)

// WithHTTPClient uses a copy of the client. Redirects are always followed by
// the Resolver itself, one hop at a time.
func WithHTTPClient(client *http.Client) ResolverOption {
	return func(r *Resolver) {
		c := *client
		r.client = &c
	}
}

func WithMaxRedirects(n int) ResolverOption {
	return func(r *Resolver) {
		r.maxRedirects = n
	}
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		client:       &http.Client{Timeout: 30 * time.Second},
		maxRedirects: DefaultMaxRedirects,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return r
}

// Resolve normalizes raw and replaces the latest versions of maven
// dependencies using versions.
func (r *Resolver) Resolve(ctx context.Context, raw []string, versions Versions) ([]URI, error) {
	uris, err := r.Normalize(ctx, raw)
	if err != nil {
		return nil, err
	}
	return versions.Rewrite(uris)
}

// Normalize returns the sorted set of the URIs. Maven URIs and archives are
// kept as they are, other http(s) URLs are replaced by the target of their
// redirects.
func (r *Resolver) Normalize(ctx context.Context, raw []string) ([]URI, error) {
	set := make(map[URI]struct{}, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		u, err := r.normalize(ctx, URI(s))
		if err != nil {
			return nil, &model.ConfigError{Msg: "Error while reading the list of dependencies", Err: err}
		}
		set[u] = struct{}{}
	}

	ret := make([]URI, 0, len(set))
	for u := range set {
		ret = append(ret, u)
	}
	slices.Sort(ret)
	return ret, nil
}

func (r *Resolver) normalize(ctx context.Context, u URI) (URI, error) {
	if u.IsMaven() {
		m, err := ParseMaven(u)
		if err != nil {
			return "", err
		}
		return m.URI(), nil
	}

	scheme := u.Scheme()
	if scheme == "" {
		if u.IsArchive() {
			return u, nil
		}
		return "", fmt.Errorf("invalid dependency URL, missing URL scheme: %s", u)
	}
	if u.IsArchive() {
		return u, nil
	}
	if scheme != "http" && scheme != "https" {
		if _, err := parseURL(u); err != nil {
			return "", err
		}
		return u, nil
	}
	return r.follow(ctx, u)
}

// follow resolves the redirect chain of an http(s) URL
func (r *Resolver) follow(ctx context.Context, u URI) (URI, error) {
	cur, err := parseURL(u)
	if err != nil {
		return "", err
	}

	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cur.String(), nil)
		if err != nil {
			return "", err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("checking %s: %w", cur, err)
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		default:
			return URI(cur.String()), nil
		}

		if hop >= r.maxRedirects {
			return "", fmt.Errorf("too many redirects for %s", u)
		}
		location := resp.Header.Get("Location")
		if location == "" {
			return "", fmt.Errorf("redirect without a location: %s", cur)
		}
		next, err := cur.Parse(location)
		if err != nil {
			return "", fmt.Errorf("parsing redirect location %q: %w", location, err)
		}
		slog.InfoContext(ctx, "dependency redirect", "from", cur.String(), "to", next.String(), "status", resp.StatusCode)
		cur = next
	}
}
