// Package deps turns the dependency URIs declared by a job into local files:
// it normalizes the URIs, pins the versions and resolves them to paths.
package deps

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	SchemeMaven      = "maven"
	SchemeMavenAlias = "mvn"
	LatestVersion    = "latest"
)

// URI is a dependency reference: maven://group:artifact:version,
// http(s)://, file:// or a bare path of an archive.
type URI string

// Scheme returns the lower cased scheme or an empty string for bare paths.
func (u URI) Scheme() string {
	scheme, _, ok := strings.Cut(string(u), "://")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}

func (u URI) IsMaven() bool {
	s := u.Scheme()
	return s == SchemeMaven || s == SchemeMavenAlias
}

// IsArchive reports whether the path of the URI ends with a known archive
// suffix. Such URIs are used as they are.
func (u URI) IsArchive() bool {
	s, _, _ := strings.Cut(string(u), "?")
	s = strings.ToLower(s)
	for _, suffix := range []string{".jar", ".zip"} {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// Maven is a parsed maven:// URI. ID holds everything but the version,
// so group:artifact or group:artifact:type:classifier.
type Maven struct {
	ID      string
	Version string
	Query   string
}

func ParseMaven(u URI) (Maven, error) {
	if !u.IsMaven() {
		return Maven{}, fmt.Errorf("not a maven dependency: %s", u)
	}
	_, rest, _ := strings.Cut(string(u), "://")
	rest, query, _ := strings.Cut(rest, "?")
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i+1 >= len(rest) || !strings.Contains(rest[:i], ":") {
		return Maven{}, fmt.Errorf("invalid artifact ID format: %s", rest)
	}
	return Maven{
		ID:      rest[:i],
		Version: rest[i+1:],
		Query:   query,
	}, nil
}

func (m Maven) IsLatest() bool {
	return strings.EqualFold(m.Version, LatestVersion)
}

// Coordinates returns group, artifact, type and classifier.
func (m Maven) Coordinates() (group, artifact, typ, classifier string) {
	parts := strings.Split(m.ID, ":")
	group, artifact, typ = parts[0], parts[1], "jar"
	if len(parts) > 2 && parts[2] != "" {
		typ = parts[2]
	}
	if len(parts) > 3 {
		classifier = parts[3]
	}
	return
}

func (m Maven) URI() URI {
	s := SchemeMaven + "://" + m.ID + ":" + m.Version
	if m.Query != "" {
		s += "?" + m.Query
	}
	return URI(s)
}

// parseURL validates http(s) and file URIs.
func parseURL(u URI) (*url.URL, error) {
	ret, err := url.Parse(string(u))
	if err != nil {
		return nil, err
	}
	if ret.Scheme == "" {
		return nil, fmt.Errorf("missing URL scheme: %s", u)
	}
	return ret, nil
}
