// Package policy evaluates dependency rules shipped with a payload.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// File is the location of the rules inside a payload.
var File = filepath.Join(".runner", "policy.json")

// Rule matches dependency URIs with a doublestar glob Pattern, for example
// maven://com.example:** or https://repo.example.com/**.
type Rule struct {
	Msg     string `json:"msg,omitempty"`
	Pattern string `json:"pattern"`
}

func (r Rule) Match(dependency string) bool {
	ok, err := doublestar.Match(r.Pattern, dependency)
	return err == nil && ok
}

// DependencyRules are evaluated in order allow, deny, warn. An allowed
// dependency is never denied nor warned about.
type DependencyRules struct {
	Allow []Rule `json:"allow,omitempty"`
	Warn  []Rule `json:"warn,omitempty"`
	Deny  []Rule `json:"deny,omitempty"`
}

type DependencyVersion struct {
	Artifact string `json:"artifact"`
	Version  string `json:"version"`
}

type Rules struct {
	Dependency         DependencyRules     `json:"dependency"`
	DependencyVersions []DependencyVersion `json:"dependencyVersions,omitempty"`
}

// Load reads the rules of the payload. It returns nil and no error when the
// payload has no rules.
func Load(payloadDir string) (*Rules, error) {
	b, err := os.ReadFile(filepath.Join(payloadDir, File))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rules Rules
	if err := json.Unmarshal(b, &rules); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", File, err)
	}
	for _, r := range rules.all() {
		if !doublestar.ValidatePattern(r.Pattern) {
			return nil, fmt.Errorf("invalid dependency rule pattern %q", r.Pattern)
		}
	}
	return &rules, nil
}

func (r *Rules) all() []Rule {
	ret := make([]Rule, 0, len(r.Dependency.Allow)+len(r.Dependency.Warn)+len(r.Dependency.Deny))
	ret = append(ret, r.Dependency.Allow...)
	ret = append(ret, r.Dependency.Warn...)
	ret = append(ret, r.Dependency.Deny...)
	return ret
}

// Match is a dependency matched by a rule.
type Match struct {
	Dependency string
	Rule       Rule
}

type Result struct {
	Warn []Match
	Deny []Match
}

// Check evaluates the dependencies. A nil *Rules allows everything.
func (r *Rules) Check(dependencies []string) Result {
	var ret Result
	if r == nil {
		return ret
	}
	for _, d := range dependencies {
		if _, ok := first(r.Dependency.Allow, d); ok {
			continue
		}
		if rule, ok := first(r.Dependency.Deny, d); ok {
			ret.Deny = append(ret.Deny, Match{Dependency: d, Rule: rule})
			continue
		}
		if rule, ok := first(r.Dependency.Warn, d); ok {
			ret.Warn = append(ret.Warn, Match{Dependency: d, Rule: rule})
		}
	}
	return ret
}

// DefaultVersions maps artifacts to their default version.
func (r *Rules) DefaultVersions() map[string]string {
	if r == nil {
		return nil
	}
	ret := make(map[string]string, len(r.DependencyVersions))
	for _, v := range r.DependencyVersions {
		ret[v.Artifact] = v.Version
	}
	return ret
}

func first(rules []Rule, dependency string) (Rule, bool) {
	for _, r := range rules {
		if r.Match(dependency) {
			return r, true
		}
	}
	return Rule{}, false
}
