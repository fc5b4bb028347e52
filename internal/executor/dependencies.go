package executor

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/Agent/internal/deps"
	"github.com/CZERTAINLY/Agent/internal/model"
)

// resolveDependencies returns the sorted local paths of the default and the
// job dependencies.
func (e *Executor) resolveDependencies(ctx context.Context, job model.Job, pc model.ProcessConfig) ([]deps.URI, []string, error) {
	log := job.Log
	log.Infof("Resolving process dependencies...")
	started := time.Now()

	versions, err := deps.LoadVersions(job.PayloadDir, job.Policy.DefaultVersions())
	if err != nil {
		return nil, nil, err
	}
	// only the job URIs are normalized, the defaults are used as configured
	jobURIs, err := e.resolver.Resolve(ctx, pc.Dependencies, versions)
	if err != nil {
		return nil, nil, err
	}
	uris := mergeURIs(e.cfg.DefaultDependencies, jobURIs)
	resolved, err := e.manager.Resolve(ctx, uris)
	if err != nil {
		return nil, nil, &model.ConfigError{Msg: "Error while resolving dependencies", Err: err}
	}
	paths := deps.Paths(resolved)

	switch {
	case len(paths) == 0:
		log.Infof("No external dependencies.")
	case job.Debug:
		log.Infof("Dependencies: \n\t%s", strings.Join(paths, "\n\t"))
		log.Infof("Dependency resolution took %dms", time.Since(started).Milliseconds())
	default:
		s := make([]string, len(uris))
		for i, u := range uris {
			s[i] = string(u)
		}
		log.Infof("Dependencies: \n\t%s", strings.Join(s, "\n\t"))
	}
	return uris, paths, nil
}

// mergeURIs returns the sorted set of defaults and uris.
func mergeURIs(defaults, uris []deps.URI) []deps.URI {
	ret := make([]deps.URI, 0, len(defaults)+len(uris))
	ret = append(ret, defaults...)
	ret = append(ret, uris...)
	slices.Sort(ret)
	return slices.Compact(ret)
}

// checkPolicy logs every warned and denied dependency. Any denied one
// fails the job.
func checkPolicy(job model.Job, uris []deps.URI) error {
	if job.Policy == nil {
		return nil
	}
	s := make([]string, len(uris))
	for i, u := range uris {
		s[i] = string(u)
	}
	res := job.Policy.Check(s)
	for _, m := range res.Warn {
		job.Log.Warnf("Potentially restricted artifact '%s' (dependency policy: %s)", m.Dependency, m.Rule.Msg)
	}
	if len(res.Deny) == 0 {
		return nil
	}
	denied := make([]string, len(res.Deny))
	for i, m := range res.Deny {
		job.Log.Errorf("Artifact '%s' is forbidden by the dependency policy: %s", m.Dependency, m.Rule.Msg)
		denied[i] = m.Dependency
	}
	return &model.PolicyError{Denied: denied}
}
