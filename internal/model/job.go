package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/CZERTAINLY/Agent/internal/joblog"
	"github.com/CZERTAINLY/Agent/internal/policy"

	"github.com/google/uuid"
)

// ProcessConfigFile holds the process configuration inside a payload.
const ProcessConfigFile = "_main.json"

// Job is a unit of work handed to the executor. It is immutable, use
// WithDependencies to attach the resolved dependency list.
type Job struct {
	InstanceID   uuid.UUID
	PayloadDir   string
	ProcessCfg   map[string]any
	Debug        bool
	Log          *joblog.Log
	Policy       *policy.Rules
	Dependencies []string
}

// WithDependencies returns a copy of the job carrying paths.
func (j Job) WithDependencies(paths []string) Job {
	j.Dependencies = slices.Clone(paths)
	return j
}

// LoadJob reads the process configuration and the dependency policy of the
// payload in dir. A payload without _main.json has an empty configuration.
func LoadJob(id uuid.UUID, dir string, log *joblog.Log) (Job, error) {
	cfg := map[string]any{}
	b, err := os.ReadFile(filepath.Join(dir, ProcessConfigFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Job{}, fmt.Errorf("reading %s: %w", ProcessConfigFile, err)
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Job{}, &ConfigError{Msg: "invalid " + ProcessConfigFile, Err: err}
		}
	}

	rules, err := policy.Load(dir)
	if err != nil {
		return Job{}, &ConfigError{Msg: "invalid dependency policy", Err: err}
	}

	debug, _ := cfg["debug"].(bool)
	return Job{
		InstanceID: id,
		PayloadDir: dir,
		ProcessCfg: cfg,
		Debug:      debug,
		Log:        log,
		Policy:     rules,
	}, nil
}
