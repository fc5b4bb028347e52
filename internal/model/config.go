package model

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	OutputDiscard = "discard"
	OutputStdout  = "stdout"
	OutputDir     = "dir"

	DefaultJavaCmd    = "java"
	DefaultEntryPoint = "runtime.Main"
	DefaultLogLevel   = "info"
	DefaultPoolSize   = 3
	DefaultPoolMaxAge = "PT30M"
	DefaultRedirects  = 10
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version      int          `json:"version" yaml:"version"` // fixed 0 for now
	Agent        Agent        `json:"agent" yaml:"agent"`
	Runner       Runner       `json:"runner" yaml:"runner"`
	Dependencies Dependencies `json:"dependencies" yaml:"dependencies"`
	Pool         Pool         `json:"pool" yaml:"pool"`
	Docker       Docker       `json:"docker" yaml:"docker"`
	Attachments  Attachments  `json:"attachments" yaml:"attachments"`
}

// Agent identifies the agent towards the server and the flow runtime.
type Agent struct {
	ID      string  `json:"id" yaml:"id"`
	APIURL  *string `json:"api_url,omitempty" yaml:"api_url,omitempty"`
	Log     string  `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	Verbose bool    `json:"verbose" yaml:"verbose"`
	JobLog  string  `json:"job_log" yaml:"job_log"` // "stdout"|"discard"|directory
	Metrics *string `json:"metrics,omitempty" yaml:"metrics,omitempty"` // listen address of /metrics
	Tracing *string `json:"tracing,omitempty" yaml:"tracing,omitempty"` // OTLP gRPC collector address
}

// Runner describes how the flow runtime is launched.
type Runner struct {
	JavaCmd           string   `json:"java_cmd" yaml:"java_cmd"`
	JavaHome          *string  `json:"java_home,omitempty" yaml:"java_home,omitempty"`
	RuntimePath       string   `json:"runtime_path" yaml:"runtime_path"`
	EntryPoint        string   `json:"entry_point" yaml:"entry_point"`
	Params            []string `json:"params,omitempty" yaml:"params,omitempty"`
	LogLevel          string   `json:"log_level" yaml:"log_level"`
	WorkDir           *string  `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	ConfigDir         *string  `json:"config_dir,omitempty" yaml:"config_dir,omitempty"`
	PersistentWorkDir *string  `json:"persistent_work_dir,omitempty" yaml:"persistent_work_dir,omitempty"`
	BOM               bool     `json:"bom" yaml:"bom"`
}

type Dependencies struct {
	CacheDir     *string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`
	ListsDir     *string `json:"lists_dir,omitempty" yaml:"lists_dir,omitempty"`
	DefaultsFile *string `json:"defaults_file,omitempty" yaml:"defaults_file,omitempty"`
	MaxRedirects int     `json:"max_redirects" yaml:"max_redirects"`
}

type Pool struct {
	MaxSize     int       `json:"max_size" yaml:"max_size"`
	MaxAge      string    `json:"max_age" yaml:"max_age"` // ISO-8601 duration
	Maintenance *Schedule `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`
}

// Schedule is either a cron expression or an ISO-8601 duration.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type Docker struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Host         *string  `json:"host,omitempty" yaml:"host,omitempty"`
	ExposeDaemon bool     `json:"expose_daemon" yaml:"expose_daemon"`
	LocalMode    bool     `json:"local_mode" yaml:"local_mode"`
	ExtraVolumes []string `json:"extra_volumes,omitempty" yaml:"extra_volumes,omitempty"`
}

type Attachments struct {
	Output string  `json:"output" yaml:"output"` // "discard"|"stdout"|"dir"
	Dir    *string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	if err := out.check(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// check validates what the schema can't express.
func (c Config) check() error {
	if _, err := ParseISODuration(c.Pool.MaxAge); err != nil {
		return &ConfigError{Msg: "pool.max_age", Err: err}
	}
	if m := c.Pool.Maintenance; m != nil {
		if m.Cron != "" && m.Duration != "" {
			return &ConfigError{Msg: "pool.maintenance: cron and duration are mutually exclusive"}
		}
		if m.Cron != "" {
			if err := ParseCron(m.Cron); err != nil {
				return &ConfigError{Msg: "pool.maintenance.cron", Err: err}
			}
		}
		if m.Duration != "" {
			if _, err := ParseISODuration(m.Duration); err != nil {
				return &ConfigError{Msg: "pool.maintenance.duration", Err: err}
			}
		}
	}
	return nil
}

// DefaultConfig returns the configuration stored when no config file exists.
func DefaultConfig(ctx context.Context) Config {
	id, err := os.Hostname()
	if err != nil || id == "" {
		slog.WarnContext(ctx, "can't determine hostname, using default agent id", "error", err)
		id = "agent"
	}
	runtimePath := filepath.Join(defaultDataDir(ctx), "runtime", "runtime.jar")
	return Config{
		Agent: Agent{
			ID:     id,
			Log:    LogStderr,
			JobLog: LogStdout,
		},
		Runner: Runner{
			JavaCmd:     DefaultJavaCmd,
			RuntimePath: runtimePath,
			EntryPoint:  DefaultEntryPoint,
			LogLevel:    DefaultLogLevel,
		},
		Dependencies: Dependencies{
			MaxRedirects: DefaultRedirects,
		},
		Pool: Pool{
			MaxSize: DefaultPoolSize,
			MaxAge:  DefaultPoolMaxAge,
		},
		Docker: Docker{
			LocalMode: true,
		},
		Attachments: Attachments{
			Output: OutputDiscard,
		},
	}
}

// Dirs are the resolved directories the agent works with.
type Dirs struct {
	Work              string // process directories
	JobLogs           string // spool files of job logs
	RunnerConfig      string // content-addressed runtime configuration
	DependencyCache   string
	DependencyLists   string
	PersistentWorkDir string // empty if disabled
}

// ResolveDirs fills unset directories with locations under the user cache dir.
func (c Config) ResolveDirs(ctx context.Context) Dirs {
	base := defaultDataDir(ctx)
	pick := func(p *string, def string) string {
		if p != nil && *p != "" {
			return *p
		}
		return filepath.Join(base, def)
	}
	d := Dirs{
		Work:            pick(c.Runner.WorkDir, "work"),
		JobLogs:         filepath.Join(base, "logs"),
		RunnerConfig:    pick(c.Runner.ConfigDir, "runner"),
		DependencyCache: pick(c.Dependencies.CacheDir, "deps"),
		DependencyLists: pick(c.Dependencies.ListsDir, "lists"),
	}
	if c.Runner.PersistentWorkDir != nil {
		d.PersistentWorkDir = *c.Runner.PersistentWorkDir
	}
	return d
}

// MaintenanceInterval returns the fixed interval of the pool maintenance,
// zero when a cron expression is configured or nothing is set.
func (p Pool) MaintenanceInterval() (time.Duration, error) {
	if p.Maintenance == nil || p.Maintenance.Duration == "" {
		return 0, nil
	}
	d, err := ParseISODuration(p.Maintenance.Duration)
	if err != nil {
		return 0, fmt.Errorf("pool.maintenance.duration: %w", err)
	}
	return d, nil
}

func defaultDataDir(ctx context.Context) string {
	d, err := os.UserCacheDir()
	if err != nil {
		slog.WarnContext(ctx, "can't determine user cache dir, using temp dir", "error", err)
		d = os.TempDir()
	}
	return filepath.Join(d, "czertainly-agent")
}
