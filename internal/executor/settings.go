package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/CZERTAINLY/Agent/internal/fsutil"
	"github.com/CZERTAINLY/Agent/internal/model"

	"github.com/google/uuid"
)

const (
	// PayloadDir is the directory of the payload inside a process directory.
	PayloadDir = "payload"
	// InstanceIDFile marks the payload with the instance id of its job.
	InstanceIDFile = "_instanceId"
	// AttachmentsDir collects the files a job wants to hand over.
	AttachmentsDir = "_attachments"
	// AgentParamsFile carries the runtime parameters requested by a payload.
	AgentParamsFile = "_agent.json"
	// ExtraVolumesFile lists the extra docker volumes for the runtime.
	ExtraVolumesFile = ".extraDockerVolumes"
	// LibDir holds payload provided libraries.
	LibDir = "lib"

	EnvTmpDir          = "RUNNER_TMP_DIR"
	EnvAttachmentsDir  = "RUNNER_ATTACHMENTS_DIR"
	EnvDockerLocalMode = "RUNNER_DOCKER_LOCAL_MODE"
	EnvTxID            = "RUNNER_TX_ID"
	EnvDockerHost      = "DOCKER_HOST"
)

// Settings are the agent wide parameters of every launched runtime.
type Settings struct {
	AgentID     string
	APIURL      string
	JavaCmd     string
	JavaHome    string
	RuntimePath string
	EntryPoint  string
	Params      []string
	LogLevel    string
	Docker      model.Docker
	Dirs        model.Dirs
	// Environ is the base environment of launched processes, os.Environ()
	// when nil.
	Environ []string
}

// SettingsFromConfig maps the agent configuration.
func SettingsFromConfig(cfg model.Config, dirs model.Dirs) Settings {
	s := Settings{
		AgentID:     cfg.Agent.ID,
		JavaCmd:     cfg.Runner.JavaCmd,
		RuntimePath: cfg.Runner.RuntimePath,
		EntryPoint:  cfg.Runner.EntryPoint,
		Params:      cfg.Runner.Params,
		LogLevel:    cfg.Runner.LogLevel,
		Docker:      cfg.Docker,
		Dirs:        dirs,
	}
	if cfg.Agent.APIURL != nil {
		s.APIURL = *cfg.Agent.APIURL
	}
	if cfg.Runner.JavaHome != nil {
		s.JavaHome = *cfg.Runner.JavaHome
	}
	return s
}

// runnerConfig is read by the flow runtime on start.
type runnerConfig struct {
	AgentID      string             `json:"agentId"`
	Debug        bool               `json:"debug"`
	LogLevel     string             `json:"logLevel"`
	API          runnerAPI          `json:"api"`
	Docker       runnerDocker       `json:"docker"`
	Dependencies runnerDependencies `json:"dependencies"`
}

type runnerAPI struct {
	BaseURL string `json:"baseUrl,omitempty"`
}

type runnerDocker struct {
	ExtraVolumes       []string `json:"extraVolumes,omitempty"`
	ExposeDockerDaemon bool     `json:"exposeDockerDaemon"`
}

type runnerDependencies struct {
	CacheDir string `json:"cacheDir"`
	ListFile string `json:"listFile,omitempty"`
}

func (s Settings) runnerConfig(job model.Job, pc model.ProcessConfig, listFile string) runnerConfig {
	return runnerConfig{
		AgentID:  s.AgentID,
		Debug:    job.Debug || pc.Debug,
		LogLevel: strings.ToUpper(s.logLevel(pc)),
		API:      runnerAPI{BaseURL: s.APIURL},
		Docker: runnerDocker{
			ExtraVolumes:       s.Docker.ExtraVolumes,
			ExposeDockerDaemon: s.Docker.ExposeDaemon,
		},
		Dependencies: runnerDependencies{
			CacheDir: s.Dirs.DependencyCache,
			ListFile: listFile,
		},
	}
}

// storeRunnerConfig writes cfg into dir named by the hash of its content.
// Identical configurations share one file.
func storeRunnerConfig(dir string, cfg runnerConfig) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling runner configuration: %w", err)
	}
	p, err := fsutil.StoreOnce(dir, ".json", b)
	if err != nil {
		return "", fmt.Errorf("storing runner configuration: %w", err)
	}
	return p, nil
}

func (s Settings) logLevel(pc model.ProcessConfig) string {
	if pc.Runner.LogLevel != "" {
		return pc.Runner.LogLevel
	}
	return s.LogLevel
}

type agentParams struct {
	JVMArgs []string `json:"jvmArgs"`
}

// params returns the runtime parameters: those of the payload _agent.json
// first, then the job requirements, then the agent defaults.
func (s Settings) params(payloadDir string, pc model.ProcessConfig) ([]string, error) {
	b, err := os.ReadFile(filepath.Join(payloadDir, AgentParamsFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", AgentParamsFile, err)
	default:
		var p agentParams
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, &model.ConfigError{Msg: "invalid " + AgentParamsFile, Err: err}
		}
		if len(p.JVMArgs) > 0 {
			return p.JVMArgs, nil
		}
	}
	if args := pc.Requirements.JVM.ExtraArgs; len(args) > 0 {
		return args, nil
	}
	return s.Params, nil
}

// extraVolumesFile returns the name of the extra volumes file relative to
// the payload, or an empty string when no volumes are configured.
func (s Settings) extraVolumesFile() string {
	if len(s.Docker.ExtraVolumes) == 0 {
		return ""
	}
	return ExtraVolumesFile
}

func (s Settings) writeExtraVolumes(payloadDir string) error {
	if len(s.Docker.ExtraVolumes) == 0 {
		return nil
	}
	data := strings.Join(s.Docker.ExtraVolumes, "\n") + "\n"
	return os.WriteFile(filepath.Join(payloadDir, ExtraVolumesFile), []byte(data), 0644)
}

// environ returns the environment of a process living in procDir.
func (s Settings) environ(procDir, payloadDir string) ([]string, error) {
	tmp := filepath.Join(procDir, "tmp")
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return nil, fmt.Errorf("creating tmp dir: %w", err)
	}
	env := s.Environ
	if env == nil {
		env = os.Environ()
	}
	// RUNNER_DOCKER_LOCAL_MODE is passed through only when the agent has it
	ret := make([]string, 0, len(env)+2)
	ret = append(ret, env...)
	return append(ret,
		EnvTmpDir+"="+tmp,
		EnvAttachmentsDir+"="+filepath.Join(payloadDir, AttachmentsDir),
	), nil
}

func writeInstanceID(payloadDir string, id uuid.UUID) error {
	err := os.WriteFile(filepath.Join(payloadDir, InstanceIDFile), []byte(id.String()), 0644)
	if err != nil {
		return fmt.Errorf("writing instance id: %w", err)
	}
	return nil
}
