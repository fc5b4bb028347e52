package executor

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/CZERTAINLY/Agent/internal/command"
	"github.com/CZERTAINLY/Agent/internal/deps"
	"github.com/CZERTAINLY/Agent/internal/fsutil"
	"github.com/CZERTAINLY/Agent/internal/model"
	"github.com/CZERTAINLY/Agent/internal/process"
)

// Paths inside the container.
const (
	ContainerWorkspace  = "/workspace"
	ContainerJavaDir    = "/opt/runner/java"
	ContainerRuntimeDir = "/opt/runner/runtime"
	ContainerDepsDir    = "/opt/runner/deps"

	// DepsStagingDir holds the dependencies copied into a process dir.
	DepsStagingDir = "deps"

	txIDLabel = "runnerTxId"
)

// ContainerStrategy runs every job in a new docker container. It is the
// only place translating host paths into container paths.
type ContainerStrategy struct {
	settings Settings
}

func NewContainerStrategy(settings Settings) *ContainerStrategy {
	return &ContainerStrategy{settings: settings}
}

func (c *ContainerStrategy) Start(ctx context.Context, job model.Job) (*Started, error) {
	pc, err := model.ParseProcessConfig(job.ProcessCfg)
	if err != nil {
		return nil, err
	}
	cc, err := pc.ContainerConfig()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(c.settings.Dirs.Work, 0755); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	dir, err := os.MkdirTemp(c.settings.Dirs.Work, "container")
	if err != nil {
		return nil, fmt.Errorf("creating process dir: %w", err)
	}

	started, err := c.start(ctx, job, pc, cc, dir)
	if err != nil {
		if rerr := os.RemoveAll(dir); rerr != nil {
			slog.WarnContext(ctx, "can't remove process dir", "dir", dir, "error", rerr)
		}
		return nil, err
	}
	return started, nil
}

func (c *ContainerStrategy) start(ctx context.Context, job model.Job, pc model.ProcessConfig, cc model.ContainerConfig, dir string) (*Started, error) {
	payload := filepath.Join(dir, PayloadDir)
	if err := fsutil.Move(job.PayloadDir, payload); err != nil {
		return nil, fmt.Errorf("moving payload: %w", err)
	}
	if err := writeInstanceID(payload, job.InstanceID); err != nil {
		return nil, err
	}
	if err := c.settings.writeExtraVolumes(payload); err != nil {
		return nil, fmt.Errorf("writing extra volumes: %w", err)
	}

	staged, err := c.stage(dir, job.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("staging dependencies: %w", err)
	}
	listFile, err := deps.StoreList(c.settings.Dirs.DependencyLists, staged)
	if err != nil {
		return nil, fmt.Errorf("storing dependency list: %w", err)
	}
	rc := c.settings.runnerConfig(job, pc, path.Join(ContainerDepsDir, filepath.Base(listFile)))
	cfgPath, err := storeRunnerConfig(dir, rc)
	if err != nil {
		return nil, err
	}
	params, err := c.settings.params(payload, pc)
	if err != nil {
		return nil, err
	}

	javaCmd := c.settings.JavaCmd
	if c.settings.JavaHome != "" {
		javaCmd = path.Join(ContainerJavaDir, "bin", "java")
	}
	rt := command.Runtime{
		JavaCmd:            javaCmd,
		Params:             params,
		WorkDir:            path.Join(ContainerWorkspace, PayloadDir),
		LogLevel:           c.settings.logLevel(pc),
		ExtraVolumesFile:   c.settings.extraVolumesFile(),
		ExposeDockerDaemon: c.settings.Docker.ExposeDaemon,
		ClassPath:          path.Join(ContainerRuntimeDir, filepath.Base(c.settings.RuntimePath)),
		EntryPoint:         c.settings.EntryPoint,
		ConfigPath:         path.Join(ContainerWorkspace, filepath.Base(cfgPath)),
	}
	args, err := rt.Build()
	if err != nil {
		return nil, err
	}

	argv, err := c.docker(job, cc, dir, args).Build()
	if err != nil {
		return nil, err
	}
	env, err := c.settings.environ(dir, payload)
	if err != nil {
		return nil, err
	}
	proc, err := process.Start(ctx, process.Command{
		Path: argv[0],
		Args: argv[1:],
		Dir:  dir,
		Env:  env,
	})
	if err != nil {
		return nil, err
	}
	return &Started{Proc: proc, Dir: dir, PayloadDir: payload}, nil
}

// docker describes the container of a job living in dir.
func (c *ContainerStrategy) docker(job model.Job, cc model.ContainerConfig, dir string, args []string) command.Docker {
	volumes := []command.Volume{
		{Host: dir, Container: ContainerWorkspace},
	}
	if c.settings.JavaHome != "" {
		volumes = append(volumes, command.Volume{Host: c.settings.JavaHome, Container: ContainerJavaDir, ReadOnly: true})
	}
	volumes = append(volumes,
		command.Volume{Host: filepath.Dir(c.settings.RuntimePath), Container: ContainerRuntimeDir, ReadOnly: true},
		command.Volume{Host: c.settings.Dirs.DependencyLists, Container: ContainerDepsDir, ReadOnly: true},
		command.Volume{Host: c.settings.Dirs.DependencyCache, Container: c.settings.Dirs.DependencyCache, ReadOnly: true},
		command.Volume{Host: dir, Container: dir},
	)

	env := maps.Clone(cc.Env)
	if env == nil {
		env = make(map[string]string, 2)
	}
	env[EnvTxID] = job.InstanceID.String()
	if h := c.dockerHost(); h != "" {
		env[EnvDockerHost] = h
	}

	return command.Docker{
		Image:        cc.Image,
		ForcePull:    true,
		HostUser:     c.settings.Docker.LocalMode,
		HostNetwork:  true,
		Volumes:      volumes,
		ExtraVolumes: c.settings.Docker.ExtraVolumes,
		Env:          env,
		Labels:       map[string]string{txIDLabel: job.InstanceID.String()},
		CPU:          cc.CPU,
		Memory:       cc.RAM,
		Options:      cc.Options,
		Args:         args,
	}
}

func (c *ContainerStrategy) dockerHost() string {
	if c.settings.Docker.Host != nil {
		return *c.settings.Docker.Host
	}
	return os.Getenv(EnvDockerHost)
}

// stage copies the dependencies into dir and returns their container
// paths. A dependency keeps its path relative to the cache dir, others
// are staged by their base name.
func (c *ContainerStrategy) stage(dir string, paths []string) ([]string, error) {
	ret := make([]string, 0, len(paths))
	for _, p := range paths {
		rel := stagedName(c.settings.Dirs.DependencyCache, p)
		if err := fsutil.CopyFile(p, filepath.Join(dir, DepsStagingDir, rel)); err != nil {
			return nil, err
		}
		ret = append(ret, path.Join(ContainerWorkspace, DepsStagingDir, filepath.ToSlash(rel)))
	}
	return ret, nil
}

func stagedName(cacheDir, p string) string {
	rel, err := filepath.Rel(cacheDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Base(p)
	}
	return rel
}
