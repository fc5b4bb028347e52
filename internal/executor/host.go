package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/Agent/internal/command"
	"github.com/CZERTAINLY/Agent/internal/deps"
	"github.com/CZERTAINLY/Agent/internal/fsutil"
	"github.com/CZERTAINLY/Agent/internal/model"
	"github.com/CZERTAINLY/Agent/internal/pool"
	"github.com/CZERTAINLY/Agent/internal/process"
)

// Pool keeps pre-started runtimes keyed by the hash of their command line.
type Pool = pool.Pool[command.Key, *process.Process]

func NewPool(cfg pool.Config) *Pool {
	return pool.New[command.Key, *process.Process](cfg)
}

// HostStrategy runs the runtime directly on the host. Payloads which can
// share a pre-started runtime take one from the pool, the others get a
// fresh process.
type HostStrategy struct {
	settings Settings
	pool     *Pool
}

// NewHostStrategy returns a strategy using p for eligible payloads. A nil
// pool starts a new process for every job.
func NewHostStrategy(settings Settings, p *Pool) *HostStrategy {
	return &HostStrategy{settings: settings, pool: p}
}

func (h *HostStrategy) Start(ctx context.Context, job model.Job) (*Started, error) {
	pc, err := model.ParseProcessConfig(job.ProcessCfg)
	if err != nil {
		return nil, err
	}
	listFile, err := deps.StoreList(h.settings.Dirs.DependencyLists, job.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("storing dependency list: %w", err)
	}
	cfgPath, err := storeRunnerConfig(h.settings.Dirs.RunnerConfig, h.settings.runnerConfig(job, pc, listFile))
	if err != nil {
		return nil, err
	}
	params, err := h.settings.params(job.PayloadDir, pc)
	if err != nil {
		return nil, err
	}

	rt := command.Runtime{
		JavaCmd:            h.settings.JavaCmd,
		Params:             params,
		LogLevel:           h.settings.logLevel(pc),
		ExtraVolumesFile:   h.settings.extraVolumesFile(),
		ExposeDockerDaemon: h.settings.Docker.ExposeDaemon,
		ClassPath:          h.settings.RuntimePath,
		EntryPoint:         h.settings.EntryPoint,
		ConfigPath:         cfgPath,
	}

	if h.pool != nil && CanUsePool(job.PayloadDir) {
		return h.pooled(ctx, job, rt)
	}
	return h.oneTime(ctx, job, rt)
}

// CanUsePool reports whether a payload can run in a pre-started runtime.
// Payloads bringing their own libraries or runtime parameters can't.
func CanUsePool(payloadDir string) bool {
	for _, name := range []string{LibDir, AgentParamsFile} {
		_, err := os.Stat(filepath.Join(payloadDir, name))
		if !errors.Is(err, fs.ErrNotExist) {
			return false
		}
	}
	return true
}

// pooled copies the payload into a pre-started runtime. The payload
// directory of the job is left untouched.
func (h *HostStrategy) pooled(ctx context.Context, job model.Job, rt command.Runtime) (*Started, error) {
	argv, err := rt.Build()
	if err != nil {
		return nil, err
	}
	key := command.Hash(argv)

	entry, err := h.pool.Take(ctx, key, func(ctx context.Context) (*pool.Entry[*process.Process], error) {
		return h.launch(ctx, "prefork", argv, nil)
	})
	if err != nil {
		return nil, err
	}

	payload := filepath.Join(entry.Dir, PayloadDir)
	err = fsutil.CopyDir(job.PayloadDir, payload)
	if err == nil {
		err = writeInstanceID(payload, job.InstanceID)
	}
	if err != nil {
		discard(ctx, entry.Proc, entry.Dir)
		return nil, fmt.Errorf("preparing payload: %w", err)
	}
	slog.DebugContext(ctx, "pooled process taken", "instance_id", job.InstanceID, "pid", entry.Proc.Pid(), "key", key.String())
	return &Started{Proc: entry.Proc, Dir: entry.Dir, PayloadDir: payload}, nil
}

// oneTime moves the payload into a new process directory and starts a
// process dedicated to the job.
func (h *HostStrategy) oneTime(ctx context.Context, job model.Job, rt command.Runtime) (*Started, error) {
	var payload string
	entry, err := h.launch(ctx, "onetime", nil, func(p string) ([]string, error) {
		payload = p
		if err := fsutil.Move(job.PayloadDir, p); err != nil {
			return nil, fmt.Errorf("moving payload: %w", err)
		}
		if err := writeInstanceID(p, job.InstanceID); err != nil {
			return nil, err
		}
		rt.WorkDir = p
		return rt.Build()
	})
	if err != nil {
		return nil, err
	}
	return &Started{Proc: entry.Proc, Dir: entry.Dir, PayloadDir: payload}, nil
}

// launch starts argv in a new process directory. When fill is set it
// populates the payload directory and returns the argv to run.
func (h *HostStrategy) launch(ctx context.Context, pattern string, argv []string, fill func(payload string) ([]string, error)) (*pool.Entry[*process.Process], error) {
	if err := os.MkdirAll(h.settings.Dirs.Work, 0755); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	dir, err := os.MkdirTemp(h.settings.Dirs.Work, pattern)
	if err != nil {
		return nil, fmt.Errorf("creating process dir: %w", err)
	}

	proc, err := h.start(ctx, dir, argv, fill)
	if err != nil {
		if rerr := os.RemoveAll(dir); rerr != nil {
			slog.WarnContext(ctx, "can't remove process dir", "dir", dir, "error", rerr)
		}
		return nil, err
	}
	return &pool.Entry[*process.Process]{Proc: proc, Dir: dir}, nil
}

func (h *HostStrategy) start(ctx context.Context, dir string, argv []string, fill func(string) ([]string, error)) (*process.Process, error) {
	payload := filepath.Join(dir, PayloadDir)
	if fill != nil {
		var err error
		argv, err = fill(payload)
		if err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(payload, 0755); err != nil {
		return nil, err
	}
	if err := h.settings.writeExtraVolumes(payload); err != nil {
		return nil, fmt.Errorf("writing extra volumes: %w", err)
	}
	env, err := h.settings.environ(dir, payload)
	if err != nil {
		return nil, err
	}
	return process.Start(ctx, process.Command{
		Path: argv[0],
		Args: argv[1:],
		Dir:  payload,
		Env:  env,
	})
}

// discard kills a process which can't serve its job and removes its
// directory.
func discard(ctx context.Context, proc *process.Process, dir string) {
	if err := proc.Kill(); err != nil {
		slog.WarnContext(ctx, "can't kill process", "pid", proc.Pid(), "error", err)
	}
	if err := proc.Close(); err != nil {
		slog.WarnContext(ctx, "can't close process output", "pid", proc.Pid(), "error", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		slog.WarnContext(ctx, "can't remove process dir", "dir", dir, "error", err)
	}
}
