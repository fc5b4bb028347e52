// Package agent wires the configuration into a running execution agent:
// the process pool, the executor with its strategy and post processors and
// the job log destination.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/Agent/internal/bom"
	"github.com/CZERTAINLY/Agent/internal/deps"
	"github.com/CZERTAINLY/Agent/internal/executor"
	"github.com/CZERTAINLY/Agent/internal/joblog"
	"github.com/CZERTAINLY/Agent/internal/model"
	"github.com/CZERTAINLY/Agent/internal/observability"
	"github.com/CZERTAINLY/Agent/internal/pool"
	"github.com/CZERTAINLY/Agent/internal/postprocess"

	"github.com/google/uuid"
)

type Agent struct {
	cfg      model.Config
	dirs     model.Dirs
	pool     *executor.Pool
	executor *executor.Executor
	sink     joblog.Sink
	uploader model.UploadCloser
	metrics  *observability.Server
	tracing  func(context.Context) error
}

// Options override parts of the environment, mainly for tests.
type Options struct {
	Stdout  io.Writer
	Environ []string
}

// New builds the agent. Start must be called to run the pool maintenance.
func New(ctx context.Context, cfg model.Config, opts Options) (*Agent, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	dirs := cfg.ResolveDirs(ctx)

	sink, err := newSink(cfg.Agent.JobLog, opts.Stdout)
	if err != nil {
		return nil, err
	}

	defaults, err := defaultDependencies(cfg)
	if err != nil {
		return nil, err
	}

	settings := executor.SettingsFromConfig(cfg, dirs)
	settings.Environ = opts.Environ

	a := &Agent{
		cfg:  cfg,
		dirs: dirs,
		sink: sink,
	}

	var strategy executor.Strategy
	if cfg.Docker.Enabled {
		strategy = executor.NewContainerStrategy(settings)
	} else {
		a.pool, err = newPool(cfg.Pool)
		if err != nil {
			return nil, err
		}
		strategy = executor.NewHostStrategy(settings, a.pool)
	}

	a.uploader, err = postprocess.NewUploader(cfg.Attachments, opts.Stdout)
	if err != nil {
		return nil, err
	}
	var post []executor.PostProcessor
	if cfg.Runner.BOM {
		// before the attachments, so the BOM is shipped with them
		post = append(post, bom.NewDependencies(dirs.DependencyCache, cfg.Agent.ID))
	}
	post = append(post, postprocess.NewAttachments(a.uploader))
	if dirs.PersistentWorkDir != "" {
		post = append(post, postprocess.NewPersist(dirs.PersistentWorkDir))
	}

	a.executor = executor.New(
		executor.Config{DefaultDependencies: defaults},
		deps.NewResolver(deps.WithMaxRedirects(cfg.Dependencies.MaxRedirects)),
		deps.NewLocalManager(dirs.DependencyCache, nil),
		strategy,
		post...,
	)
	slog.DebugContext(ctx, "agent initialized", "docker", cfg.Docker.Enabled, "work_dir", dirs.Work, "dependency_cache", dirs.DependencyCache)
	return a, nil
}

func newSink(dest string, stdout io.Writer) (joblog.Sink, error) {
	switch dest {
	case "", model.LogStdout:
		return joblog.NewWriterSink(stdout), nil
	case model.LogDiscard:
		return joblog.Discard, nil
	default:
		s, err := joblog.NewDirSink(dest)
		if err != nil {
			return nil, fmt.Errorf("creating job log dir: %w", err)
		}
		return s, nil
	}
}

func defaultDependencies(cfg model.Config) ([]deps.URI, error) {
	var path string
	if cfg.Dependencies.DefaultsFile != nil {
		path = *cfg.Dependencies.DefaultsFile
	}
	uris, err := deps.LoadDefaults(path)
	if err != nil {
		return nil, &model.ConfigError{Msg: "dependencies.defaults_file", Err: err}
	}
	return uris, nil
}

func newPool(cfg model.Pool) (*executor.Pool, error) {
	maxAge, err := model.ParseISODuration(cfg.MaxAge)
	if err != nil {
		return nil, &model.ConfigError{Msg: "pool.max_age", Err: err}
	}
	interval, err := cfg.MaintenanceInterval()
	if err != nil {
		return nil, &model.ConfigError{Msg: "pool.maintenance", Err: err}
	}
	pc := pool.Config{
		MaxSize:  cfg.MaxSize,
		MaxAge:   maxAge,
		Interval: interval,
	}
	if cfg.Maintenance != nil {
		pc.Cron = cfg.Maintenance.Cron
	}
	return executor.NewPool(pc), nil
}

// Start schedules the pool maintenance, serves the metrics when
// agent.metrics is configured and exports the traces to agent.tracing.
func (a *Agent) Start(ctx context.Context) error {
	if a.cfg.Agent.Tracing != nil {
		shutdown, err := observability.InitTracing(ctx, observability.ServiceName, *a.cfg.Agent.Tracing)
		if err != nil {
			return err
		}
		a.tracing = shutdown
	}
	if a.cfg.Agent.Metrics != nil {
		srv, err := observability.Serve(ctx, *a.cfg.Agent.Metrics)
		if err != nil {
			return err
		}
		a.metrics = srv
	}
	if a.pool == nil {
		return nil
	}
	return a.pool.Start(ctx)
}

// Exec starts the payload in dir as the job id.
func (a *Agent) Exec(ctx context.Context, id uuid.UUID, dir string) (*executor.Instance, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	log, err := joblog.New(a.dirs.JobLogs, id, a.sink)
	if err != nil {
		return nil, fmt.Errorf("creating job log: %w", err)
	}
	job, err := model.LoadJob(id, abs, log)
	if err != nil {
		if derr := log.Delete(); derr != nil {
			slog.WarnContext(ctx, "can't delete the job log", "instance_id", id, "error", derr)
		}
		return nil, err
	}
	return a.executor.Exec(ctx, job)
}

// Close waits for the running jobs, stops the pool and releases the
// attachments uploader.
func (a *Agent) Close(ctx context.Context) error {
	a.executor.Wait()
	var errs []error
	if a.pool != nil {
		errs = append(errs, a.pool.Stop(ctx))
	}
	errs = append(errs, a.uploader.Close())
	if a.metrics != nil {
		errs = append(errs, a.metrics.Close(ctx))
	}
	if a.tracing != nil {
		errs = append(errs, a.tracing(ctx))
	}
	return errors.Join(errs...)
}
