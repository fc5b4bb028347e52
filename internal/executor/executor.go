// Package executor turns a job into a running, monitored and cleaned up
// process. Dependencies are resolved and checked against the payload
// policy first, then a Strategy acquires the process and the executor
// follows it until the end.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/CZERTAINLY/Agent/internal/deps"
	"github.com/CZERTAINLY/Agent/internal/joblog"
	"github.com/CZERTAINLY/Agent/internal/model"
	"github.com/CZERTAINLY/Agent/internal/process"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultLogStreamTimeout bounds the wait for the job log to be sent.
const DefaultLogStreamTimeout = time.Minute

// Strategy acquires a running process for a job.
type Strategy interface {
	Start(ctx context.Context, job model.Job) (*Started, error)
}

// Started is a process serving a job. Dir is owned by the job and removed
// when it ends.
type Started struct {
	Proc       *process.Process
	Dir        string
	PayloadDir string
}

// PostProcessor runs after the process of a job has ended. Its errors are
// logged into the job log and don't change the outcome.
type PostProcessor interface {
	Process(ctx context.Context, job model.Job, payloadDir string) error
}

type Config struct {
	DefaultDependencies []deps.URI
	LogInterval         time.Duration
	LogStreamTimeout    time.Duration
}

type Executor struct {
	cfg      Config
	resolver *deps.Resolver
	manager  deps.Manager
	strategy Strategy
	post     []PostProcessor
	wg       sync.WaitGroup
	tracer   trace.Tracer
}

func New(cfg Config, resolver *deps.Resolver, manager deps.Manager, strategy Strategy, post ...PostProcessor) *Executor {
	if cfg.LogStreamTimeout <= 0 {
		cfg.LogStreamTimeout = DefaultLogStreamTimeout
	}
	return &Executor{
		cfg:      cfg,
		resolver: resolver,
		manager:  manager,
		strategy: strategy,
		post:     post,
		tracer:   otel.Tracer("github.com/CZERTAINLY/Agent/internal/executor"),
	}
}

// Exec resolves the dependencies of the job, checks them and starts its
// process. Errors up to the process start are returned directly, the
// outcome of the process is reported by the returned Instance. The job
// keeps running when ctx is cancelled, use Instance.Cancel to stop it.
func (e *Executor) Exec(ctx context.Context, job model.Job) (*Instance, error) {
	ctx, span := e.tracer.Start(ctx, "executor.Exec",
		trace.WithAttributes(attribute.String("instance_id", job.InstanceID.String())))
	defer span.End()

	job, started, err := e.start(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		job.Log.Errorf("%s", err)
		e.closeLog(ctx, job.Log, nil)
		return nil, err
	}

	inst := newInstance(job.InstanceID, started.Proc)
	runCtx := context.WithoutCancel(ctx)
	e.wg.Go(func() {
		inst.finish(e.run(runCtx, job, started, inst))
	})
	return inst, nil
}

// start returns the job with its resolved dependencies and its process.
func (e *Executor) start(ctx context.Context, job model.Job) (model.Job, *Started, error) {
	pc, err := model.ParseProcessConfig(job.ProcessCfg)
	if err != nil {
		return job, nil, err
	}
	uris, paths, err := e.resolveDependencies(ctx, job, pc)
	if err != nil {
		return job, nil, err
	}
	if err := checkPolicy(job, uris); err != nil {
		return job, nil, err
	}
	job = job.WithDependencies(paths)

	started, err := e.strategy.Start(ctx, job)
	if err != nil {
		return job, nil, fmt.Errorf("starting process: %w", err)
	}
	slog.InfoContext(ctx, "process started", "instance_id", job.InstanceID, "pid", started.Proc.Pid(), "dir", started.Dir)
	return job, started, nil
}

// Wait blocks until all started jobs have finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) run(ctx context.Context, job model.Job, s *Started, inst *Instance) error {
	ctx, span := e.tracer.Start(ctx, "executor.run")
	defer span.End()

	log := job.Log
	stream, err := log.Stream(ctx, e.cfg.LogInterval)
	if err != nil {
		slog.WarnContext(ctx, "can't stream the job log", "instance_id", job.InstanceID, "error", err)
	}

	runErr := e.follow(ctx, job, s.Proc)
	if runErr != nil {
		if inst.Cancelled() {
			log.Warnf("Process cancelled")
		}
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}

	e.closeLog(ctx, log, stream)
	for _, p := range e.post {
		if err := p.Process(ctx, job, s.PayloadDir); err != nil {
			log.Errorf("Post processing failed: %s", err)
		}
	}
	if err := s.Proc.Close(); err != nil {
		slog.WarnContext(ctx, "can't close process output", "instance_id", job.InstanceID, "error", err)
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		slog.WarnContext(ctx, "can't remove process dir", "instance_id", job.InstanceID, "dir", s.Dir, "error", err)
	}
	slog.InfoContext(ctx, "process finished", "instance_id", job.InstanceID, "error", runErr)
	return runErr
}

// follow copies the process output into the job log until the process
// ends. A failed process is killed, so no child outlives it.
func (e *Executor) follow(ctx context.Context, job model.Job, proc *process.Process) error {
	log := job.Log
	if _, err := io.Copy(log, proc.Output()); err != nil {
		slog.WarnContext(ctx, "can't copy process output", "instance_id", job.InstanceID, "error", err)
	}

	res, err := proc.Wait(ctx)
	if err == nil {
		err = res.Err
	}
	code := res.ExitCode()
	if err == nil && code == 0 {
		log.Infof("Process finished with: %d", code)
		return nil
	}

	log.Errorf("Process exit code: %d", code)
	if kerr := proc.Kill(); kerr != nil {
		slog.WarnContext(ctx, "can't kill process", "instance_id", job.InstanceID, "error", kerr)
	}
	return &model.ExecutionError{InstanceID: job.InstanceID, ExitCode: code, Err: err}
}

// closeLog sends the rest of the job log and removes its spool file. The
// log written afterwards goes directly into the sink.
func (e *Executor) closeLog(ctx context.Context, log *joblog.Log, stream *joblog.Stream) {
	if stream == nil {
		var err error
		stream, err = log.Stream(ctx, e.cfg.LogInterval)
		if err != nil {
			slog.WarnContext(ctx, "can't stream the job log", "instance_id", log.InstanceID(), "error", err)
		}
	}
	if stream != nil {
		stream.Stop()
		err := stream.Wait(e.cfg.LogStreamTimeout)
		if errors.Is(err, joblog.ErrTimeout) {
			slog.WarnContext(ctx, "timeout waiting for the job log", "instance_id", log.InstanceID(), "timeout", e.cfg.LogStreamTimeout)
		} else if err != nil {
			slog.WarnContext(ctx, "sending the job log failed", "instance_id", log.InstanceID(), "error", err)
		}
	}
	if err := log.Delete(); err != nil {
		slog.WarnContext(ctx, "can't delete the job log", "instance_id", log.InstanceID(), "error", err)
	}
}
