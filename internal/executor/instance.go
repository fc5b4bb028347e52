package executor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/CZERTAINLY/Agent/internal/process"

	"github.com/google/uuid"
)

// Instance is a running job. It can be awaited and cancelled.
type Instance struct {
	id   uuid.UUID
	proc *process.Process

	mx        sync.Mutex
	cancelled bool
	done      chan struct{}
	err       error
}

func newInstance(id uuid.UUID, proc *process.Process) *Instance {
	return &Instance{
		id:   id,
		proc: proc,
		done: make(chan struct{}),
	}
}

func (i *Instance) ID() uuid.UUID {
	return i.id
}

// Done is closed once the job has finished and its resources were released.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Wait blocks until the job finishes or ctx is done. It returns the
// outcome of the job, a *model.ExecutionError for a failed process.
func (i *Instance) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-i.done:
	}
	return i.Err()
}

// Err returns the outcome of a finished job, nil while it runs.
func (i *Instance) Err() error {
	i.mx.Lock()
	defer i.mx.Unlock()
	return i.err
}

// Cancel kills the process of a running job. Calling it again or after the
// process has exited does nothing.
func (i *Instance) Cancel(ctx context.Context) {
	i.mx.Lock()
	defer i.mx.Unlock()
	if i.cancelled {
		return
	}
	select {
	case <-i.proc.Done():
		return
	default:
	}
	i.cancelled = true
	if err := i.proc.Kill(); err != nil {
		slog.WarnContext(ctx, "can't kill cancelled process", "instance_id", i.id, "error", err)
	}
	slog.InfoContext(ctx, "process cancelled", "instance_id", i.id)
}

// Cancelled reports whether Cancel has stopped the job.
func (i *Instance) Cancelled() bool {
	i.mx.Lock()
	defer i.mx.Unlock()
	return i.cancelled
}

func (i *Instance) finish(err error) {
	i.mx.Lock()
	i.err = err
	i.mx.Unlock()
	close(i.done)
}
