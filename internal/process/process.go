package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("process not started")
	ErrEmptyPath  = errors.New("empty command path")
)

type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	// Err is set when waiting for the process has failed; a non zero exit
	// code is reported by State only.
	Err error
}

// ExitCode returns the exit code, or -1 when the process has not exited
// normally.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Process is a started OS process in its own process group. Standard output
// and standard error share one pipe, which is returned by Output.
type Process struct {
	mx     sync.Mutex
	cmd    *exec.Cmd
	output *os.File
	result Result
	killed bool
	reaped bool
	done   chan struct{}
}

// Start runs the command and returns immediately. The process is not bound
// to ctx: pre-started processes outlive the call which created them. Use
// Kill to stop it.
func Start(ctx context.Context, proto Command) (*Process, error) {
	if proto.Path == "" {
		return nil, ErrEmptyPath
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	cmd.Env = append([]string(nil), proto.Env...)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = sysProcAttr()

	p := &Process{
		cmd:    cmd,
		output: r,
		result: Result{
			Path: proto.Path,
			Args: append([]string(nil), proto.Args...),
		},
		done: make(chan struct{}),
	}

	p.result.Started = time.Now().UTC()
	err = cmd.Start()
	// the child holds its own copy of the write end
	_ = w.Close()
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	slog.DebugContext(ctx, "process started", "path", proto.Path, "pid", cmd.Process.Pid, "dir", proto.Dir)

	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	pid := p.cmd.Process.Pid
	exited := awaitExit(pid)
	var err error
	if !exited {
		err = p.cmd.Wait()
	}

	p.mx.Lock()
	defer p.mx.Unlock()
	if exited {
		// the leader is gone, its children must not outlive it
		killGroup(pid)
		err = p.cmd.Wait()
	}
	p.reaped = true
	p.result.Stopped = time.Now().UTC()
	p.result.State = p.cmd.ProcessState
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.result.Err = err
	}
	close(p.done)
}

// Output returns the merged standard output and error of the process.
// It returns io.EOF once the process and all its children closed it. On
// linux the children are killed when the process exits.
func (p *Process) Output() io.Reader {
	return p.output
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-p.done:
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.result, nil
}

// Kill sends SIGKILL to the process group. Killing an exited process is
// not an error. Once the leader is reaped its group id may belong to
// someone else, so nothing is signalled.
func (p *Process) Kill() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.cmd.Process == nil {
		return ErrNotStarted
	}
	p.killed = true
	if p.reaped {
		return nil
	}
	return kill(p.cmd.Process)
}

// Killed reports whether Kill has been called.
func (p *Process) Killed() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.killed
}

// Close releases the output pipe.
func (p *Process) Close() error {
	err := p.output.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
