// Package joblog is the operator visible log of a single job. Messages and
// the process output are spooled into a local file, which is streamed into
// a Sink while the job runs.
package joblog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultFlushInterval = time.Second
	maxChunk             = 64 * 1024
)

var ErrTimeout = errors.New("timeout waiting for the log stream")

type Log struct {
	instanceID uuid.UUID
	sink       Sink
	mx         sync.Mutex
	path       string
	f          *os.File
}

// New creates the spool file of the job in dir.
func New(dir string, instanceID uuid.UUID, sink Sink) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	path := filepath.Join(dir, instanceID.String()+".log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating job log: %w", err)
	}
	if sink == nil {
		sink = Discard
	}
	return &Log{
		instanceID: instanceID,
		sink:       sink,
		path:       path,
		f:          f,
	}, nil
}

func (l *Log) InstanceID() uuid.UUID {
	return l.instanceID
}

// Path returns the spool file.
func (l *Log) Path() string {
	return l.path
}

// Write appends the raw process output. After Delete the data goes directly
// into the sink.
func (l *Log) Write(p []byte) (int, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.f == nil {
		err := l.sink.Append(context.Background(), l.instanceID, p)
		if err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return l.f.Write(p)
}

func (l *Log) Infof(format string, args ...any) {
	l.logf("INFO ", format, args...)
}

func (l *Log) Warnf(format string, args ...any) {
	l.logf("WARN ", format, args...)
}

func (l *Log) Errorf(format string, args ...any) {
	l.logf("ERROR", format, args...)
}

func (l *Log) logf(level, format string, args ...any) {
	line := time.Now().UTC().Format("2006-01-02T15:04:05.000Z") + " [" + level + "] " + fmt.Sprintf(format, args...) + "\n"
	if _, err := io.WriteString(l, line); err != nil {
		slog.Warn("can't write to the job log", "instance_id", l.instanceID, "error", err)
	}
}

// Delete removes the spool file.
func (l *Log) Delete() error {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return errors.Join(err, os.Remove(l.path))
}

// Stream sends the spool file into the sink every interval, until Stop is
// called and everything written so far has been sent.
func (l *Log) Stream(ctx context.Context, interval time.Duration) (*Stream, error) {
	r, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("opening job log: %w", err)
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	s := &Stream{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer func() {
			_ = r.Close()
		}()
		s.err = l.stream(ctx, r, interval, s.stop)
	}()
	return s, nil
}

func (l *Log) stream(ctx context.Context, r io.Reader, interval time.Duration, stop <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	buf := make([]byte, maxChunk)

	flush := func() error {
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if serr := l.sink.Append(ctx, l.instanceID, buf[:n]); serr != nil {
					return fmt.Errorf("sending job log: %w", serr)
				}
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
		}
	}

	for {
		select {
		case <-stop:
			return flush()
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

type Stream struct {
	once sync.Once
	stop chan struct{}
	done chan struct{}
	err  error
}

// Stop asks the stream to send the rest of the log and finish.
func (s *Stream) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Wait waits up to timeout for the stream to finish.
func (s *Stream) Wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return s.err
	case <-timer.C:
		return ErrTimeout
	}
}
