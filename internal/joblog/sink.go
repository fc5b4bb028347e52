package joblog

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Sink receives the log of a job in chunks, in order.
type Sink interface {
	Append(ctx context.Context, instanceID uuid.UUID, chunk []byte) error
}

// Discard drops all chunks.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(context.Context, uuid.UUID, []byte) error {
	return nil
}

// WriterSink writes all chunks into w.
type WriterSink struct {
	mx sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Append(_ context.Context, _ uuid.UUID, chunk []byte) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	_, err := s.w.Write(chunk)
	return err
}

// DirSink appends the chunks into <dir>/<instance id>.log.
type DirSink struct {
	dir string
}

func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

func (s *DirSink) Path(instanceID uuid.UUID) string {
	return filepath.Join(s.dir, instanceID.String()+".log")
}

func (s *DirSink) Append(_ context.Context, instanceID uuid.UUID, chunk []byte) error {
	f, err := os.OpenFile(s.Path(instanceID), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	_, err = f.Write(chunk)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
