package postprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/CZERTAINLY/Agent/internal/model"
)

// NewUploader returns the uploader configured for job attachments.
func NewUploader(cfg model.Attachments, stdout io.Writer) (model.UploadCloser, error) {
	switch cfg.Output {
	case model.OutputStdout:
		return NewWriteUploader(stdout), nil
	case model.OutputDir:
		if cfg.Dir == nil {
			return nil, &model.ConfigError{Msg: "attachments.dir is required"}
		}
		if err := os.MkdirAll(*cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("creating attachments dir: %w", err)
		}
		return NewOSRootUploader(*cfg.Dir)
	default:
		return discard{}, nil
	}
}

type discard struct{}

func (discard) Upload(context.Context, string, []byte) error { return nil }
func (discard) Close() error                                  { return nil }

// WriteUploader writes artifacts into w one after another.
type WriteUploader struct {
	mx sync.Mutex
	w  io.Writer
}

func NewWriteUploader(w io.Writer) *WriteUploader {
	if w == nil {
		w = os.Stdout
	}
	return &WriteUploader{w: w}
}

func (u *WriteUploader) Upload(_ context.Context, _ string, raw []byte) error {
	u.mx.Lock()
	defer u.mx.Unlock()
	_, err := u.w.Write(raw)
	return err
}

func (u *WriteUploader) Close() error {
	return nil
}

// OSRootUploader stores artifacts in a directory. Names can't escape it.
type OSRootUploader struct {
	mx   sync.Mutex
	root *os.Root
}

func NewOSRootUploader(path string) (*OSRootUploader, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, name string, b []byte) error {
	u.mx.Lock()
	defer u.mx.Unlock()
	if u.root == nil {
		return errors.New("root already closed")
	}

	f, err := u.root.Create(name)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", name, err)
	}
	slog.InfoContext(ctx, "artifact saved", "name", name, "size", len(b))
	return nil
}

func (u *OSRootUploader) Close() error {
	u.mx.Lock()
	defer u.mx.Unlock()
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}
