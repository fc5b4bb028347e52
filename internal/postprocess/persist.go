package postprocess

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/CZERTAINLY/Agent/internal/fsutil"
	"github.com/CZERTAINLY/Agent/internal/model"
)

// Persist keeps a readable copy of the payload in <dir>/<instance id>.
type Persist struct {
	dir string
}

func NewPersist(dir string) Persist {
	return Persist{dir: dir}
}

func (p Persist) Process(_ context.Context, job model.Job, payloadDir string) error {
	dst := filepath.Join(p.dir, job.InstanceID.String())
	if err := fsutil.CopyDir(payloadDir, dst); err != nil {
		return fmt.Errorf("persisting work dir: %w", err)
	}
	if err := fsutil.ShareReadable(dst); err != nil {
		return fmt.Errorf("updating permissions of %s: %w", dst, err)
	}
	return nil
}
