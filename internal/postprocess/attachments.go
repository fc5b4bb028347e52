// Package postprocess holds the steps run after the process of a job has
// ended: shipping its attachments and keeping its work directory.
package postprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/CZERTAINLY/Agent/internal/executor"
	"github.com/CZERTAINLY/Agent/internal/model"
)

// Attachments zips the attachments directory of a payload and uploads the
// archive as <instance id>.zip. Payloads without attachments are skipped.
type Attachments struct {
	uploader model.Uploader
}

func NewAttachments(u model.Uploader) Attachments {
	return Attachments{uploader: u}
}

func (a Attachments) Process(ctx context.Context, job model.Job, payloadDir string) error {
	dir := filepath.Join(payloadDir, executor.AttachmentsDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(entries) == 0) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading attachments: %w", err)
	}

	raw, err := zipDir(dir)
	if err != nil {
		return fmt.Errorf("archiving attachments: %w", err)
	}
	if err := a.uploader.Upload(ctx, job.InstanceID.String()+".zip", raw); err != nil {
		return fmt.Errorf("uploading attachments: %w", err)
	}
	return nil
}

func zipDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
		}()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		return nil, errors.Join(err, zw.Close())
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
