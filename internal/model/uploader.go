package model

import "context"

// Uploader hands an artifact produced by a job to its destination.
type Uploader interface {
	Upload(ctx context.Context, name string, raw []byte) error
}

type UploadCloser interface {
	Uploader
	Close() error
}
