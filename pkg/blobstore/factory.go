package blobstore

import (
	"context"
	"fmt"
	"path/filepath"
)

// Kind names a blob backend.
type Kind string

const (
	KindFS  Kind = "fs"
	KindS3  Kind = "s3"
	KindGCS Kind = "gcs"
)

// Options configure New. DataDir anchors the filesystem backend.
type Options struct {
	Kind    Kind
	DataDir string
	S3      S3Config
	GCS     struct {
		Bucket string
		Prefix string
	}
}

// New builds the backend selected by opts.Kind (default fs).
func New(ctx context.Context, opts Options) (Store, error) {
	switch opts.Kind {
	case "", KindFS:
		return NewFileStore(filepath.Join(opts.DataDir, "evidence"))
	case KindS3:
		if opts.S3.Region == "" {
			opts.S3.Region = "us-east-1"
		}
		return NewS3Store(ctx, opts.S3)
	case KindGCS:
		return newGCS(ctx, opts.GCS.Bucket, opts.GCS.Prefix)
	default:
		return nil, fmt.Errorf("blobstore: unsupported backend %q", opts.Kind)
	}
}
