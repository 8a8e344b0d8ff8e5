//go:build gcp

package blobstore

import "context"

func newGCS(ctx context.Context, bucket, prefix string) (Store, error) {
	return NewGCSStore(ctx, GCSConfig{Bucket: bucket, Prefix: prefix})
}
