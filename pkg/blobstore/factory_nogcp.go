//go:build !gcp

package blobstore

import (
	"context"
	"fmt"
)

func newGCS(context.Context, string, string) (Store, error) {
	return nil, fmt.Errorf("blobstore: GCS is not enabled in this build (use -tags gcp)")
}
