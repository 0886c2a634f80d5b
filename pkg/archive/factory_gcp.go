//go:build gcp

package archive

import (
	"context"
	"errors"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("WHEEL_ARCHIVE_GCS_BUCKET")
	if bucket == "" {
		return nil, errors.New("archive: WHEEL_ARCHIVE_GCS_BUCKET is required for gcs storage")
	}
	return NewGCSStore(ctx, GCSStoreConfig{
		Bucket: bucket,
		Prefix: os.Getenv("WHEEL_ARCHIVE_GCS_PREFIX"),
	})
}
