package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType names an archive backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv builds a store from environment variables.
//
//   - WHEEL_ARCHIVE_TYPE: "fs" (default), "s3" or "gcs"
//   - WHEEL_ARCHIVE_DIR: filesystem directory (default "data/archive")
//   - WHEEL_ARCHIVE_S3_BUCKET (required for s3), WHEEL_ARCHIVE_S3_REGION
//     (falls back to AWS_REGION, then us-east-1), WHEEL_ARCHIVE_S3_ENDPOINT,
//     WHEEL_ARCHIVE_S3_PREFIX
//   - WHEEL_ARCHIVE_GCS_BUCKET (required for gcs), WHEEL_ARCHIVE_GCS_PREFIX
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	kind := StoreType(os.Getenv("WHEEL_ARCHIVE_TYPE"))
	if kind == "" {
		kind = StoreTypeFS
	}
	switch kind {
	case StoreTypeFS:
		dir := os.Getenv("WHEEL_ARCHIVE_DIR")
		if dir == "" {
			dir = filepath.Join("data", "archive")
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("archive: unsupported storage type %q", kind)
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("WHEEL_ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, errors.New("archive: WHEEL_ARCHIVE_S3_BUCKET is required for s3 storage")
	}
	region := os.Getenv("WHEEL_ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("WHEEL_ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("WHEEL_ARCHIVE_S3_PREFIX"),
	})
}
