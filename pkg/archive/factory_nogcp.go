//go:build !gcp

package archive

import (
	"context"
	"errors"
)

func newGCSStoreFromEnv(context.Context) (Store, error) {
	return nil, errors.New("archive: gcs storage is not enabled in this build (use -tags gcp)")
}
