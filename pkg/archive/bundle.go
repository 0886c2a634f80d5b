package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/murray-ux/wheel/pkg/canonicalize"
	"github.com/murray-ux/wheel/pkg/wheel"
)

// BundleVersion tags the archived result format.
const BundleVersion = "wheel.bundle.v1"

// Bundle is the archived form of a result. It is canonicalized before
// storage, so equal results map to the same key.
type Bundle struct {
	Version string       `json:"version"`
	Result  wheel.Result `json:"result"`
}

// PutResult archives res and returns its content hash.
func PutResult(ctx context.Context, s Store, res wheel.Result) (string, error) {
	data, err := canonicalize.JCS(Bundle{Version: BundleVersion, Result: res})
	if err != nil {
		return "", fmt.Errorf("archive: canonicalize result %s: %w", res.ID, err)
	}
	return s.Put(ctx, data)
}

// GetResult loads an archived result and re-verifies its receipt chain.
func GetResult(ctx context.Context, s Store, hash string) (wheel.Result, error) {
	data, err := s.Get(ctx, hash)
	if err != nil {
		return wheel.Result{}, err
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return wheel.Result{}, fmt.Errorf("archive: decode %s: %w", hash, err)
	}
	if b.Version != BundleVersion {
		return wheel.Result{}, fmt.Errorf("archive: %s has unsupported bundle version %q", hash, b.Version)
	}
	if err := b.Result.VerifyReceipts(); err != nil {
		return wheel.Result{}, fmt.Errorf("archive: %s: %w", hash, err)
	}
	return b.Result, nil
}
