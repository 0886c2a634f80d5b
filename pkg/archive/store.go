// Package archive keeps content-addressed copies of spoke results.
//
// Keys are "sha256:<hex>" digests of the stored bytes, so writing the same
// bundle twice is a no-op and a bundle can be checked against its key.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const hashPrefix = "sha256:"

// ErrNotFound is returned when no object exists for a hash.
var ErrNotFound = errors.New("archive: not found")

// Store is a content-addressed blob store.
type Store interface {
	// Put persists data and returns its content hash.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists reports whether an object exists for hash.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, hash string) error
}

// contentHash returns the prefixed digest and the bare hex of data.
func contentHash(data []byte) (prefixed, raw string) {
	sum := sha256.Sum256(data)
	raw = hex.EncodeToString(sum[:])
	return hashPrefix + raw, raw
}

// parseHash validates a "sha256:<hex>" key and returns the bare hex.
func parseHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, hashPrefix)
	if !ok {
		return "", fmt.Errorf("archive: invalid hash format: %q", hash)
	}
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("archive: invalid hash hex: %q", hash)
	}
	return raw, nil
}

func objectKey(prefix, raw string) string {
	return prefix + raw + ".blob"
}

// FileStore keeps blobs as files in one directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: archive directory is shared with operators
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, raw := contentHash(data)
	path := filepath.Join(s.baseDir, objectKey("", raw))
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmp, err := os.CreateTemp(s.baseDir, raw+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("archive: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("archive: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("archive: write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("archive: commit blob: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, objectKey("", raw))) //nolint:gosec // hash validated as hex
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", hash, err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, objectKey("", raw)))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("archive: stat %s: %w", hash, err)
	}
}

func (s *FileStore) Delete(_ context.Context, hash string) error {
	raw, err := parseHash(hash)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(filepath.Join(s.baseDir, objectKey("", raw)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("archive: delete %s: %w", hash, err)
	}
	return nil
}

// readAllVerified reads r and checks the bytes against hash.
func readAllVerified(r io.Reader, hash string) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", hash, err)
	}
	if got, _ := contentHash(data); got != hash {
		return nil, fmt.Errorf("archive: content of %s hashes to %s", hash, got)
	}
	return data, nil
}
