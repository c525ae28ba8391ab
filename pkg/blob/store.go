// Package blob stores raw audio chunk payloads on a filesystem path keyed by
// meeting and sequence. Metadata about chunks lives in PostgreSQL; this
// package only holds the bytes.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound indicates the requested blob key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store persists opaque chunk payloads under hierarchical keys.
type Store interface {
	// Put writes data under key, creating parent directories as needed.
	Put(ctx context.Context, key string, data []byte) error
	// Get reads the payload stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether a payload is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the payload under key. Missing keys are not an error;
	// retention passes may run more than once.
	Delete(ctx context.Context, key string) error
	// Probe verifies the store is writable. Used by the storage health
	// endpoint.
	Probe(ctx context.Context) error
	// Mode reports the configured storage mode (local or shared_fs).
	Mode() string
}

// ChunkKey builds the canonical blob key for a meeting chunk.
func ChunkKey(meetingID string, seq int64) string {
	return fmt.Sprintf("meetings/%s/chunks/%d.bin", meetingID, seq)
}

// FSStore is a filesystem-backed Store. Local and shared_fs modes share the
// implementation; the mode only changes how readiness evaluates the
// deployment (a local path is not safe with multiple replicas).
type FSStore struct {
	basePath string
	mode     string
}

// NewFSStore creates the base directory if missing and returns the store.
func NewFSStore(basePath, mode string) (*FSStore, error) {
	if basePath == "" {
		return nil, errors.New("blob store base path is empty")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create blob base path: %w", err)
	}
	return &FSStore{basePath: basePath, mode: mode}, nil
}

// Mode reports the configured storage mode.
func (s *FSStore) Mode() string { return s.mode }

// Put writes data under key atomically (write to a temp file, then rename).
func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("create blob temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close blob temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename blob into place: %w", err)
	}
	return nil
}

// Get reads the payload stored under key.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Exists reports whether a payload is stored under key.
func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}

// Delete removes the payload under key. Deleting a missing key is a no-op.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Probe writes and removes a sentinel file to confirm the path is writable.
func (s *FSStore) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe := filepath.Join(s.basePath, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("blob store not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("blob store probe cleanup: %w", err)
	}
	return nil
}

// resolve maps a key onto the base path, rejecting traversal outside it.
func (s *FSStore) resolve(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty blob key")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob key: %s", key)
	}
	return filepath.Join(s.basePath, clean), nil
}
