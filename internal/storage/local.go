package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/goran-ethernal/dna/internal/metrics"
	"github.com/spf13/afero"
)

// tierOf classifies a key prefix for metrics.
func tierOf(prefix string) string {
	if strings.HasPrefix(prefix, blocksDir+"/") {
		return "recent"
	}
	return "sealed"
}

// LocalStore is an object store on a local filesystem. It is used both as
// the backing store in single-node deployments and as the disk cache in
// front of a remote object store.
type LocalStore struct {
	fs   afero.Fs
	root string
}

// NewLocalStore creates a store rooted at the given directory.
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	return &LocalStore{fs: fs, root: root}, nil
}

// NewMemStore creates an in-memory store. Useful for testing.
func NewMemStore() *LocalStore {
	return &LocalStore{fs: afero.NewMemMapFs(), root: "/"}
}

func (s *LocalStore) objectPath(prefix, name string) string {
	return path.Join(s.root, prefix, name)
}

// Get reads an object.
func (s *LocalStore) Get(_ context.Context, prefix, name string) ([]byte, error) {
	metrics.ObjectReadInc(tierOf(prefix))

	data, err := afero.ReadFile(s.fs, s.objectPath(prefix, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, prefix, name)
		}
		return nil, fmt.Errorf("failed to read object %s/%s: %w", prefix, name, err)
	}
	return data, nil
}

// Put writes an object once, enforcing the write-once contract.
func (s *LocalStore) Put(ctx context.Context, prefix, name string, data []byte) error {
	objectPath := s.objectPath(prefix, name)

	existing, err := afero.ReadFile(s.fs, objectPath)
	if err == nil {
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("%w: %s/%s already exists with different content", ErrImmutable, prefix, name)
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check object %s/%s: %w", prefix, name, err)
	}

	return s.write(objectPath, prefix, name, data)
}

// PutMutable replaces an object in place. Only the live chain tail uses it;
// every other object is write-once.
func (s *LocalStore) PutMutable(_ context.Context, prefix, name string, data []byte) error {
	return s.write(s.objectPath(prefix, name), prefix, name, data)
}

func (s *LocalStore) write(objectPath, prefix, name string, data []byte) error {
	metrics.ObjectWriteInc(tierOf(prefix))

	if err := s.fs.MkdirAll(path.Dir(objectPath), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	// Write to a temporary name and rename so readers never observe a
	// partial object.
	tmpPath := objectPath + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write object %s/%s: %w", prefix, name, err)
	}

	if err := s.fs.Rename(tmpPath, objectPath); err != nil {
		return fmt.Errorf("failed to commit object %s/%s: %w", prefix, name, err)
	}

	return nil
}

// Exists reports whether the object exists.
func (s *LocalStore) Exists(_ context.Context, prefix, name string) (bool, error) {
	_, err := s.fs.Stat(s.objectPath(prefix, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s/%s: %w", prefix, name, err)
}

// Delete removes an object. Used by garbage collection of recent blocks
// that fell behind the sealed watermark.
func (s *LocalStore) Delete(_ context.Context, prefix, name string) error {
	err := s.fs.Remove(s.objectPath(prefix, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object %s/%s: %w", prefix, name, err)
	}
	return nil
}
