// Package store persists the transaction package of each file after it has
// been accepted by the server.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ehr/bundlesync/internal/platform/fhir"
)

// ErrInvalidPath is returned for relative paths that are empty, absolute, or
// escape the output directory.
var ErrInvalidPath = errors.New("store: invalid relative path")

// Store saves a transmitted bundle under the source file's path relative to
// the input root.
type Store interface {
	Save(ctx context.Context, relPath string, b *fhir.Bundle) error
}

// cleanRelPath normalizes relPath to slash form and rejects anything that
// would land outside the store root.
func cleanRelPath(relPath string) (string, error) {
	if relPath == "" || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	clean := filepath.ToSlash(filepath.Clean(relPath))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	return clean, nil
}

// ---------------------------------------------------------------------------
// FileStore
// ---------------------------------------------------------------------------

// FileStore writes each bundle as indented JSON to dir/relPath, creating
// parent directories as needed. Existing files are overwritten.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the output directory.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the file a bundle for relPath is written to.
func (s *FileStore) Path(relPath string) (string, error) {
	clean, err := cleanRelPath(relPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(clean)), nil
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, relPath string, b *fhir.Bundle) error {
	path, err := s.Path(relPath)
	if err != nil {
		return err
	}
	data, err := fhir.MarshalIndent(b)
	if err != nil {
		return fmt.Errorf("encode %s: %w", relPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

// MemoryStore keeps encoded bundles in memory, keyed by relative path.
type MemoryStore struct {
	mu      sync.RWMutex
	bundles map[string][]byte
	order   []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bundles: make(map[string][]byte)}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, relPath string, b *fhir.Bundle) error {
	clean, err := cleanRelPath(relPath)
	if err != nil {
		return err
	}
	data, err := fhir.MarshalIndent(b)
	if err != nil {
		return fmt.Errorf("encode %s: %w", relPath, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bundles[clean]; !ok {
		s.order = append(s.order, clean)
	}
	s.bundles[clean] = data
	return nil
}

// Get returns the stored document for relPath.
func (s *MemoryStore) Get(relPath string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.bundles[filepath.ToSlash(filepath.Clean(relPath))]
	return data, ok
}

// Paths returns the stored paths in first-save order.
func (s *MemoryStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// NopStore discards every bundle.
type NopStore struct{}

// Save implements Store.
func (NopStore) Save(context.Context, string, *fhir.Bundle) error { return nil }

// Multi saves to every store in order and stops at the first error.
type Multi []Store

// Save implements Store.
func (m Multi) Save(ctx context.Context, relPath string, b *fhir.Bundle) error {
	for _, s := range m {
		if err := s.Save(ctx, relPath, b); err != nil {
			return err
		}
	}
	return nil
}
