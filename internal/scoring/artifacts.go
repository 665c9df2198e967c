package scoring

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrArtifactNotFound is returned when a named blob does not exist
var ErrArtifactNotFound = errors.New("artifact not found")

// Artifact names
const (
	ArtifactScaler      = "scaler"
	ArtifactCategorizer = "categorizer"
	ArtifactOutlier     = "outlier"

	// ArtifactManifest names the active version set
	ArtifactManifest = "current"
)

// VersionedArtifact names the blob of artifact name within a version set
func VersionedArtifact(version, name string) string {
	return version + "/" + name
}

func validVersion(v string) bool {
	return v != "" && v != "." && v != ".." && !strings.ContainsAny(v, `/\`)
}

// ArtifactStore keeps named opaque model blobs
type ArtifactStore interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
}

// FileArtifactStore stores each blob as <dir>/<name>.json; a name may contain one version directory
type FileArtifactStore struct {
	dir string
}

// NewFileArtifactStore creates a file-backed artifact store rooted at dir
func NewFileArtifactStore(dir string) *FileArtifactStore {
	return &FileArtifactStore{dir: dir}
}

func (s *FileArtifactStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Get reads a blob
func (s *FileArtifactStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	return data, nil
}

// Put writes a blob through a temp file and rename so readers never see a partial file
func (s *FileArtifactStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := s.path(name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(name)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to publish artifact %s: %w", name, err)
	}
	return nil
}

// MemoryArtifactStore keeps blobs in process memory; used when no models dir is configured
type MemoryArtifactStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryArtifactStore creates an empty in-memory artifact store
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{blobs: make(map[string][]byte)}
}

// Get returns a copy of the named blob
func (s *MemoryArtifactStore) Get(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}
	return append([]byte(nil), data...), nil
}

// Put stores a copy of data under name
func (s *MemoryArtifactStore) Put(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[name] = append([]byte(nil), data...)
	return nil
}
