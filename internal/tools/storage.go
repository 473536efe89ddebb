package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrFileNotFound is returned by Store.Load for unknown file ids.
var ErrFileNotFound = errors.New("file not found")

// maxStoredFileSize bounds what file tools will write or read back.
const maxStoredFileSize = 4 << 20

// Store is the artifact store the file and chart tools write to. Ids are
// flat names; implementations decide where the bytes live.
type Store interface {
	Save(name string, data []byte) (string, error)
	Load(name string) ([]byte, error)
}

// LocalStore keeps artifacts in a single local directory. Suitable for
// single-node deployments and tests.
type LocalStore struct {
	dir string
}

// NewLocalStore creates the directory if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Save writes the artifact and returns its id (the sanitized name).
func (s *LocalStore) Save(name string, data []byte) (string, error) {
	clean, err := s.safeName(name)
	if err != nil {
		return "", err
	}
	if len(data) > maxStoredFileSize {
		return "", fmt.Errorf("file %q exceeds size limit (%d bytes)", clean, len(data))
	}
	if err := os.WriteFile(filepath.Join(s.dir, clean), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %q: %w", clean, err)
	}
	return clean, nil
}

// Load reads an artifact back by id.
func (s *LocalStore) Load(name string) ([]byte, error) {
	clean, err := s.safeName(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, clean))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, clean)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", clean, err)
	}
	if len(data) > maxStoredFileSize {
		return nil, fmt.Errorf("file %q exceeds size limit", clean)
	}
	return data, nil
}

// safeName confines ids to plain file names inside the store directory.
func (s *LocalStore) safeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("empty file name")
	}
	clean := filepath.Base(filepath.Clean(name))
	if clean != name || clean == "." || clean == ".." || strings.HasPrefix(clean, ".") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return clean, nil
}
