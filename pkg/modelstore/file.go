package modelstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/hed1ad/trafficguard/pkg/model"
)

const backendFile = "file"

// FileStore keeps the model in a single file, replaced by rename.
type FileStore struct {
	mu   sync.Mutex
	path string

	// beforeRename runs after the temporary file is complete; tests use it
	// to inject delays and failures.
	beforeRename func(tmp string) error
}

// NewFileStore returns a store backed by path. The directory is created on
// first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: filepath.Clean(path)}
}

// Path returns the model file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Exists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "stat", Backend: backendFile, Err: err}
	}
	return true, nil
}

// Save writes the model to a temporary file in the same directory, syncs it
// and renames it over the current file. Saves are serialized.
func (s *FileStore) Save(ctx context.Context, m *model.Model) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	blob, err := encode(backendFile, m)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "mkdir", Backend: backendFile, Err: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return &StorageError{Op: "create temp", Backend: backendFile, Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return &StorageError{Op: "write", Backend: backendFile, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &StorageError{Op: "sync", Backend: backendFile, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Op: "close", Backend: backendFile, Err: err}
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(tmpName); err != nil {
			return &StorageError{Op: "rename", Backend: backendFile, Err: err}
		}
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return &StorageError{Op: "rename", Backend: backendFile, Err: err}
	}
	committed = true
	return nil
}

func (s *FileStore) Load(ctx context.Context) (*model.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Backend: backendFile, Err: err}
	}
	return decode(backendFile, blob)
}

var _ Store = (*FileStore)(nil)
