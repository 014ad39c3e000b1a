// Package modelstore persists the single current anomaly model.
//
// Every backend replaces the stored model atomically: a Load racing a Save
// observes either the previous model or the new one in full.
package modelstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/hed1ad/trafficguard/pkg/model"
)

// ErrNotFound is returned by Load when no model has been saved.
var ErrNotFound = errors.New("no model stored")

// Store owns the lifecycle of the current model.
type Store interface {
	// Exists reports whether a model is stored.
	Exists(ctx context.Context) (bool, error)
	// Save replaces the stored model.
	Save(ctx context.Context, m *model.Model) error
	// Load returns the stored model or ErrNotFound.
	Load(ctx context.Context) (*model.Model, error)
}

// StorageError wraps a persistence failure with the operation and backend
// that produced it.
type StorageError struct {
	Op      string
	Backend string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("model store (%s) %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func encode(backend string, m *model.Model) ([]byte, error) {
	if m == nil {
		return nil, &StorageError{Op: "encode", Backend: backend, Err: errors.New("nil model")}
	}
	blob, err := model.Marshal(m)
	if err != nil {
		return nil, &StorageError{Op: "encode", Backend: backend, Err: err}
	}
	return blob, nil
}

func decode(backend string, blob []byte) (*model.Model, error) {
	m, err := model.Unmarshal(blob)
	if err != nil {
		return nil, &StorageError{Op: "decode", Backend: backend, Err: err}
	}
	return m, nil
}
