package modelstore

import (
	"context"
	"sync"

	"github.com/hed1ad/trafficguard/pkg/model"
)

const backendMemory = "memory"

// MemoryStore keeps the encoded model in process memory. Every Load decodes
// a fresh copy, so callers never share detector state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	blob []byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Exists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blob != nil, nil
}

func (s *MemoryStore) Save(ctx context.Context, m *model.Model) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	blob, err := encode(backendMemory, m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.blob = blob
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (*model.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	blob := s.blob
	s.mu.RUnlock()

	if blob == nil {
		return nil, ErrNotFound
	}
	return decode(backendMemory, blob)
}

var _ Store = (*MemoryStore)(nil)
