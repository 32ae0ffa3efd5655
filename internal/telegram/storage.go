package telegram

import (
	"context"
	"sync"

	"github.com/gotd/td/session"
)

// memoryStorage serves gotd the credentials handed to Connect and reports
// every update through onStore instead of writing to disk itself.
type memoryStorage struct {
	mu      sync.Mutex
	data    []byte
	onStore func(data []byte)
}

var _ session.Storage = (*memoryStorage)(nil)

func newMemoryStorage(initial []byte, onStore func([]byte)) *memoryStorage {
	return &memoryStorage{data: clone(initial), onStore: onStore}
}

func (s *memoryStorage) LoadSession(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	return clone(s.data), nil
}

func (s *memoryStorage) StoreSession(ctx context.Context, data []byte) error {
	s.mu.Lock()
	s.data = clone(data)
	s.mu.Unlock()

	if s.onStore != nil {
		s.onStore(clone(data))
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
