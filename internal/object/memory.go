package object

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-memory Store used by tests and by short-lived tooling
// that never touches disk.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (s *MemStore) Put(ctx context.Context, data []byte) (ID, error) {
	id := Identify(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id.Digest]; !ok {
		s.objects[id.Digest] = append([]byte(nil), data...)
	}
	return id, nil
}

func (s *MemStore) Get(ctx context.Context, id ID) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.objects[id.Digest]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id.Digest)
	}
	if err := id.Verify(data); err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStore) Has(ctx context.Context, id ID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[id.Digest]
	return ok, nil
}

func (s *MemStore) Delete(ctx context.Context, id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, id.Digest)
	return nil
}

func (s *MemStore) Walk(ctx context.Context, fn func(ID) error) error {
	s.mu.RLock()
	ids := make([]ID, 0, len(s.objects))
	for _, data := range s.objects {
		ids = append(ids, Identify(data))
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of stored objects.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Corrupt overwrites a stored object's bytes in place, for tests exercising
// digest verification.
func (s *MemStore) Corrupt(id ID, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[id.Digest] = data
}
