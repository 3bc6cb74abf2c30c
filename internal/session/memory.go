package session

import (
	"context"
	"sync"
)

// MemoryStore keeps the session for the lifetime of the process only.
type MemoryStore struct {
	mu   sync.RWMutex
	sess Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(context.Context) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess, nil
}

func (s *MemoryStore) Save(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = sess
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = Session{}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Kind() string { return "memory" }
