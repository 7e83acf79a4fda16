package session

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryStore is an in-process Store. It counts sign-outs so callers can
// observe how often the session was cleared.
type MemoryStore struct {
	mu       sync.Mutex
	sess     *Session
	signOuts atomic.Int32
}

// NewMemoryStore returns a store seeded with sess, which may be nil.
func NewMemoryStore(sess *Session) *MemoryStore {
	m := &MemoryStore{}
	if sess != nil {
		c := *sess
		m.sess = &c
	}
	return m
}

func (m *MemoryStore) Get(context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil, nil
	}
	c := *m.sess
	return &c, nil
}

func (m *MemoryStore) SignIn(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == nil {
		m.sess = nil
		return nil
	}
	c := *s
	m.sess = &c
	return nil
}

func (m *MemoryStore) SignOut(context.Context) error {
	m.mu.Lock()
	m.sess = nil
	m.mu.Unlock()
	m.signOuts.Add(1)
	return nil
}

// SignOuts reports how many times SignOut ran.
func (m *MemoryStore) SignOuts() int {
	return int(m.signOuts.Load())
}
