package storage

import (
	"context"
	"sync"
)

// Memory keeps the document in process memory. Nothing survives a restart.
type Memory struct {
	mu     sync.Mutex
	doc    []byte
	exists bool
	closed bool
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Read(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if !m.exists {
		return nil, ErrNotFound
	}
	return append([]byte(nil), m.doc...), nil
}

func (m *Memory) Write(ctx context.Context, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.doc = append([]byte(nil), doc...)
	m.exists = true
	return nil
}

func (m *Memory) Delete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.doc, m.exists = nil, false
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
