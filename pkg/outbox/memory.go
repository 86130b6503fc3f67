package outbox

import (
	"context"
	"sync"
)

// MemoryQueue is a non-durable Queue for tests and short-lived tools.
type MemoryQueue struct {
	mu   sync.Mutex
	live []Entry
	dead []Entry
}

func NewMemoryQueue() *MemoryQueue { return &MemoryQueue{} }

func (m *MemoryQueue) Enqueue(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = append(m.live, e)
	return nil
}

func (m *MemoryQueue) List(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.live)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, m.live[:n])
	return out, nil
}

func (m *MemoryQueue) index(id string) int {
	for i, e := range m.live {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (m *MemoryQueue) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.index(id); i >= 0 {
		m.live = append(m.live[:i], m.live[i+1:]...)
	}
	return nil
}

func (m *MemoryQueue) RecordFailure(_ context.Context, id, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(id)
	if i < 0 {
		return 0, nil
	}
	m.live[i].Attempts++
	m.live[i].LastError = reason
	return m.live[i].Attempts, nil
}

func (m *MemoryQueue) DeadLetter(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.index(id); i >= 0 {
		m.dead = append(m.dead, m.live[i])
		m.live = append(m.live[:i], m.live[i+1:]...)
	}
	return nil
}

func (m *MemoryQueue) DeadLetters(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.dead))
	copy(out, m.dead)
	return out, nil
}

func (m *MemoryQueue) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live), nil
}
