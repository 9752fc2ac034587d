package queue

import (
	"context"
	"sync"

	"github.com/shaunagostinho/trackagent/internal/position"
)

// Memory is a non-durable Store for tests and diskless runs.
type Memory struct {
	mu   sync.Mutex
	seq  uint64
	recs []position.Record
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Insert(_ context.Context, r *position.Record) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	r.ID = m.seq
	m.recs = append(m.recs, *r)
	return r.ID, nil
}

func (m *Memory) PeekOldest(context.Context) (*position.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recs) == 0 {
		return nil, nil
	}
	r := m.recs[0]
	return &r, nil
}

func (m *Memory) Delete(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recs {
		if m.recs[i].ID == id {
			m.recs = append(m.recs[:i], m.recs[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs), nil
}

func (m *Memory) Close() error { return nil }
