package pending

import (
	"context"
	"sync"
)

// MemoryBackend keeps queues in process memory. Nothing survives a restart.
type MemoryBackend struct {
	opts Options

	mu    sync.Mutex
	lists map[string][]string
}

func NewMemoryBackend(opts Options) *MemoryBackend {
	return &MemoryBackend{opts: opts, lists: make(map[string][]string)}
}

func memKey(queue, uid string) string { return queue + "\x00" + uid }

func (m *MemoryBackend) Push(_ context.Context, queue, uid string, records ...string) error {
	if len(records) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(queue, uid)
	l := append(m.lists[k], records...)
	if m.opts.MaxKeep > 0 && int64(len(l)) > m.opts.MaxKeep {
		excess := int64(len(l)) - m.opts.MaxKeep
		l = append([]string(nil), l[excess:]...)
		m.opts.trimmed(queue, uid, excess)
	}
	m.lists[k] = l
	return nil
}

func (m *MemoryBackend) Drain(_ context.Context, queue, uid string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(queue, uid)
	l := m.lists[k]
	delete(m.lists, k)
	return l, nil
}

func (m *MemoryBackend) Count(_ context.Context, queue, uid string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[memKey(queue, uid)])), nil
}

func (m *MemoryBackend) Close() error { return nil }
