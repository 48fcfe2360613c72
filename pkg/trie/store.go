package trie

import (
	"sync"

	"github.com/fortiblox/contractvm/internal/types"
)

// Entry is one encoded node and its hash.
type Entry struct {
	Hash types.Hash
	Data []byte
}

// NodeStore is the content-addressed backing store for trie nodes.
// Get returns ErrNodeNotFound for unknown hashes.
type NodeStore interface {
	Get(h types.Hash) ([]byte, error)
	Put(h types.Hash, data []byte) error
	PutBatch(entries []Entry) error
	Close() error
}

// HeadStore is implemented by node stores that can remember a named root
// across restarts.
type HeadStore interface {
	Head() (types.Hash, error)
	SetHead(root types.Hash) error
}

// Counter is implemented by node stores that can report their size.
type Counter interface {
	Count() (int, error)
}

// Collector is implemented by node stores that reclaim space on demand.
type Collector interface {
	RunGC() error
}

// NodeCount returns the number of nodes held by s, looking through caches.
// ok is false if the backend cannot count.
func NodeCount(s NodeStore) (n int, ok bool, err error) {
	c, ok := backend(s).(Counter)
	if !ok {
		return 0, false, nil
	}
	n, err = c.Count()
	return n, true, err
}

// RunGC runs one garbage collection pass on backends that support it.
func RunGC(s NodeStore) error {
	if c, ok := backend(s).(Collector); ok {
		return c.RunGC()
	}
	return nil
}

// backend strips cache layers off s.
func backend(s NodeStore) NodeStore {
	for {
		w, ok := s.(interface{ Inner() NodeStore })
		if !ok {
			return s
		}
		s = w.Inner()
	}
}

// MemoryStore is an in-memory NodeStore (for testing and transient state).
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[types.Hash][]byte
	head  types.Hash
}

// NewMemoryStore creates an empty in-memory node store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[types.Hash][]byte),
	}
}

// Get returns the node stored under h.
func (m *MemoryStore) Get(h types.Hash) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.nodes[h]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return data, nil
}

// Put stores a node.
func (m *MemoryStore) Put(h types.Hash, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[h] = append([]byte(nil), data...)
	return nil
}

// PutBatch stores several nodes.
func (m *MemoryStore) PutBatch(entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.nodes[e.Hash] = append([]byte(nil), e.Data...)
	}
	return nil
}

// Len returns the number of stored nodes.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// Count implements Counter.
func (m *MemoryStore) Count() (int, error) {
	return m.Len(), nil
}

// Head returns the last root passed to SetHead.
func (m *MemoryStore) Head() (types.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.head, nil
}

// SetHead records root as the head.
func (m *MemoryStore) SetHead(root types.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head = root
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
