package cache

import (
	"context"
	"strings"
	"sync"
)

type memoryData struct {
	mu       sync.Mutex
	items    map[string][]byte
	nextID   int
	watchers map[int]*memoryWatch
}

type memoryWatch struct {
	owner int
	fn    func(Change)
}

// MemoryStorage keeps entries in process memory. Handles created with Tab
// share the entries and see each other's writes through Watch, the same way
// two browser tabs share one origin storage.
type MemoryStorage struct {
	data *memoryData
	id   int
}

func NewMemoryStorage() *MemoryStorage {
	data := &memoryData{
		items:    make(map[string][]byte),
		watchers: make(map[int]*memoryWatch),
		nextID:   1,
	}
	return &MemoryStorage{data: data, id: 0}
}

// Tab returns another handle onto the same entries.
func (m *MemoryStorage) Tab() *MemoryStorage {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	id := m.data.nextID
	m.data.nextID++
	return &MemoryStorage{data: m.data, id: id}
}

func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	v, ok := m.data.items[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryStorage) Set(_ context.Context, key string, value []byte) error {
	m.data.mu.Lock()
	m.data.items[key] = append([]byte(nil), value...)
	watchers := m.foreignWatchersLocked()
	m.data.mu.Unlock()

	for _, w := range watchers {
		w.fn(Change{Key: key})
	}
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.data.mu.Lock()
	_, existed := m.data.items[key]
	delete(m.data.items, key)
	var watchers []*memoryWatch
	if existed {
		watchers = m.foreignWatchersLocked()
	}
	m.data.mu.Unlock()

	for _, w := range watchers {
		w.fn(Change{Key: key, Deleted: true})
	}
	return nil
}

func (m *MemoryStorage) Keys(_ context.Context, prefix string) ([]string, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	var keys []string
	for k := range m.data.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Watch reports writes made through other handles. fn runs on the writer's
// goroutine after the write is visible.
func (m *MemoryStorage) Watch(_ context.Context, fn func(Change)) (func(), error) {
	m.data.mu.Lock()
	id := m.data.nextID
	m.data.nextID++
	m.data.watchers[id] = &memoryWatch{owner: m.id, fn: fn}
	m.data.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.data.mu.Lock()
			delete(m.data.watchers, id)
			m.data.mu.Unlock()
		})
	}, nil
}

func (m *MemoryStorage) foreignWatchersLocked() []*memoryWatch {
	var out []*memoryWatch
	for _, w := range m.data.watchers {
		if w.owner != m.id {
			out = append(out, w)
		}
	}
	return out
}
