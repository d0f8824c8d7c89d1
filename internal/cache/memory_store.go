package cache

import (
	"context"
	"sort"
	"sync"
)

// NewMemoryRegistry 返回进程内缓存，适合测试与无需持久化的部署。
func NewMemoryRegistry() Registry {
	return &memoryRegistry{stores: make(map[string]map[string][]byte)}
}

type memoryRegistry struct {
	mu     sync.RWMutex
	stores map[string]map[string][]byte
}

type memoryStore struct {
	registry *memoryRegistry
	name     string
}

func (m *memoryRegistry) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageError("open", name, err)
	}
	if err := validateStoreName(name); err != nil {
		return nil, storageError("open", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = make(map[string][]byte)
	}
	return &memoryStore{registry: m, name: name}, nil
}

func (m *memoryRegistry) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageError("list", "", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memoryRegistry) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storageError("delete", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stores[name]
	delete(m.stores, name)
	return ok, nil
}

func (m *memoryRegistry) Close() error {
	return nil
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) Get(ctx context.Context, key Key) (*StoredResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageError("get", s.name, err)
	}
	s.registry.mu.RLock()
	raw, ok := s.registry.stores[s.name][key.String()]
	s.registry.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	stored, err := decodeResponse(raw)
	if err != nil {
		return nil, storageError("get", s.name, err)
	}
	return stored, nil
}

func (s *memoryStore) Put(ctx context.Context, key Key, resp *StoredResponse) error {
	if err := ctx.Err(); err != nil {
		return storageError("put", s.name, err)
	}
	payload, err := encodeResponse(resp)
	if err != nil {
		return storageError("put", s.name, err)
	}
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	entries, ok := s.registry.stores[s.name]
	if !ok {
		// 旧句柄在库被删除后写入会重新创建该库，与 fs 驱动一致。
		entries = make(map[string][]byte)
		s.registry.stores[s.name] = entries
	}
	entries[key.String()] = payload
	return nil
}
