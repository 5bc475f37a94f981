package storage

import (
	"context"
	"sync"
)

// Memory keeps values for the life of the process.
type Memory struct {
	mutex sync.RWMutex
	store map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		store: make(map[string]string),
	}
}

func (m *Memory) Load(_ context.Context, key string) (string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	value, exists := m.store[key]
	if !exists {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *Memory) Save(_ context.Context, key, value string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.store[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.store, key)
	return nil
}

// Keys returns the stored keys in no particular order.
func (m *Memory) Keys() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	keys := make([]string, 0, len(m.store))
	for key := range m.store {
		keys = append(keys, key)
	}
	return keys
}

func (m *Memory) Close() error {
	return nil
}
