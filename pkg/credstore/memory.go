package credstore

import (
	"context"
	"maps"
	"sync"
)

// Memory keeps credentials in process memory.
type Memory struct {
	mu     sync.RWMutex
	values map[Key]string
	closed bool
}

func NewMemory() *Memory {
	return &Memory{values: make(map[Key]string)}
}

func (m *Memory) Write(_ context.Context, set Set) error {
	if err := validateSet(set); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.apply(set)
	return nil
}

func (m *Memory) CompareAndWrite(_ context.Context, expect, set Set) (bool, error) {
	if err := validateSet(expect); err != nil {
		return false, err
	}
	if err := validateSet(set); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}

	for k, want := range expect {
		if m.values[k] != want {
			return false, nil
		}
	}
	m.apply(set)
	return true, nil
}

// apply must be called with mu held.
func (m *Memory) apply(set Set) {
	for k, v := range set {
		if v == "" {
			delete(m.values, k)
			continue
		}
		m.values[k] = v
	}
}

func (m *Memory) Read(_ context.Context, key Key) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}

	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Clear(_ context.Context, scope Scope) error {
	keys, err := scope.Keys()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *Memory) Snapshot(_ context.Context) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return Snapshot(maps.Clone(m.values)), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
