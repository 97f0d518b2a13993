package storage

import (
	"context"
	"slices"
	"sync"
	"time"
)

const backendMemory = "memory"

// Memory is a map-backed KV. It lives as long as the process.
type Memory struct {
	mu       sync.RWMutex
	items    map[string]string
	quota    int
	disabled bool
	closed   bool
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	s := applyOptions(opts)
	return &Memory{
		items:    make(map[string]string),
		quota:    s.quota,
		disabled: s.disabled,
	}
}

// SetDisabled switches the store between available and unavailable.
func (m *Memory) SetDisabled(disabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled = disabled
}

func (m *Memory) check(op, key string) error {
	switch {
	case m.closed:
		return newError(backendMemory, op, key, ErrUnavailable, errClosed)
	case m.disabled:
		return newError(backendMemory, op, key, ErrUnavailable, nil)
	}
	return nil
}

// Get implements KV.
func (m *Memory) Get(_ context.Context, key string) (_ string, err error) {
	defer observe(backendMemory, OpGet, time.Now(), &err)
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err = m.check(OpGet, key); err != nil {
		return "", err
	}
	v, ok := m.items[key]
	if !ok {
		err = newError(backendMemory, OpGet, key, ErrNotFound, nil)
		return "", err
	}
	return v, nil
}

// Set implements KV.
func (m *Memory) Set(_ context.Context, key, value string) (err error) {
	defer observe(backendMemory, OpSet, time.Now(), &err)
	m.mu.Lock()
	defer m.mu.Unlock()

	if err = m.check(OpSet, key); err != nil {
		return err
	}
	if m.quota > 0 && usage(m.items, key, value, true) > m.quota {
		err = newError(backendMemory, OpSet, key, ErrQuotaExceeded, nil)
		return err
	}
	m.items[key] = value
	return nil
}

// Remove implements KV.
func (m *Memory) Remove(_ context.Context, key string) (err error) {
	defer observe(backendMemory, OpRemove, time.Now(), &err)
	m.mu.Lock()
	defer m.mu.Unlock()

	if err = m.check(OpRemove, key); err != nil {
		return err
	}
	delete(m.items, key)
	return nil
}

// Keys implements KV.
func (m *Memory) Keys(_ context.Context) (_ []string, err error) {
	defer observe(backendMemory, OpKeys, time.Now(), &err)
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err = m.check(OpKeys, ""); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

// Close implements KV. Later calls fail with ErrUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
