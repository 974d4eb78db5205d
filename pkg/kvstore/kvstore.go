// Package kvstore provides the shared key-value store holding claim state,
// payment quotes and consumed payment references.
package kvstore

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("store is closed")
)

// Store is a key-value store with per-key compare-and-swap.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set unconditionally writes value.
	Set(ctx context.Context, key string, value []byte) error
	// CompareAndSwap writes next only if the current value equals prev. A nil prev
	// means the key must be absent. It reports whether the write happened.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error)
	// CompareAndDelete removes key only if its current value equals prev. It
	// reports whether the delete happened.
	CompareAndDelete(ctx context.Context, key string, prev []byte) (bool, error)
	// Scan calls fn for every key with the given prefix, in key order. fn may
	// write to the store.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	Close() error
}

// Memory is an in-process Store. It is only shared within one process.
type Memory struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed bool
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = bytes.Clone(value)
	return nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, prev, next []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	cur, ok := m.data[key]
	if !matches(cur, ok, prev) {
		return false, nil
	}
	m.data[key] = bytes.Clone(next)
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key string, prev []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	cur, ok := m.data[key]
	if !ok || !bytes.Equal(cur, prev) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *Memory) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var entries []Entry
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			entries = append(entries, Entry{Key: k, Value: bytes.Clone(v)})
		}
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return visit(ctx, entries, fn)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func matches(cur []byte, exists bool, prev []byte) bool {
	if prev == nil {
		return !exists
	}
	return exists && bytes.Equal(cur, prev)
}

// Entry is a key and its value as returned by a scan.
type Entry struct {
	Key   string
	Value []byte
}

func visit(ctx context.Context, entries []Entry, fn func(key string, value []byte) error) error {
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}
