package kvstore

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Pebble is an embedded Store for single-instance deployments. Compare-and-swap
// is serialized by a process-wide mutex, so the database must not be opened by
// more than one process.
type Pebble struct {
	db     *pebble.DB
	mu     sync.RWMutex
	closed bool
}

func NewPebble(path string) (*Pebble, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(16 * 1024 * 1024),
		MemTableSize: 8 * 1024 * 1024,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) Get(_ context.Context, key string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	return p.get(key)
}

func (p *Pebble) get(key string) ([]byte, error) {
	value, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (p *Pebble) Set(_ context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.db.Set([]byte(key), value, pebble.Sync)
}

func (p *Pebble) CompareAndSwap(_ context.Context, key string, prev, next []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, ErrClosed
	}

	cur, err := p.get(key)
	exists := true
	if errors.Is(err, ErrNotFound) {
		exists = false
	} else if err != nil {
		return false, err
	}
	if !matches(cur, exists, prev) {
		return false, nil
	}
	if err := p.db.Set([]byte(key), next, pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pebble) CompareAndDelete(_ context.Context, key string, prev []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, ErrClosed
	}

	cur, err := p.get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(cur, prev) {
		return false, nil
	}
	if err := p.db.Delete([]byte(key), pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

// Scan reads the matching entries under the read lock, then visits them, so fn
// can write without deadlocking.
func (p *Pebble) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	entries, err := p.collect(prefix)
	if err != nil {
		return err
	}
	return visit(ctx, entries, fn)
}

func (p *Pebble) collect(prefix string) ([]Entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		entries = append(entries, Entry{
			Key:   string(iter.Key()),
			Value: bytes.Clone(iter.Value()),
		})
	}
	return entries, iter.Error()
}

func (p *Pebble) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}
