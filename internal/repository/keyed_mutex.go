package repository

import (
	"context"
	"sync"
)

// KeyedMutex serialises work per feedback id inside one process.
// Row locks cover multi-process deployments; SQLite has no row locks at all.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[uint]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[uint]*keyedEntry)}
}

// Lock blocks until id is free or ctx is done. The returned func releases it.
func (k *KeyedMutex) Lock(ctx context.Context, id uint) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return func() { k.release(id, e, true) }, nil
	case <-ctx.Done():
		k.release(id, e, false)
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) release(id uint, e *keyedEntry, held bool) {
	if held {
		<-e.ch
	}
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, id)
	}
	k.mu.Unlock()
}

// Len returns the number of ids currently locked or waited on.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
