// Package blobstore provides the opaque key-value blob stores that hold the
// persisted note state.
package blobstore

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned by Get when no blob exists for the key.
	ErrNotFound = errors.New("blob not found")
	// ErrLocked is returned by Lock while another owner holds the key.
	ErrLocked = errors.New("blob key locked")
)

// Store is a whole-value key-value store. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Lock claims exclusive ownership of key until the returned func is
	// called. It fails with ErrLocked when the key is already held.
	Lock(ctx context.Context, key string) (unlock func() error, err error)
	Close() error
}

// Memory keeps blobs in process memory. Used for tests and the memory backend.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	locks *lockTable
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte), locks: newLockTable()}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Lock(_ context.Context, key string) (func() error, error) {
	return m.locks.acquire(key)
}

func (m *Memory) Close() error { return nil }
