package usecase

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyedLocks is a set of per-tenant binary semaphores. Different tenants never contend.
type keyedLocks struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{sems: make(map[string]*semaphore.Weighted)}
}

func (k *keyedLocks) get(key string) *semaphore.Weighted {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.sems[key]
	if !ok {
		s = semaphore.NewWeighted(1)
		k.sems[key] = s
	}
	return s
}

// TryLock takes the key's lock without waiting.
func (k *keyedLocks) TryLock(key string) bool {
	return k.get(key).TryAcquire(1)
}

// Lock waits for the key's lock until ctx ends.
func (k *keyedLocks) Lock(ctx context.Context, key string) error {
	return k.get(key).Acquire(ctx, 1)
}

func (k *keyedLocks) Unlock(key string) {
	k.get(key).Release(1)
}
