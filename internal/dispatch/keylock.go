// README: Per-trip mutual exclusion; operations on different trips stay parallel.
package dispatch

import (
	"sync"

	"hail/internal/types"
)

// keyLock hands out one mutex per key, reference-counted so idle entries do
// not accumulate as trips close.
type keyLock struct {
	mu    sync.Mutex
	locks map[types.ID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[types.ID]*lockEntry)}
}

// lock acquires the mutex for key and returns its release function.
func (k *keyLock) lock(key types.ID) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
