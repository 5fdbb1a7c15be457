package subscription

import "sync"

// keyLocks serializes operations on the same ID without a global lock.
// Entries are reference counted and dropped when unused.
type keyLocks struct {
	mu    sync.Mutex
	locks map[ID]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: map[ID]*keyLock{}}
}

// Lock acquires the lock for id and returns its release function.
func (k *keyLocks) Lock(id ID) func() {
	k.mu.Lock()
	l := k.locks[id]
	if l == nil {
		l = &keyLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
