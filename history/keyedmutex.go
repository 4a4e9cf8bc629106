package history

import "sync"

// keyedMutex serializes work per key while letting distinct keys proceed in parallel.
// Entries are reference counted and dropped when the last holder unlocks.
type keyedMutex struct {
	mut   sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*refMutex{}}
}

// Lock blocks until key is held and returns the func that releases it.
func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mut.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mut.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mut.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mut.Unlock()
	}
}

func (k *keyedMutex) len() int {
	k.mut.Lock()
	defer k.mut.Unlock()
	return len(k.locks)
}
