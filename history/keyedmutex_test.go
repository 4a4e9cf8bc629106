package history

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	var wg sync.WaitGroup
	counts := map[string]*int{"a": new(int), "b": new(int)}
	for i := 0; i < 50; i++ {
		key := "a"
		if i%2 == 0 {
			key = "b"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(key)
			defer unlock()
			// unsynchronized per key; the race detector flags it if a key is not serialized
			*counts[key]++
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, *counts["a"])
	assert.Equal(t, 25, *counts["b"])
	assert.Equal(t, 0, k.len())
}
