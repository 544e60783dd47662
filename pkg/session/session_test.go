package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/cuemby/scanplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChannel struct{ name string }

func (s *stubChannel) Send(*types.DispatchMessage) error { return nil }
func (s *stubChannel) Writable() bool                    { return true }

func TestPutReplaceAndRemove(t *testing.T) {
	r := NewRegistry()
	first := &stubChannel{name: "first"}
	second := &stubChannel{name: "second"}

	assert.Nil(t, r.Put("exec-1", first))
	assert.Equal(t, first, r.Put("exec-1", second))

	// The stale stream closing must not evict the reconnect
	assert.False(t, r.Remove("exec-1", first))
	got, ok := r.Get("exec-1")
	require.True(t, ok)
	assert.Equal(t, second, got)

	assert.True(t, r.Remove("exec-1", second))
	_, ok = r.Get("exec-1")
	assert.False(t, ok)
	assert.False(t, r.Remove("exec-1", second))
}

func TestLenAndIDs(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		r.Put(id, &stubChannel{name: id})
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"a", "b", "c"}, r.IDs())
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("exec-%d", i)
			ch := &stubChannel{name: id}
			r.Put(id, ch)
			_, _ = r.Get(id)
			if i%2 == 0 {
				r.Remove(id, ch)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 32, r.Len())
}
