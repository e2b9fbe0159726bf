package comms_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/relay/core/comms"
)

func TestShardedMapBasicOperations(t *testing.T) {
	m := comms.NewStringMap[int](0)

	m.Set("a", 1)
	m.Set("b", 2)

	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = m.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, 2, m.Len())

	m.Delete("a")
	_, ok = m.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())

	m.Clear()
	assert.Equal(t, 0, m.Len())
}

func TestShardedMapGetOrCreate(t *testing.T) {
	m := comms.NewStringMap[*[]string](0)

	created := 0
	factory := func() *[]string {
		created++
		return &[]string{}
	}

	first, existed := m.GetOrCreate("key", factory)
	assert.False(t, existed)

	second, existed := m.GetOrCreate("key", factory)
	assert.True(t, existed)

	assert.Same(t, first, second)
	assert.Equal(t, 1, created)
}

func TestShardedMapRangeAndValues(t *testing.T) {
	m := comms.NewStringMap[int](8)
	for i := 0; i < 20; i++ {
		m.Set(fmt.Sprintf("key-%d", i), i)
	}

	assert.Len(t, m.Values(), 20)

	seen := 0
	m.Range(func(k string, v int) bool {
		seen++
		return true
	})
	assert.Equal(t, 20, seen)

	// Early exit stops iteration.
	seen = 0
	m.Range(func(k string, v int) bool {
		seen++
		return false
	})
	assert.Equal(t, 1, seen)
}

func TestShardedMapConcurrentAccess(t *testing.T) {
	m := comms.NewStringMap[int](0)

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("w%d-k%d", id, i)
				m.Set(key, i)
				v, ok := m.Get(key)
				assert.True(t, ok)
				assert.Equal(t, i, v)
			}
		}(worker)
	}
	wg.Wait()

	assert.Equal(t, 800, m.Len())
}
