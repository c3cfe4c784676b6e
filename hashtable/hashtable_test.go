package hashtable

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetDel(t *testing.T) {
	tb := New[int, string](4, IntHash)

	_, ok := tb.Get(1)
	require.False(t, ok)

	inserted := tb.Set(1, "one")
	require.True(t, inserted)
	v, ok := tb.Get(1)
	require.True(t, ok)
	require.Equal(t, "one", v)

	overwritten := tb.Set(1, "uno")
	require.False(t, overwritten)
	v, ok = tb.Get(1)
	require.True(t, ok)
	require.Equal(t, "uno", v)

	tb.Del(1)
	_, ok = tb.Get(1)
	require.False(t, ok)

	// Deleting an absent key is a no-op.
	tb.Del(1)
}

func TestLenAndIter(t *testing.T) {
	tb := New[int, int](2, IntHash)
	for i := 0; i < 10; i++ {
		tb.Set(i, i*i)
	}
	require.Equal(t, 10, tb.Len())

	seen := make(map[int]int)
	tb.Iter(func(k, v int) bool {
		seen[k] = v
		return true
	})
	require.Len(t, seen, 10)
	require.Equal(t, 49, seen[7])

	stopped := 0
	tb.Iter(func(k, v int) bool {
		stopped++
		return false
	})
	require.Equal(t, 1, stopped)
}

func TestConcurrentDistinctKeysDoNotSerialize(t *testing.T) {
	tb := New[int, int](64, IntHash)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tb.Set(i, i)
		}(i)
	}
	wg.Wait()
	require.Equal(t, 100, tb.Len())
	for i := 0; i < 100; i++ {
		v, ok := tb.Get(i)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestFNV32Stable(t *testing.T) {
	require.Equal(t, FNV32("a"), FNV32("a"))
	require.NotEqual(t, FNV32("a"), FNV32("b"))
}
