package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_AppendAndItems(t *testing.T) {
	r := NewRing[int](3)

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 3, r.Capacity())

	r.Append(1)
	r.Append(2)
	assert.Equal(t, []int{1, 2}, r.Items())
	assert.Equal(t, 2, r.Len())
}

func TestRing_OverflowDropsOldest(t *testing.T) {
	r := NewRing[int](3)

	for i := 1; i <= 5; i++ {
		r.Append(i)
	}

	assert.Equal(t, []int{3, 4, 5}, r.Items())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, uint64(2), r.Dropped())
}

func TestRing_CapacityClamped(t *testing.T) {
	r := NewRing[string](0)
	require.Equal(t, 1, r.Capacity())

	r.Append("a")
	r.Append("b")
	assert.Equal(t, []string{"b"}, r.Items())
}

func TestRing_ConcurrentAppend(t *testing.T) {
	r := NewRing[int](100)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Append(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, r.Len())
	assert.Equal(t, uint64(900), r.Dropped())
}
