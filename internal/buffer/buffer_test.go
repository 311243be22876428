package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDropsOldestWithoutCallback(t *testing.T) {
	q := New[int](3)
	for i := 1; i <= 5; i++ {
		assert.False(t, q.Push(i))
	}

	require.Equal(t, 3, q.Len())
	assert.Equal(t, []int{3, 4, 5}, q.Snapshot())

	item, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 3, item)
}

func TestQueueOnFullTruncatesToNewestShare(t *testing.T) {
	var got []int
	calls := 0
	q := New[int](100, WithOnFull(func(items []int) {
		calls++
		got = items
	}))

	for i := 0; i < 99; i++ {
		assert.False(t, q.Push(i))
	}
	assert.Equal(t, 0, calls)
	assert.Equal(t, 99, q.Len())

	assert.True(t, q.Push(99))
	require.Equal(t, 1, calls)
	assert.Len(t, got, 100)
	assert.Equal(t, 0, got[0])
	assert.Equal(t, 99, got[99])

	assert.Equal(t, 20, q.Len())
	snap := q.Snapshot()
	assert.Equal(t, 80, snap[0])
	assert.Equal(t, 99, snap[19])
}

func TestQueueOnFullFiresAgainAfterRefill(t *testing.T) {
	calls := 0
	q := New[int](10, WithOnFull(func([]int) { calls++ }), WithKeepFraction[int](0.5))

	for i := 0; i < 10; i++ {
		q.Push(i)
	}
	require.Equal(t, 1, calls)
	require.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, 5, q.Len())
}

func TestQueueCallbackMayReenter(t *testing.T) {
	var q *Queue[int]
	q = New[int](5, WithOnFull(func([]int) {
		// Callback runs without the lock held.
		_ = q.Len()
	}))
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	assert.Equal(t, 1, q.Len())
}

func TestQueueConcurrentPushNeverExceedsCapacity(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	q := New[int](50, WithOnFull(func(items []int) {
		mu.Lock()
		defer mu.Unlock()
		fired++
		assert.Len(t, items, 50)
	}))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Push(i)
				assert.Less(t, q.Len(), 50)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, fired)
}
