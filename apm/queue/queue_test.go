package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PushPop_FIFO(t *testing.T) {
	q := New("0", 4)

	require.True(t, q.Push(Item{Ts: 1, RTT: 10}))
	require.True(t, q.Push(Item{Ts: 2, RTT: 20}))

	item, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(1), item.Ts)

	item, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(2), item.Ts)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestQueue_Push_ReturnsFalseWhenFull(t *testing.T) {
	q := New("0", 2) // rounds up to capacity 2

	require.True(t, q.Push(Item{Ts: 1}))
	require.True(t, q.Push(Item{Ts: 2}))
	assert.False(t, q.Push(Item{Ts: 3}))

	_, ok := q.Pop()
	require.True(t, ok)
	assert.True(t, q.Push(Item{Ts: 3}))
}

func TestQueue_ConcurrentProducers_NoLostOrDuplicatedItems(t *testing.T) {
	const producers = 8
	const perProducer = 500

	q := New("0", 8192)

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !q.Push(Item{Ts: int64(p), RTT: uint32(i)}) {
					// capacity is sized generously; shouldn't spin long
				}
			}
		}(p)
	}
	wg.Wait()

	seen := 0
	for {
		_, ok := q.Pop()
		if !ok {
			break
		}
		seen++
	}

	assert.Equal(t, producers*perProducer, seen)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_Len_TracksPushesAndPops(t *testing.T) {
	q := New("0", 16)
	assert.Equal(t, 0, q.Len())

	require.True(t, q.Push(Item{}))
	require.True(t, q.Push(Item{}))
	assert.Equal(t, 2, q.Len())

	_, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, q.Len())
}
