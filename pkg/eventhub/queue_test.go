package eventhub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO_Order(t *testing.T) {
	q := newFIFO()
	for i := int64(1); i <= 5; i++ {
		q.Put(eventRef{id: i})
	}
	for i := int64(1); i <= 5; i++ {
		ref, ok := q.Get(time.Second)
		require.True(t, ok)
		assert.Equal(t, i, ref.id)
	}
}

func TestFIFO_GetTimesOut(t *testing.T) {
	q := newFIFO()
	start := time.Now()
	_, ok := q.Get(50 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestFIFO_GetWakesOnPut(t *testing.T) {
	q := newFIFO()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Put(eventRef{id: 7})
	}()
	ref, ok := q.Get(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, int64(7), ref.id)
}

func TestFIFO_CloseWakesWaiters(t *testing.T) {
	q := newFIFO()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Get(time.Minute)
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not woken by Close")
	}
}

func TestFIFO_DrainsAfterClose(t *testing.T) {
	q := newFIFO()
	q.Put(eventRef{id: 1})
	q.Put(eventRef{id: 2})
	q.Close()

	ref, ok := q.Get(time.Second)
	require.True(t, ok)
	assert.Equal(t, int64(1), ref.id)
	ref, ok = q.Get(time.Second)
	require.True(t, ok)
	assert.Equal(t, int64(2), ref.id)
	_, ok = q.Get(10 * time.Millisecond)
	assert.False(t, ok)

	// Late puts are dropped.
	q.Put(eventRef{id: 3})
	assert.Equal(t, 0, q.Len())
}

func TestFIFO_ConcurrentProducers(t *testing.T) {
	q := newFIFO()
	const producers, perProducer = 8, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for i := int64(0); i < perProducer; i++ {
				q.Put(eventRef{id: base*perProducer + i})
			}
		}(int64(p))
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for i := 0; i < producers*perProducer; i++ {
		ref, ok := q.Get(time.Second)
		require.True(t, ok)
		seen[ref.id] = true
	}
	assert.Len(t, seen, producers*perProducer)
}
