// server/queue_test.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := newQueue()
	for i := 0; i < 100; i++ {
		q.push(i)
	}
	assert.Equal(t, 100, q.depth())

	for i := 0; i < 100; i++ {
		item, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, i, item)
	}
	assert.Equal(t, 0, q.depth())
}

func TestQueueCloseDrains(t *testing.T) {
	q := newQueue()
	q.push("a")
	q.push("b")
	q.close()

	// Items queued before close are still delivered.
	item, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "a", item)
	item, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, "b", item)

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestQueuePopBlocks(t *testing.T) {
	q := newQueue()
	got := make(chan interface{})
	go func() {
		item, ok := q.pop()
		assert.True(t, ok)
		got <- item
	}()
	q.push(42)
	assert.Equal(t, 42, <-got)
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := newQueue()

	const producers = 8
	const perProducer = 500
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.push(p)
			}
		}(p)
	}

	counts := make(map[int]int)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			item, ok := q.pop()
			if !ok {
				return
			}
			counts[item.(int)]++
		}
	}()

	wg.Wait()
	q.close()
	<-done

	for p := 0; p < producers; p++ {
		assert.Equal(t, perProducer, counts[p], "producer %d", p)
	}
}

func TestQueuePushAfterClosePanics(t *testing.T) {
	q := newQueue()
	q.close()
	assert.Panics(t, func() { q.push(1) })
}
