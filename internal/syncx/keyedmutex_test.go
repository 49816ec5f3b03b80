package syncx

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()

	var mu sync.Mutex
	counter := 0
	maxConcurrent := 0
	current := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("1/BTCUSDT/long")
			defer km.Unlock("1/BTCUSDT/long")

			mu.Lock()
			current++
			if current > maxConcurrent {
				maxConcurrent = current
			}
			counter++
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, counter)
	assert.Equal(t, 1, maxConcurrent, "same key must never run concurrently")
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()

	km.Lock("1/BTCUSDT/long")
	acquired := make(chan struct{})
	go func() {
		km.Lock("1/ETHUSDT/short")
		close(acquired)
		km.Unlock("1/ETHUSDT/short")
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("distinct keys must not block each other")
	}
	km.Unlock("1/BTCUSDT/long")
}

func TestKeyedMutexDiscardsUnusedEntries(t *testing.T) {
	km := NewKeyedMutex()
	km.Lock("x")
	km.Unlock("x")

	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.locks, "released keys must not leak")
}
