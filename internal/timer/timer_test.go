package timer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ocbot/internal/adapters/logger"
)

func TestEveryRunsRepeatedly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	go Every(ctx, "test", func() time.Duration { return 10 * time.Millisecond }, 0,
		logger.NewStdLogger(logger.LevelError), func(context.Context) {
			runs.Add(1)
		})

	time.Sleep(200 * time.Millisecond)
	cancel()
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}

func TestEverySkipsWhileRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var concurrent atomic.Int32
	var max atomic.Int32
	go Every(ctx, "test", func() time.Duration { return 5 * time.Millisecond }, 0,
		logger.NewStdLogger(logger.LevelError), func(context.Context) {
			n := concurrent.Add(1)
			if n > max.Load() {
				max.Store(n)
			}
			time.Sleep(50 * time.Millisecond)
			concurrent.Add(-1)
		})

	time.Sleep(300 * time.Millisecond)
	cancel()
	assert.Equal(t, int32(1), max.Load(), "a slow cycle must not run concurrently with itself")
}

func TestEveryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		Every(ctx, "test", func() time.Duration { return time.Millisecond }, 0,
			logger.NewStdLogger(logger.LevelError), func(context.Context) {})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop after context cancellation")
	}
}
