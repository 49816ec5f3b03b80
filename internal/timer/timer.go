package timer

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"ocbot/internal/ports"
)

// Every runs task on the given period until ctx is done, with jitter and
// skip-if-running semantics: a cycle that has not finished by the next tick
// is not run again concurrently.
//
// interval is re-read from the provided function on each tick so hot config
// changes take effect without restarting the timer.
func Every(ctx context.Context, name string, interval func() time.Duration, jitter time.Duration, logger ports.Logger, task func(ctx context.Context)) {
	var running atomic.Bool

	d := interval()
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(withJitter(d, jitter))
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if running.CompareAndSwap(false, true) {
				go func() {
					defer running.Store(false)
					task(ctx)
				}()
			} else if logger != nil {
				logger.Debug(ctx, "Timer cycle still running, skipping tick", map[string]interface{}{"timer": name})
			}
			d = interval()
			if d <= 0 {
				d = time.Second
			}
			t.Reset(withJitter(d, jitter))
		}
	}
}

func withJitter(d, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(jitter)))
}
