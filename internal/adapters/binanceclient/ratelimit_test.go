package binanceclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocbot/internal/ports"
)

func testScheduler() (*Scheduler, *time.Time) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(SchedulerConfig{
		MinRequestInterval:    100 * time.Millisecond,
		SignedRequestInterval: 250 * time.Millisecond,
		MarketDataMinInterval: 50 * time.Millisecond,
		TimeoutWindow:         time.Minute,
		TimeoutThreshold:      3,
		MaxThrottleMultiplier: 4,
		ThrottleDecay:         30 * time.Second,
		CircuitCooldown:       time.Minute,
	})
	s.now = func() time.Time { return now }
	return s, &now
}

func TestSchedulerThrottleDoublesOnTimeouts(t *testing.T) {
	s, _ := testScheduler()
	assert.Equal(t, 1.0, s.Multiplier())

	for i := 0; i < 3; i++ {
		s.ReportTimeout()
	}
	assert.Equal(t, 2.0, s.Multiplier())

	for i := 0; i < 3; i++ {
		s.ReportTimeout()
	}
	assert.Equal(t, 4.0, s.Multiplier())
}

func TestSchedulerCircuitOpensAtSaturation(t *testing.T) {
	s, now := testScheduler()

	// Drive the multiplier to the cap, then saturate again.
	for i := 0; i < 6; i++ {
		s.ReportTimeout()
	}
	require.Equal(t, 4.0, s.Multiplier())
	assert.False(t, s.CircuitOpen())

	for i := 0; i < 3; i++ {
		s.ReportTimeout()
	}
	assert.True(t, s.CircuitOpen())

	// Non-emergency work is rejected while open; emergency bypasses.
	err := s.Acquire(context.Background(), ClassSigned, false)
	assert.True(t, errors.Is(err, ports.ErrCircuitOpen))
	assert.NoError(t, s.Acquire(context.Background(), ClassSigned, true))

	// After the cooldown the circuit closes.
	*now = now.Add(2 * time.Minute)
	assert.False(t, s.CircuitOpen())
	assert.NoError(t, s.Acquire(context.Background(), ClassSigned, false))
}

func TestSchedulerMultiplierDecaysAfterQuietPeriod(t *testing.T) {
	s, now := testScheduler()
	for i := 0; i < 3; i++ {
		s.ReportTimeout()
	}
	require.Equal(t, 2.0, s.Multiplier())

	// Too soon: no decay.
	s.ReportSuccess()
	assert.Equal(t, 2.0, s.Multiplier())

	*now = now.Add(time.Minute)
	s.ReportSuccess()
	assert.Equal(t, 1.0, s.Multiplier())
}

func TestSchedulerErrorWindowSlides(t *testing.T) {
	s, now := testScheduler()
	s.ReportTimeout()
	s.ReportTimeout()

	// Old errors age out of the rolling window.
	*now = now.Add(2 * time.Minute)
	s.ReportTimeout()
	assert.Equal(t, 1.0, s.Multiplier())
}

func TestSchedulerAcquireSpacing(t *testing.T) {
	s := NewScheduler(SchedulerConfig{MinRequestInterval: time.Millisecond})
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Acquire(context.Background(), ClassUnsigned, false))
	}
	// Five acquisitions at a 1ms gap take at least 4ms.
	assert.GreaterOrEqual(t, time.Since(start), 4*time.Millisecond)
}

func TestSchedulerAcquireHonorsContext(t *testing.T) {
	s := NewScheduler(SchedulerConfig{SignedRequestInterval: time.Hour})
	require.NoError(t, s.Acquire(context.Background(), ClassSigned, false))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Acquire(ctx, ClassSigned, false)
	assert.Error(t, err)
}
