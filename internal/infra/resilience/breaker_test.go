package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the breaker's notion of time without sleeping.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time {
	return c.current
}

func (c *fakeClock) advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker(cfg)
	b.now = clock.now
	return b, clock
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		Window:           time.Minute,
	})

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		Window:           time.Minute,
	})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	// The count starts over, so two more failures stay under the threshold.
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_WindowExpiryResetsCount(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		Window:           time.Minute,
	})

	b.RecordFailure()
	b.RecordFailure()

	clock.advance(2 * time.Minute)

	// The earlier failures fell out of the window; this one counts as the
	// first of a fresh run.
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         30 * time.Second,
		Window:           time.Minute,
	})

	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	clock.advance(31 * time.Second)

	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	// No further calls until the trial's outcome is recorded.
	assert.False(t, b.Allow())
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         30 * time.Second,
		Window:           time.Minute,
	})

	b.RecordFailure()
	clock.advance(31 * time.Second)
	require.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         30 * time.Second,
		Window:           time.Minute,
	})

	b.RecordFailure()
	clock.advance(31 * time.Second)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	// The cooldown restarts from the reopen.
	clock.advance(29 * time.Second)
	assert.False(t, b.Allow())
	clock.advance(2 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreaker_ZeroThresholdBecomesOne(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{Cooldown: time.Second})
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
}
