package forward

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute, nil)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	require.NoError(t, b.Allow(), "still closed below threshold")
	b.RecordFailure()

	require.ErrorIs(t, b.Allow(), ErrUpstreamUnavailable)
	require.True(t, b.Open())
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b := NewBreaker(2, time.Minute, nil)

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()

	require.NoError(t, b.Allow(), "streak was reset by the success")
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Minute, nil)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	require.ErrorIs(t, b.Allow(), ErrUpstreamUnavailable)

	// Cool-down elapses: exactly one probe is admitted.
	now = now.Add(time.Minute + time.Second)
	require.NoError(t, b.Allow())
	require.ErrorIs(t, b.Allow(), ErrUpstreamUnavailable, "only one probe while half-open")

	// A successful probe closes the breaker.
	b.RecordSuccess()
	require.NoError(t, b.Allow())
	require.False(t, b.Open())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Minute, nil)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow())
	b.RecordFailure()

	require.ErrorIs(t, b.Allow(), ErrUpstreamUnavailable)

	// And the new cool-down starts from the reopen.
	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow())
}

func TestBreaker_TransitionCallback(t *testing.T) {
	var states []string
	b := NewBreaker(1, time.Millisecond, func(state string) { states = append(states, state) })
	b.now = time.Now

	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	require.Equal(t, []string{"open", "half_open", "closed"}, states)
}
