package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time { return now }
}

// TestOutboundRetryThenBreaker mirrors the "IRC outbound retry then
// breaker" end-to-end scenario: with a threshold of 1, one failed send
// trips the breaker, a second send within cooldown is blocked, and a
// trial after cooldown closes it again.
func TestOutboundRetryThenBreaker(t *testing.T) {
	start := time.Unix(0, 0)
	clockMu := start
	clock := func() time.Time { return clockMu }

	eng := New(Config{
		Channel:              "irc",
		MaxAttempts:          1,
		TimeoutPerAttempt:    time.Second,
		BreakerFailThreshold: 1,
		BreakerCooldown:      200 * time.Millisecond,
		Now:                  clock,
	}, nil)

	failing := func(ctx context.Context) error { return errors.New("boom") }

	r1 := eng.Deliver(context.Background(), failing, "room", "hi", "")
	require.False(t, r1.OK)
	assert.Equal(t, CircuitOpen, eng.State())

	// Within cooldown: blocked without invoking the operation.
	var invoked int32
	blocked := func(ctx context.Context) error { atomic.AddInt32(&invoked, 1); return nil }
	r2 := eng.Deliver(context.Background(), blocked, "room", "hi2", "")
	assert.False(t, r2.OK)
	assert.Equal(t, FailureCircuitOpen, r2.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(&invoked))
	assert.EqualValues(t, 1, eng.Snapshot().CircuitBlockedCount)

	// Advance the injected clock past cooldown and retry: should trial and close.
	clockMu = clockMu.Add(300 * time.Millisecond)
	ok := func(ctx context.Context) error { return nil }
	r3 := eng.Deliver(context.Background(), ok, "room", "hi3", "")
	assert.True(t, r3.OK)
	assert.Equal(t, CircuitClosed, eng.State())
	assert.EqualValues(t, 1, eng.Snapshot().SentOK)
}

// TestOutboundDedupe mirrors the "outbound dedupe" scenario: two
// identical sends within dedupe_ttl_s invoke the operation exactly once.
func TestOutboundDedupe(t *testing.T) {
	eng := New(Config{Channel: "googlechat", DedupeTTL: time.Minute}, nil)

	var calls int32
	op := func(ctx context.Context) error { atomic.AddInt32(&calls, 1); return nil }

	r1 := eng.Deliver(context.Background(), op, "gc_dm_spaces_1", "hello", "")
	r2 := eng.Deliver(context.Background(), op, "gc_dm_spaces_1", "hello", "")

	require.True(t, r1.OK)
	require.True(t, r2.OK)
	assert.True(t, r2.DedupeHit)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	snap := eng.Snapshot()
	assert.EqualValues(t, 1, snap.DedupeHits)
	assert.EqualValues(t, 1, snap.SentOK)
}

func TestHalfOpenCountsOnlyOnGenuineTrial(t *testing.T) {
	start := time.Unix(0, 0)
	eng := New(Config{
		Channel:              "slack",
		MaxAttempts:          1,
		BreakerFailThreshold: 1,
		BreakerCooldown:      time.Millisecond,
		Now:                  fakeClock(start),
	}, nil)

	failing := func(ctx context.Context) error { return errors.New("x") }
	_ = eng.Deliver(context.Background(), failing, "t", "m", "")
	assert.EqualValues(t, 1, eng.Snapshot().CircuitOpenCount)
	assert.EqualValues(t, 0, eng.Snapshot().CircuitHalfOpenCount)
}

func TestUnavailableDoesNotAttempt(t *testing.T) {
	eng := New(Config{Channel: "imessage"}, nil)
	res := eng.Unavailable("dependency missing", "no imessage bridge configured")
	assert.False(t, res.OK)
	assert.Equal(t, FailureChannelUnavailable, res.Code)
}
