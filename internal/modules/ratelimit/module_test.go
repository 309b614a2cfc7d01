package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"countwarden/internal/cache"
	"countwarden/internal/modules/audit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTimeouter struct {
	calls []string
	err   error
}

func (f *fakeTimeouter) TimeoutMember(_ context.Context, _ string, memberID string, _ time.Duration) error {
	f.calls = append(f.calls, memberID)
	return f.err
}

type fakeInfractions struct{ n int }

func (f *fakeInfractions) IncrementInfraction(context.Context, string, string, string, string, time.Time, time.Duration) (int, error) {
	f.n++
	return f.n, nil
}

func newModule(threshold int, timeouter *fakeTimeouter, infractions *fakeInfractions) (*Module, *cache.Cache, *fakeClock) {
	c := cache.New(nil)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var recorder InfractionRecorder
	if infractions != nil {
		recorder = infractions
	}
	m := New(c, timeouter, recorder, audit.NewLogger(nil, zap.NewNop()), Config{
		Threshold: threshold,
		Window:    300 * time.Second,
		Timeout:   10 * time.Minute,
	}, zap.NewNop()).WithClock(clock)
	return m, c, clock
}

func TestEscalatesExactlyOnceAtThreshold(t *testing.T) {
	timeouter := &fakeTimeouter{}
	infractions := &fakeInfractions{}
	m, c, clock := newModule(3, timeouter, infractions)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		res, err := m.RecordViolation(ctx, "g1", "u1")
		require.NoError(t, err)
		assert.Equal(t, Result{Outcome: OutcomeTracking, Violations: i}, res)
		clock.Advance(10 * time.Second)
	}

	res, err := m.RecordViolation(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalated, res.Outcome)
	assert.Equal(t, []string{"u1"}, timeouter.calls)
	assert.Equal(t, 1, infractions.n)

	g := c.GetOrCreate("g1")
	g.Lock()
	assert.NotContains(t, g.RateLimits, "u1")
	g.Unlock()

	res, _ = m.RecordViolation(ctx, "g1", "u1")
	assert.Equal(t, Result{Outcome: OutcomeTracking, Violations: 1}, res)
	assert.Len(t, timeouter.calls, 1)
}

func TestStaleWindowStartsFresh(t *testing.T) {
	timeouter := &fakeTimeouter{}
	m, _, clock := newModule(3, timeouter, nil)
	ctx := context.Background()

	_, _ = m.RecordViolation(ctx, "g1", "u1")
	_, _ = m.RecordViolation(ctx, "g1", "u1")
	clock.Advance(301 * time.Second)

	res, err := m.RecordViolation(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, Result{Outcome: OutcomeTracking, Violations: 1}, res)
	assert.Empty(t, timeouter.calls)
}

func TestThresholdOfOneEscalatesImmediately(t *testing.T) {
	timeouter := &fakeTimeouter{}
	m, _, _ := newModule(1, timeouter, nil)

	res, err := m.RecordViolation(context.Background(), "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalated, res.Outcome)
	assert.Len(t, timeouter.calls, 1)
}

func TestTimeoutFailureStillClearsEntry(t *testing.T) {
	timeouter := &fakeTimeouter{err: errors.New("missing permissions")}
	infractions := &fakeInfractions{}
	m, c, _ := newModule(2, timeouter, infractions)
	ctx := context.Background()

	_, _ = m.RecordViolation(ctx, "g1", "u1")
	res, err := m.RecordViolation(ctx, "g1", "u1")
	require.Error(t, err)
	assert.Equal(t, OutcomeEscalated, res.Outcome)
	assert.Len(t, timeouter.calls, 1)
	assert.Zero(t, infractions.n)

	g := c.GetOrCreate("g1")
	g.Lock()
	assert.Empty(t, g.RateLimits)
	g.Unlock()
}

func TestMembersTrackedIndependently(t *testing.T) {
	timeouter := &fakeTimeouter{}
	m, _, _ := newModule(2, timeouter, nil)
	ctx := context.Background()

	_, _ = m.RecordViolation(ctx, "g1", "u1")
	_, _ = m.RecordViolation(ctx, "g1", "u2")
	_, _ = m.RecordViolation(ctx, "g2", "u1")
	assert.Empty(t, timeouter.calls)
}
