package reconnect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type rejected struct{}

func (rejected) Error() string   { return "chain mismatch" }
func (rejected) Permanent() bool { return true }

func newScheduler(dial DialFunc) (*Scheduler, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := New(DefaultOptions(), dial)
	s.now = clock.Now
	return s, clock
}

// step runs one scheduling pass and waits for the attempts it started
func step(s *Scheduler) {
	s.attemptDue(context.Background())
	s.wg.Wait()
}

func TestScheduleIsIdempotent(t *testing.T) {
	s, clock := newScheduler(func(context.Context, string) error { return nil })

	first := s.SchedulePeerForReconnection("10.0.0.1:6800")
	require.Equal(t, clock.Now().Add(5*time.Second), first.NextAttempt)

	clock.Advance(time.Second)
	second := s.SchedulePeerForReconnection("10.0.0.1:6800")
	require.Equal(t, first, second)
	require.Len(t, s.Pending(), 1)

	got, ok := s.GetReconnectingPeer("10.0.0.1:6800")
	require.True(t, ok)
	require.Equal(t, first, got)
}

func TestNotDueIsNotAttempted(t *testing.T) {
	var calls atomic.Int32
	s, clock := newScheduler(func(context.Context, string) error {
		calls.Add(1)
		return nil
	})

	s.SchedulePeerForReconnection("10.0.0.1:6800")
	clock.Advance(4 * time.Second)
	step(s)
	require.Zero(t, calls.Load())

	clock.Advance(time.Second)
	step(s)
	require.EqualValues(t, 1, calls.Load())
	_, ok := s.GetReconnectingPeer("10.0.0.1:6800")
	require.False(t, ok)
}

func TestBackoffGrowsAndGivesUp(t *testing.T) {
	var calls atomic.Int32
	s, clock := newScheduler(func(context.Context, string) error {
		calls.Add(1)
		return errors.New("connection refused")
	})

	s.SchedulePeerForReconnection("10.0.0.1:6800")

	var delays []time.Duration
	for i := 0; i < 8; i++ {
		pr, ok := s.GetReconnectingPeer("10.0.0.1:6800")
		require.True(t, ok, "attempt %d", i)
		delays = append(delays, pr.NextAttempt.Sub(clock.Now()))
		clock.Advance(pr.NextAttempt.Sub(clock.Now()))
		step(s)
	}

	require.EqualValues(t, 8, calls.Load())
	_, ok := s.GetReconnectingPeer("10.0.0.1:6800")
	require.False(t, ok)

	require.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
		80 * time.Second, 2 * time.Minute, 2 * time.Minute, 2 * time.Minute,
	}, delays)
}

func TestPermanentRejectionIsDropped(t *testing.T) {
	var calls atomic.Int32
	s, clock := newScheduler(func(context.Context, string) error {
		calls.Add(1)
		return rejected{}
	})

	s.SchedulePeerForReconnection("10.0.0.1:6800")
	clock.Advance(5 * time.Second)
	step(s)

	require.EqualValues(t, 1, calls.Load())
	_, ok := s.GetReconnectingPeer("10.0.0.1:6800")
	require.False(t, ok)
}

func TestCancelWhileDialing(t *testing.T) {
	release := make(chan struct{})
	s, clock := newScheduler(func(context.Context, string) error {
		<-release
		return errors.New("timeout")
	})

	s.SchedulePeerForReconnection("10.0.0.1:6800")
	clock.Advance(5 * time.Second)
	s.attemptDue(context.Background())

	require.True(t, s.CancelReconnection("10.0.0.1:6800"))
	close(release)
	s.wg.Wait()

	_, ok := s.GetReconnectingPeer("10.0.0.1:6800")
	require.False(t, ok)
	require.False(t, s.CancelReconnection("10.0.0.1:6800"))
}

func TestRunStopsAndClears(t *testing.T) {
	s, _ := newScheduler(func(context.Context, string) error { return nil })
	s.opts.CheckInterval = 10 * time.Millisecond
	s.SchedulePeerForReconnection("10.0.0.1:6800")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	require.Empty(t, s.Pending())
}
