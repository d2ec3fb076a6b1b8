// Package reconnect retries dialing peers that went away unexpectedly.
package reconnect

import (
	"context"
	"errors"
	"peernet/helper/timer"
	"peernet/swarm/metrics"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// DialFunc connects to endpoint and completes the handshake
type DialFunc func(ctx context.Context, endpoint string) error

// A dial error implementing Permanent() true is never retried
type permanent interface {
	Permanent() bool
}

func isPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

type Options struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxAttempts     int
	CheckInterval   time.Duration // how often due entries are looked up
}

func DefaultOptions() Options {
	return Options{
		InitialInterval: 5 * time.Second,
		Multiplier:      2,
		MaxInterval:     2 * time.Minute,
		MaxAttempts:     8,
		CheckInterval:   time.Second,
	}
}

// PendingReconnection is a snapshot of a scheduled endpoint
type PendingReconnection struct {
	Endpoint    string
	NextAttempt time.Time
	Attempts    int
}

type entry struct {
	PendingReconnection
	backoff  backoff.BackOff
	inFlight bool
}

type Scheduler struct {
	opts Options
	dial DialFunc
	now  func() time.Time

	mu      sync.Mutex
	pending map[string]*entry
	wg      sync.WaitGroup
}

func New(opts Options, dial DialFunc) *Scheduler {
	return &Scheduler{
		opts:    opts,
		dial:    dial,
		now:     time.Now,
		pending: make(map[string]*entry),
	}
}

func (s *Scheduler) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialInterval
	b.Multiplier = s.opts.Multiplier
	b.MaxInterval = s.opts.MaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(s.opts.MaxAttempts))
}

// SchedulePeerForReconnection registers endpoint for retries. Scheduling an endpoint
// that is already pending returns the existing entry unchanged.
func (s *Scheduler) SchedulePeerForReconnection(endpoint string) PendingReconnection {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.pending[endpoint]; ok {
		return e.PendingReconnection
	}

	e := &entry{backoff: s.newBackOff()}
	e.Endpoint = endpoint
	e.NextAttempt = s.now().Add(e.backoff.NextBackOff())
	s.pending[endpoint] = e

	log.Infof("reconnect: scheduled %s at %s", endpoint, e.NextAttempt.Format(time.RFC3339))
	return e.PendingReconnection
}

func (s *Scheduler) GetReconnectingPeer(endpoint string) (PendingReconnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[endpoint]
	if !ok {
		return PendingReconnection{}, false
	}
	return e.PendingReconnection, true
}

// CancelReconnection forgets endpoint. An attempt already in flight still runs but its outcome is ignored.
func (s *Scheduler) CancelReconnection(endpoint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.pending[endpoint]
	delete(s.pending, endpoint)
	return ok
}

func (s *Scheduler) Pending() []PendingReconnection {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PendingReconnection, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, e.PendingReconnection)
	}
	return out
}

// Run drives the attempts until ctx is cancelled, then drops every pending entry.
func (s *Scheduler) Run(ctx context.Context) error {
	err := timer.RunWithTicker(ctx, timer.Every(s.opts.CheckInterval), s.attemptDue)
	s.wg.Wait()

	s.mu.Lock()
	s.pending = make(map[string]*entry)
	s.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) attemptDue(ctx context.Context) error {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.pending {
		if !e.inFlight && !now.Before(e.NextAttempt) {
			e.inFlight = true
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		e := e
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.attempt(ctx, e)
		}()
	}
	return nil
}

func (s *Scheduler) attempt(ctx context.Context, e *entry) {
	endpoint := e.Endpoint
	err := s.dial(ctx, endpoint)

	s.mu.Lock()
	defer s.mu.Unlock()

	e.Attempts++
	e.inFlight = false
	if s.pending[endpoint] != e {
		// Cancelled while dialing
		return
	}

	if err == nil {
		delete(s.pending, endpoint)
		metrics.Get().Reconnection("success")
		log.Infof("reconnect: %s is back after %d attempt(s)", endpoint, e.Attempts)
		return
	}

	if isPermanent(err) {
		delete(s.pending, endpoint)
		metrics.Get().Reconnection("rejected")
		log.Warnf("reconnect: giving up on %s: %v", endpoint, err)
		return
	}

	next := e.backoff.NextBackOff()
	if next == backoff.Stop {
		delete(s.pending, endpoint)
		metrics.Get().Reconnection("exhausted")
		log.Warnf("reconnect: giving up on %s after %d attempts: %v", endpoint, e.Attempts, err)
		return
	}

	e.NextAttempt = s.now().Add(next)
	metrics.Get().Reconnection("failed")
	log.Debugf("reconnect: attempt %d to %s failed, next in %v: %v", e.Attempts, endpoint, next, err)
}
