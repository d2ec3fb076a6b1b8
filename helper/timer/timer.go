package timer

import (
	"context"
	"math/rand"
	"reflect"
	"runtime"
	"time"

	"github.com/lthibault/jitterbug"

	log "github.com/sirupsen/logrus"
)

type Interval struct {
	Duration time.Duration
	Jitter   time.Duration
}

// Every returns an interval without jitter
func Every(d time.Duration) *Interval {
	return &Interval{Duration: d}
}

type boundedJitter struct {
	max time.Duration
}

// Jitter spreads ticks uniformly over [d-max, d+max). max is clamped below d so ticks stay positive.
func (j boundedJitter) Jitter(d time.Duration) time.Duration {
	max := j.max
	if max >= d {
		max = d / 2
	}
	if max <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(2*max))) - max
}

// RunWithTicker calls f on every tick until ctx is cancelled or f returns an error.
func RunWithTicker(ctx context.Context, interval *Interval, f func(ctx context.Context) error) error {
	funcName := runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()

	t := jitterbug.New(interval.Duration, boundedJitter{max: interval.Jitter})
	defer t.Stop()

	log.Debugf("RunWithTicker: running %s every %v (jitter %v)", funcName, interval.Duration, interval.Jitter)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := f(ctx); err != nil {
				log.Errorf("RunWithTicker: %s returned error: %v", funcName, err)
				return err
			}
		}
	}
}
