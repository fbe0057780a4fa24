package timer

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"runtime"
	"time"

	"github.com/lthibault/jitterbug"

	log "github.com/sirupsen/logrus"
)

// ErrStop may be returned by a ticker function to end RunWithTicker without logging an error.
var ErrStop = errors.New("timer: stop requested")

type Interval struct {
	Duration time.Duration
	Jitter   time.Duration

	// Run the function once right away instead of waiting for the first tick
	Immediate bool
}

type tickerJitter struct {
	MaxJitter time.Duration
}

func (j tickerJitter) Jitter(d time.Duration) time.Duration {
	if j.MaxJitter == 0 {
		return d
	}

	// Clamp instead of crashing: a jitter larger than the period would produce negative delays
	maxJitter := j.MaxJitter
	if maxJitter >= d {
		maxJitter = d - 1
	}
	if maxJitter <= 0 {
		return d
	}

	return d + (time.Duration(rand.Int63n(int64(2*maxJitter))) - maxJitter)
}

// Runs the provided function periodically with a given duration. Exits when a context is cancelled or when f() returns an error.
// Returning ErrStop from f() ends the loop and RunWithTicker returns nil.
func RunWithTicker(ctx context.Context, interval *Interval, f func(ctx context.Context) error) error {
	funcName := runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()

	call := func() error {
		err := f(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStop) {
			log.Debugf("RunWithTicker: %s requested stop", funcName)
			return ErrStop
		}
		log.Errorf("RunWithTicker: function %s returned error: %v", funcName, err)
		return err
	}

	if interval.Immediate {
		if err := call(); err != nil {
			return ignoreStop(err)
		}
	}

	j := jitterbug.New(interval.Duration, &tickerJitter{MaxJitter: interval.Jitter})
	defer j.Stop()

	log.Debugf("RunWithTicker: running %s with interval %v (jitter %v)", funcName, interval.Duration, interval.Jitter)

	for {
		select {
		case <-ctx.Done():
			log.Debugf("RunWithTicker: context cancelled for %s", funcName)
			return ctx.Err()
		case <-j.C:
			if err := call(); err != nil {
				return ignoreStop(err)
			}
		}
	}
}

func ignoreStop(err error) error {
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}
