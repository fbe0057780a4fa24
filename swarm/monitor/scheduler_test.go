package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInterval = 20 * time.Millisecond

type countingProbe struct {
	calls  atomic.Int32
	mu     sync.Mutex
	times  []time.Time
	result func(n int32) (time.Duration, error)
}

func (p *countingProbe) probe(ctx context.Context) (time.Duration, error) {
	n := p.calls.Add(1)
	p.mu.Lock()
	p.times = append(p.times, time.Now())
	p.mu.Unlock()
	return p.result(n)
}

func newTestScheduler(r *Registry, onChange func()) *Scheduler {
	return NewScheduler(SchedulerConfig{Interval: testInterval, Timeout: time.Second}, r, onChange)
}

func TestSchedulerRecordsLatency(t *testing.T) {
	r := NewRegistry()
	r.Upsert("a", Info{Address: "10.0.0.1"})

	var changes atomic.Int32
	s := newTestScheduler(r, func() { changes.Add(1) })
	defer s.Close()

	p := &countingProbe{result: func(n int32) (time.Duration, error) {
		return time.Duration(n) * time.Millisecond, nil
	}}
	s.Start("a", p.probe)

	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		rec, _ := r.Get("a")
		return rec.LatencyKnown && rec.LastLatency >= 2*time.Millisecond
	}, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, changes.Load(), int32(2))
}

func TestSchedulerCadenceAndStop(t *testing.T) {
	const interval = 100 * time.Millisecond

	r := NewRegistry()
	r.Upsert("a", Info{})
	s := NewScheduler(SchedulerConfig{Interval: interval}, r, nil)
	defer s.Close()

	p := &countingProbe{result: func(int32) (time.Duration, error) { return time.Millisecond, nil }}

	start := time.Now()
	s.Start("a", p.probe)

	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, 2*time.Second, time.Millisecond)
	s.Stop("a")
	stopped := p.calls.Load()

	p.mu.Lock()
	times := append([]time.Time(nil), p.times...)
	p.mu.Unlock()

	// The first probe is issued right away, the following ones one interval apart
	assert.Less(t, times[0].Sub(start), interval/2)
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		assert.Greater(t, gap, interval/2, "probe %d fired too early", i)
	}

	// A probe issued just before Stop may still be starting up, nothing after that
	time.Sleep(3 * interval)
	assert.LessOrEqual(t, p.calls.Load(), stopped+1, "no probe may be issued after Stop returned")
	assert.False(t, s.Active("a"))
}

func TestSchedulerStaleCompletion(t *testing.T) {
	r := NewRegistry()
	r.Upsert("a", Info{Address: "10.0.0.1"})
	s := newTestScheduler(r, nil)
	defer s.Close()

	issued := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.Start("a", func(ctx context.Context) (time.Duration, error) {
		once.Do(func() { close(issued) })
		<-release
		return 42 * time.Millisecond, nil
	})

	<-issued
	before, ok := r.Get("a")
	require.True(t, ok)

	s.Stop("a")
	close(release)

	// Close waits for the in-flight probe to complete
	s.Close()

	after, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestSchedulerUnsupportedIsPermanent(t *testing.T) {
	r := NewRegistry()
	r.Upsert("a", Info{})
	s := newTestScheduler(r, nil)
	defer s.Close()

	p := &countingProbe{result: func(int32) (time.Duration, error) {
		return 0, ErrProbeUnsupported
	}}
	s.Start("a", p.probe)

	require.Eventually(t, func() bool { return !s.Active("a") }, time.Second, time.Millisecond)

	time.Sleep(10 * testInterval)
	assert.Equal(t, int32(1), p.calls.Load())

	rec, _ := r.Get("a")
	assert.False(t, rec.LatencyKnown)
	assert.Equal(t, "unknown", rec.Latency())
}

func TestSchedulerIOErrorKeepsSchedule(t *testing.T) {
	r := NewRegistry()
	r.Upsert("a", Info{})
	s := newTestScheduler(r, nil)
	defer s.Close()

	p := &countingProbe{result: func(n int32) (time.Duration, error) {
		switch {
		case n == 1:
			return 7 * time.Millisecond, nil
		default:
			return 0, errors.New("connection reset by peer")
		}
	}}
	s.Start("a", p.probe)

	require.Eventually(t, func() bool { return p.calls.Load() >= 4 }, time.Second, time.Millisecond)
	assert.True(t, s.Active("a"))

	// Failures leave the last known latency alone
	rec, _ := r.Get("a")
	assert.True(t, rec.LatencyKnown)
	assert.Equal(t, 7*time.Millisecond, rec.LastLatency)
}

func TestSchedulerTimeout(t *testing.T) {
	r := NewRegistry()
	r.Upsert("a", Info{})
	s := NewScheduler(SchedulerConfig{Interval: testInterval, Timeout: 5 * time.Millisecond}, r, nil)
	defer s.Close()

	var calls atomic.Int32
	s.Start("a", func(ctx context.Context) (time.Duration, error) {
		calls.Add(1)
		<-ctx.Done()
		return 0, ctx.Err()
	})

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	rec, _ := r.Get("a")
	assert.False(t, rec.LatencyKnown)
	assert.True(t, s.Active("a"))
}

func TestSchedulerDuplicateStartAndStop(t *testing.T) {
	r := NewRegistry()
	r.Upsert("a", Info{})
	s := newTestScheduler(r, nil)
	defer s.Close()

	first := &countingProbe{result: func(int32) (time.Duration, error) { return time.Millisecond, nil }}
	second := &countingProbe{result: func(int32) (time.Duration, error) { return time.Millisecond, nil }}

	s.Start("a", first.probe)
	s.Start("a", second.probe)

	require.Eventually(t, func() bool { return first.calls.Load() >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), second.calls.Load())

	s.Stop("a")
	s.Stop("a")
	s.Stop("never-started")
	assert.False(t, s.Active("a"))
}

func TestSchedulerClosedRejectsStart(t *testing.T) {
	s := newTestScheduler(NewRegistry(), nil)
	s.Close()

	p := &countingProbe{result: func(int32) (time.Duration, error) { return time.Millisecond, nil }}
	s.Start("a", p.probe)

	time.Sleep(2 * testInterval)
	assert.Equal(t, int32(0), p.calls.Load())
	assert.False(t, s.Active("a"))
}

func TestSchedulerOutOfOrderCompletion(t *testing.T) {
	r := NewRegistry()
	r.Upsert("a", Info{Address: "10.0.0.1"})
	s := newTestScheduler(r, nil)
	defer s.Close()

	release := make(chan struct{})
	firstDone := make(chan struct{})
	var calls atomic.Int32
	s.Start("a", func(ctx context.Context) (time.Duration, error) {
		if calls.Add(1) == 1 {
			// The first probe is slow and finishes after later ones
			defer close(firstDone)
			<-release
			return 100 * time.Millisecond, nil
		}
		return 5 * time.Millisecond, nil
	})

	require.Eventually(t, func() bool {
		rec, _ := r.Get("a")
		return rec.LatencyKnown && rec.LastLatency == 5*time.Millisecond
	}, time.Second, time.Millisecond)

	close(release)
	<-firstDone

	assert.Never(t, func() bool {
		rec, _ := r.Get("a")
		return rec.LastLatency != 5*time.Millisecond
	}, 100*time.Millisecond, time.Millisecond)
	assert.True(t, s.Active("a"))
}
