package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"peerwatch/helper/timer"
	"peerwatch/telemetry"

	log "github.com/sirupsen/logrus"
)

// ErrProbeUnsupported is returned by a ProbeFunc when the peer does not implement the probe.
// The schedule for that peer is stopped for good.
var ErrProbeUnsupported = errors.New("probe not supported by peer")

// ProbeFunc measures one round trip to a peer. Any error other than ErrProbeUnsupported
// is treated as a transient I/O failure.
type ProbeFunc func(ctx context.Context) (time.Duration, error)

type SchedulerConfig struct {
	Interval time.Duration // Delay between probes, the first probe is issued immediately
	Jitter   time.Duration
	Timeout  time.Duration // Per probe, defaults to Interval
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: time.Second,
		Timeout:  time.Second,
	}
}

type probeHandle struct {
	id     ID
	mu     sync.Mutex // protects following fields
	active bool

	// Probes are numbered at issue time. A success older than the last recorded one is dropped.
	issued   uint64
	recorded uint64
	cancel context.CancelFunc
}

func (h *probeHandle) deactivate() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.active = false
	h.cancel()
}

// Scheduler runs one recurring probe schedule per peer and records results in a Registry.
type Scheduler struct {
	cfg      SchedulerConfig
	registry *Registry
	onChange func()

	mu      sync.Mutex
	handles map[ID]*probeHandle
	closed  bool

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler writing into registry. onChange is called after every
// latency update that changed the registry and may be nil.
func NewScheduler(cfg SchedulerConfig, registry *Registry, onChange func()) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSchedulerConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if onChange == nil {
		onChange = func() {}
	}

	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		onChange: onChange,
		handles:  make(map[ID]*probeHandle),
	}
}

// Start begins probing id. Starting an id that already has a schedule is a no-op.
func (s *Scheduler) Start(id ID, probe ProbeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		log.Debugf("Scheduler.Start(%s): scheduler closed", id)
		return
	}
	if _, ok := s.handles[id]; ok {
		log.Debugf("Scheduler.Start(%s): already scheduled", id)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &probeHandle{
		id:     id,
		active: true,
		cancel: cancel,
	}
	s.handles[id] = h

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		interval := &timer.Interval{
			Duration:  s.cfg.Interval,
			Jitter:    s.cfg.Jitter,
			Immediate: true,
		}
		err := timer.RunWithTicker(ctx, interval, func(ctx context.Context) error {
			return s.issue(ctx, h, probe)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("Scheduler: schedule for %s ended: %v", id, err)
		}
	}()
}

// Stop cancels the schedule for id. Once Stop returns no new probe is issued for id,
// and results of probes already in flight are discarded.
func (s *Scheduler) Stop(id ID) {
	s.mu.Lock()
	h, ok := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()

	if !ok {
		return
	}
	h.deactivate()
}

// Active reports whether id has a live schedule.
func (s *Scheduler) Active(id ID) bool {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()

	if !ok {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Close stops every schedule and waits for in-flight probes to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	handles := s.handles
	s.handles = make(map[ID]*probeHandle)
	s.mu.Unlock()

	for _, h := range handles {
		h.deactivate()
	}
	s.wg.Wait()
}

// issue runs on the schedule goroutine. The probe itself runs on its own goroutine.
func (s *Scheduler) issue(ctx context.Context, h *probeHandle, probe ProbeFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.active {
		return timer.ErrStop
	}

	h.issued++

	s.wg.Add(1)
	go s.complete(ctx, h, h.issued, probe)

	return nil
}

func (s *Scheduler) complete(ctx context.Context, h *probeHandle, seq uint64, probe ProbeFunc) {
	defer s.wg.Done()

	pctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	rtt, err := probe(pctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.active {
		log.Debugf("Scheduler: discarding stale probe result for %s (%d probes issued)", h.id, h.issued)
		telemetry.ObserveProbe(telemetry.ProbeStale, 0)
		return
	}

	switch {
	case errors.Is(err, ErrProbeUnsupported):
		log.Debugf("Scheduler: %s does not support probes, stopping schedule", h.id)
		telemetry.ObserveProbe(telemetry.ProbeUnsupported, 0)
		h.active = false
		h.cancel()

	case err != nil:
		log.Warnf("Scheduler: probe to %s failed: %v", h.id, err)
		telemetry.ObserveProbe(telemetry.ProbeIOError, 0)

	case seq <= h.recorded:
		log.Debugf("Scheduler: dropping result of probe #%d for %s, #%d already recorded", seq, h.id, h.recorded)
		telemetry.ObserveProbe(telemetry.ProbeStale, 0)

	default:
		h.recorded = seq
		telemetry.ObserveProbe(telemetry.ProbeOK, rtt)
		updated := s.registry.Update(h.id, func(rec *Record) {
			rec.LatencyKnown = true
			rec.LastLatency = rtt
		})
		if updated {
			s.onChange()
		}
	}
}
