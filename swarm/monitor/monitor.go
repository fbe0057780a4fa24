// Package monitor keeps track of connected peers and their liveness.
//
// A connection group reports peer lifecycle events to a Monitor (see Listener). The Monitor
// keeps one Record per live connection in a Registry, probes every peer on a fixed schedule
// and notifies subscribers whenever the set of records changed. Observers read the state
// through Snapshot and never touch the live records.
package monitor

import (
	"context"
	"time"

	"peerwatch/telemetry"

	log "github.com/sirupsen/logrus"
)

// Listener receives peer lifecycle events from a connection group.
// Connect is delivered at most once per live connection; Disconnect may be repeated.
type Listener interface {
	OnConnect(id ID, info Info)
	OnDisconnect(id ID)
	OnHeightChanged(id ID, height uint64)
}

// Prober measures the round-trip time to a connected peer.
// It returns ErrProbeUnsupported if the peer cannot answer probes.
type Prober interface {
	Probe(ctx context.Context, id ID) (time.Duration, error)
}

var _ Listener = (*Monitor)(nil)

type Monitor struct {
	registry  *Registry
	scheduler *Scheduler
	prober    Prober
	notifier  *notifier
}

func New(cfg SchedulerConfig, prober Prober) *Monitor {
	m := &Monitor{
		registry: NewRegistry(),
		prober:   prober,
		notifier: newNotifier(),
	}
	m.scheduler = NewScheduler(cfg, m.registry, m.notifier.signal)
	return m
}

func (m *Monitor) OnConnect(id ID, info Info) {
	l := log.WithField("peer", info.Address).WithField("id", id)

	if !m.registry.Upsert(id, info) {
		l.Debugf("Monitor: duplicate connect ignored")
		return
	}
	telemetry.Peers.Inc()
	l.Infof("Monitor: peer connected (version %d, agent %q, height %d)", info.ProtocolVersion, info.UserAgent, info.Height)

	m.scheduler.Start(id, func(ctx context.Context) (time.Duration, error) {
		return m.prober.Probe(ctx, id)
	})
	m.changed()
}

func (m *Monitor) OnDisconnect(id ID) {
	// Stop first so that a late probe result finds nothing to update
	m.scheduler.Stop(id)

	if !m.registry.Remove(id) {
		log.WithField("id", id).Debugf("Monitor: disconnect for unknown peer ignored")
		return
	}
	telemetry.Peers.Dec()
	log.WithField("id", id).Infof("Monitor: peer disconnected")
	m.changed()
}

func (m *Monitor) OnHeightChanged(id ID, height uint64) {
	updated := m.registry.Update(id, func(rec *Record) {
		rec.Height = height
	})
	if !updated {
		log.WithField("id", id).Debugf("Monitor: height update for unknown peer ignored")
		return
	}
	m.changed()
}

// Subscribe registers fn to be called after the peer set changed. Calls happen on the
// goroutine running Run; several changes may be reported by a single call.
func (m *Monitor) Subscribe(fn func()) (unsubscribe func()) {
	return m.notifier.subscribe(fn)
}

// Snapshot returns a point-in-time copy of all connected peers in connection order.
func (m *Monitor) Snapshot() []Record {
	return m.registry.Snapshot()
}

// Probing reports whether id is still being probed.
func (m *Monitor) Probing(id ID) bool {
	return m.scheduler.Active(id)
}

// Run delivers change notifications until ctx is cancelled, then stops all probe schedules.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.scheduler.Close()

	m.notifier.run(ctx)
	return nil
}

func (m *Monitor) changed() {
	m.notifier.signal()
}
