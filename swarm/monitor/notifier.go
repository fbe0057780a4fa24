package monitor

import (
	"context"
	"sync"

	"peerwatch/telemetry"
)

// notifier fans a coalesced "something changed" signal out to subscribers.
// Any number of signals raised while a delivery is pending collapse into one delivery.
type notifier struct {
	mu          sync.Mutex
	seq         uint64
	subscribers map[uint64]func()

	pending chan struct{}
}

func newNotifier() *notifier {
	return &notifier{
		subscribers: make(map[uint64]func()),
		pending:     make(chan struct{}, 1),
	}
}

func (n *notifier) subscribe(fn func()) func() {
	n.mu.Lock()
	seq := n.seq
	n.subscribers[seq] = fn
	n.seq++
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subscribers, seq)
		n.mu.Unlock()
	}
}

// signal never blocks
func (n *notifier) signal() {
	select {
	case n.pending <- struct{}{}:
	default:
	}
}

func (n *notifier) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.pending:
			n.deliver()
		}
	}
}

func (n *notifier) deliver() {
	n.mu.Lock()
	subs := make([]func(), 0, len(n.subscribers))
	for _, fn := range n.subscribers {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	telemetry.NotificationsTotal.Inc()
	for _, fn := range subs {
		fn()
	}
}
