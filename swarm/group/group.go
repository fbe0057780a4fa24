// Package group maintains RPC connections to a fixed list of peer addresses and reports
// their lifecycle to a monitor.Listener. It also serves as the monitor's Prober.
package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"peerwatch/helper/timer"
	"peerwatch/net/crpc"
	"peerwatch/swarm/client"
	"peerwatch/swarm/monitor"
	"peerwatch/swarm/protocol"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

var ErrUnknownPeer = errors.New("no connection for peer")

type Config struct {
	Peers          []string
	DialTimeout    time.Duration
	RedialInterval time.Duration
	StatusInterval time.Duration

	// Sent in our Hello
	UserAgent       string
	ProtocolVersion uint32
}

type conn struct {
	id      monitor.ID
	addr    string
	version uint32
	client  *client.Client
	height  atomic.Uint64
}

var _ monitor.Prober = (*Group)(nil)

type Group struct {
	cfg   Config
	nonce atomic.Uint64

	mu    sync.RWMutex
	conns map[monitor.ID]*conn
}

func New(cfg Config) *Group {
	return &Group{
		cfg:   cfg,
		conns: make(map[monitor.ID]*conn),
	}
}

// Run keeps a connection to every configured peer until ctx is cancelled.
func (g *Group) Run(ctx context.Context, l monitor.Listener) error {
	wg, cctx := errgroup.WithContext(ctx)

	for _, addr := range g.cfg.Peers {
		addr := addr
		wg.Go(func() error {
			g.maintain(cctx, l, addr)
			return nil
		})
	}

	if err := wg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Len returns the number of established connections.
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Probe sends a Peer.Ping to id and returns the round-trip time.
func (g *Group) Probe(ctx context.Context, id monitor.ID) (time.Duration, error) {
	g.mu.RLock()
	c, ok := g.conns[id]
	g.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("probe %s: %w", id, ErrUnknownPeer)
	}

	if c.version < protocol.MinPingVersion {
		return 0, fmt.Errorf("probe %s: version %d: %w", c.addr, c.version, monitor.ErrProbeUnsupported)
	}

	nonce := g.nonce.Add(1)

	start := time.Now()
	res, err := c.client.Ping(ctx, &protocol.PingRequest{Nonce: nonce})
	rtt := time.Since(start)

	switch {
	case errors.Is(err, crpc.ErrMethodNotFound):
		return 0, fmt.Errorf("probe %s: %w", c.addr, monitor.ErrProbeUnsupported)
	case err != nil:
		return 0, fmt.Errorf("probe %s: %w", c.addr, err)
	case res.Nonce != nonce:
		return 0, fmt.Errorf("probe %s: nonce mismatch: sent %d, got %d", c.addr, nonce, res.Nonce)
	}

	return rtt, nil
}

func (g *Group) maintain(ctx context.Context, l monitor.Listener, addr string) {
	for {
		if err := g.session(ctx, l, addr); err != nil {
			log.Warnf("group: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(g.cfg.RedialInterval):
		}
	}
}

// session runs one connection to addr from dial to disconnect.
func (g *Group) session(ctx context.Context, l monitor.Listener, addr string) error {
	cli, err := client.Dial(ctx, addr, g.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer cli.Close()

	hctx, cancel := context.WithTimeout(ctx, g.cfg.DialTimeout)
	hello, err := cli.Hello(hctx, &protocol.HelloRequest{
		ProtocolVersion: g.cfg.ProtocolVersion,
		UserAgent:       g.cfg.UserAgent,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("hello %s: %w", addr, err)
	}

	c := &conn{
		id:      monitor.ID(uuid.NewString()),
		addr:    addr,
		version: hello.ProtocolVersion,
		client:  cli,
	}
	c.height.Store(hello.Height)

	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()

	l.OnConnect(c.id, monitor.Info{
		Address:         addr,
		Handshaked:      true,
		ProtocolVersion: hello.ProtocolVersion,
		UserAgent:       hello.UserAgent,
		Height:          hello.Height,
	})

	defer func() {
		g.mu.Lock()
		delete(g.conns, c.id)
		g.mu.Unlock()

		l.OnDisconnect(c.id)
	}()

	sctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-cli.Dead():
			stop()
		case <-sctx.Done():
		}
	}()

	interval := &timer.Interval{Duration: g.cfg.StatusInterval}
	timer.RunWithTicker(sctx, interval, func(ctx context.Context) error {
		return g.pollStatus(ctx, l, c)
	})

	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("connection to %s lost", addr)
}

func (g *Group) pollStatus(ctx context.Context, l monitor.Listener, c *conn) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.DialTimeout)
	defer cancel()

	res, err := c.client.Status(ctx)
	switch {
	case errors.Is(err, crpc.ErrShutdown):
		return timer.ErrStop
	case err != nil:
		log.Warnf("group: status from %s failed: %v", c.addr, err)
		return nil
	}

	if old := c.height.Swap(res.Height); old != res.Height {
		log.Debugf("group: %s height %d -> %d", c.addr, old, res.Height)
		l.OnHeightChanged(c.id, res.Height)
	}
	return nil
}
