package node

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"peerwatch/config"
	"peerwatch/datastore/leveldb"
	"peerwatch/helper/timer"
	"peerwatch/net/crpc"
	"peerwatch/swarm/group"
	"peerwatch/swarm/monitor"
	"peerwatch/swarm/protocol"
	"peerwatch/telemetry"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

type Node struct {
	cfg    *config.Config
	height atomic.Uint64

	// Networking
	RpcServer *crpc.Server
	Group     *group.Group

	// Peer liveness
	Monitor *monitor.Monitor

	// Storage, may be nil
	PeerBook *leveldb.PeerBook
}

// New builds a node serving RPC on listener. book may be nil.
func New(cfg *config.Config, listener net.Listener, book *leveldb.PeerBook) (*Node, error) {
	n := &Node{
		cfg:       cfg,
		RpcServer: crpc.NewServer(listener),
		PeerBook:  book,
	}
	n.height.Store(cfg.Node.Height)

	var skip []string
	if cfg.Node.DisablePing {
		skip = append(skip, "Ping")
	}
	if err := n.RpcServer.Register(&Peer{node: n}, skip...); err != nil {
		return nil, err
	}

	n.Group = group.New(group.Config{
		Peers:           cfg.Network.Peers,
		DialTimeout:     cfg.Network.DialTimeout.Std(),
		RedialInterval:  cfg.Network.RedialInterval.Std(),
		StatusInterval:  cfg.Network.StatusInterval.Std(),
		UserAgent:       cfg.Node.UserAgent,
		ProtocolVersion: n.protocolVersion(),
	})

	n.Monitor = monitor.New(monitor.SchedulerConfig{
		Interval: cfg.Monitor.ProbeInterval.Std(),
		Jitter:   cfg.Monitor.ProbeJitter.Std(),
		Timeout:  cfg.Monitor.ProbeTimeout.Std(),
	}, n.Group)

	log.Infof("Node %s listening on %s, %d configured peers", cfg.Node.UserAgent, n.RpcServer.Addr(), len(cfg.Network.Peers))

	return n, nil
}

// Height is the chain height this node announces.
func (n *Node) Height() uint64 {
	return n.height.Load()
}

func (n *Node) SetHeight(h uint64) {
	n.height.Store(h)
}

func (n *Node) protocolVersion() uint32 {
	if n.cfg.Node.DisablePing {
		return protocol.MinPingVersion - 1
	}
	return protocol.ProtocolVersion
}

// Runs the node until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.RpcServer.Serve(cctx)
	})

	wg.Go(func() error {
		return n.Monitor.Run(cctx)
	})

	wg.Go(func() error {
		return n.Group.Run(cctx, n.Monitor)
	})

	if n.PeerBook != nil {
		unsubscribe := n.Monitor.Subscribe(n.savePeers)
		defer unsubscribe()
	}

	if addr := n.cfg.Network.MetricsListenAddress; addr != "" {
		wg.Go(func() error {
			return serveMetrics(cctx, addr)
		})
	}

	if d := n.cfg.Monitor.ReportInterval.Std(); d > 0 {
		wg.Go(func() error {
			return timer.RunWithTicker(cctx, &timer.Interval{Duration: d}, n.report)
		})
	}

	err := wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// Writes the current snapshot to the peer book. Runs on the monitor's notification goroutine.
func (n *Node) savePeers() {
	now := time.Now()
	snapshot := n.Monitor.Snapshot()

	entries := make([]*leveldb.PeerEntry, 0, len(snapshot))
	for _, r := range snapshot {
		entries = append(entries, &leveldb.PeerEntry{
			Address:         r.Address,
			LastSeen:        now,
			ProtocolVersion: r.ProtocolVersion,
			UserAgent:       r.UserAgent,
			Height:          r.Height,
			LatencyKnown:    r.LatencyKnown,
			LastLatency:     r.LastLatency,
		})
	}

	if err := n.PeerBook.Put(entries...); err != nil {
		log.Errorf("Failed to update peer book: %v", err)
	}
}

// This is run via the RunWithTicker() helper
func (n *Node) report(ctx context.Context) error {
	snapshot := n.Monitor.Snapshot()
	log.Infof("Peers: %d connected", len(snapshot))

	for _, r := range snapshot {
		log.WithFields(log.Fields{
			"id":      r.ID,
			"addr":    r.Address,
			"latency": r.Latency(),
			"version": r.Version(),
			"agent":   r.Agent(),
			"height":  r.Height,
		}).Info("Peer")
	}

	return nil
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	log.Infof("Serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
