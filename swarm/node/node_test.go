package node

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"peerwatch/config"
	"peerwatch/datastore/leveldb"
	"peerwatch/swarm/monitor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(peers ...string) *config.Config {
	cfg := config.NewEmptyConfig("")
	cfg.Network.RPCListenAddress = "127.0.0.1:0"
	cfg.Network.MetricsListenAddress = ""
	cfg.Network.Peers = peers
	cfg.Network.StatusInterval = config.Duration(10 * time.Millisecond)
	cfg.Network.RedialInterval = config.Duration(10 * time.Millisecond)
	cfg.Monitor.ProbeInterval = config.Duration(20 * time.Millisecond)
	cfg.Monitor.ReportInterval = 0
	cfg.DataStore.PeerBookPath = ""
	return cfg
}

func startNode(t *testing.T, cfg *config.Config, book *leveldb.PeerBook) (*Node, context.CancelFunc) {
	t.Helper()

	l, err := net.Listen("tcp", cfg.Network.RPCListenAddress)
	require.NoError(t, err)

	n, err := New(cfg, l, book)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	return n, func() {
		cancel()
		assert.NoError(t, <-done)
	}
}

func waitForPeer(t *testing.T, n *Node, cond func(r monitor.Record) bool) monitor.Record {
	t.Helper()

	var found monitor.Record
	require.Eventually(t, func() bool {
		for _, r := range n.Monitor.Snapshot() {
			if cond(r) {
				found = r
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	return found
}

func TestTwoNodes(t *testing.T) {
	cfgB := testConfig()
	cfgB.Node.UserAgent = "/b/"
	cfgB.Node.Height = 42
	b, stopB := startNode(t, cfgB, nil)

	book, err := leveldb.NewPeerBook(filepath.Join(t.TempDir(), "peerbook"))
	require.NoError(t, err)
	defer book.Close()

	a, stopA := startNode(t, testConfig(b.RpcServer.Addr().String()), book)
	defer stopA()

	r := waitForPeer(t, a, func(r monitor.Record) bool { return r.LatencyKnown })
	assert.Equal(t, "/b/", r.Agent())
	assert.Equal(t, uint64(42), r.Height)
	assert.NotEqual(t, "unknown", r.Latency())

	b.SetHeight(43)
	waitForPeer(t, a, func(r monitor.Record) bool { return r.Height == 43 })

	require.Eventually(t, func() bool {
		e, err := book.Get(b.RpcServer.Addr().String())
		return err == nil && e.Height == 43 && e.UserAgent == "/b/"
	}, 3*time.Second, 5*time.Millisecond)

	// B going away removes it from A's table
	stopB()
	require.Eventually(t, func() bool { return len(a.Monitor.Snapshot()) == 0 }, 3*time.Second, 5*time.Millisecond)
}

func TestPeerWithoutPing(t *testing.T) {
	cfgB := testConfig()
	cfgB.Node.DisablePing = true
	b, stopB := startNode(t, cfgB, nil)
	defer stopB()

	a, stopA := startNode(t, testConfig(b.RpcServer.Addr().String()), nil)
	defer stopA()

	r := waitForPeer(t, a, func(monitor.Record) bool { return true })
	assert.Equal(t, "1", r.Version())

	require.Eventually(t, func() bool { return !a.Monitor.Probing(r.ID) }, 3*time.Second, 5*time.Millisecond)
	r = waitForPeer(t, a, func(monitor.Record) bool { return true })
	assert.False(t, r.LatencyKnown)
	assert.Equal(t, "unknown", r.Latency())
}
