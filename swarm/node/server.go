package node

import (
	"peerwatch/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// Peer is the RPC service every node exposes to the connection groups of other nodes.
type Peer struct {
	node *Node
}

// RPC: Hello
func (p *Peer) Hello(req *protocol.HelloRequest, res *protocol.HelloResponse) error {
	log.Debugf("Peer.Hello from %q (version %d)", req.UserAgent, req.ProtocolVersion)
	res.ProtocolVersion = p.node.protocolVersion()
	res.UserAgent = p.node.cfg.Node.UserAgent
	res.Height = p.node.Height()
	return nil
}

// RPC: Ping
func (p *Peer) Ping(req *protocol.PingRequest, res *protocol.PingResponse) error {
	res.Nonce = req.Nonce
	return nil
}

// RPC: Status
func (p *Peer) Status(req *protocol.StatusRequest, res *protocol.StatusResponse) error {
	res.Height = p.node.Height()
	return nil
}
