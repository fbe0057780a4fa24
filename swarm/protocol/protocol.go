package protocol

const (
	// ProtocolVersion is announced in Hello
	ProtocolVersion = 2

	// Peer.Ping appeared in version 2
	MinPingVersion = 2
)

// RPC methods served by every node
const (
	MethodHello  = "Peer.Hello"
	MethodPing   = "Peer.Ping"
	MethodStatus = "Peer.Status"
)

type HelloRequest struct {
	ProtocolVersion uint32 `cbor:"1,keyasint,omitempty"` // Version spoken by the caller
	UserAgent       string `cbor:"2,keyasint,omitempty"` // Caller software identification
}

type HelloResponse struct {
	ProtocolVersion uint32 `cbor:"1,keyasint,omitempty"`
	UserAgent       string `cbor:"2,keyasint,omitempty"`
	Height          uint64 `cbor:"3,keyasint,omitempty"` // Current chain height of the responder
}

type PingRequest struct {
	Nonce uint64 `cbor:"1,keyasint,omitempty"` // Echoed back in PingResponse
}

type PingResponse struct {
	Nonce uint64 `cbor:"1,keyasint,omitempty"`
}

type StatusRequest struct{}

type StatusResponse struct {
	Height uint64 `cbor:"1,keyasint,omitempty"`
}
