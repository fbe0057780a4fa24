package monitor

import (
	"fmt"
	"strconv"
	"time"
)

// ID identifies one logical peer connection. A reconnect to the same address gets a new ID.
type ID string

// Info is what the connection group knows about a peer at connect time.
type Info struct {
	Address string

	// Handshake data, only meaningful when Handshaked is set
	Handshaked      bool
	ProtocolVersion uint32
	UserAgent       string

	Height uint64
}

// Record is the monitor's view of a single connected peer. Records are values: a Record
// obtained from the Registry never changes underneath the caller.
type Record struct {
	ID      ID
	Address string

	Handshaked      bool
	ProtocolVersion uint32
	UserAgent       string

	Height uint64

	LatencyKnown bool
	LastLatency  time.Duration
}

func newRecord(id ID, info Info) Record {
	return Record{
		ID:              id,
		Address:         info.Address,
		Handshaked:      info.Handshaked,
		ProtocolVersion: info.ProtocolVersion,
		UserAgent:       info.UserAgent,
		Height:          info.Height,
	}
}

// Latency formats the last probe round-trip as "<n> ms", or "unknown" if no probe has completed.
func (r Record) Latency() string {
	if !r.LatencyKnown {
		return "unknown"
	}
	return fmt.Sprintf("%d ms", r.LastLatency.Milliseconds())
}

// Version returns the protocol version, or "-" before the handshake completed.
func (r Record) Version() string {
	if !r.Handshaked {
		return "-"
	}
	return strconv.FormatUint(uint64(r.ProtocolVersion), 10)
}

// Agent returns the user agent, or "-" before the handshake completed.
func (r Record) Agent() string {
	if !r.Handshaked {
		return "-"
	}
	return r.UserAgent
}
