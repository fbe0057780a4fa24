package commands

import (
	"context"
	"time"

	"peerwatch/config"
	"peerwatch/datastore/leveldb"

	log "github.com/sirupsen/logrus"
)

// RunInfo prints the peer book left behind by previous runs.
func RunInfo(ctx context.Context, cfg *config.Config) {
	if cfg.DataStore.PeerBookPath == "" {
		log.Fatal("Peer book is disabled in the config")
	}

	book, err := leveldb.NewPeerBook(cfg.DataStore.PeerBookPath)
	if err != nil {
		log.Fatalf("Failed to open peer book: %v", err)
	}
	defer book.Close()

	entries, err := book.Enumerate()
	if err != nil {
		log.Errorf("Failed to enumerate peer book: %v", err)
		return
	}

	log.Infof("Peer book: %d peers known", len(entries))
	for _, e := range entries {
		latency := "unknown"
		if e.LatencyKnown {
			latency = e.LastLatency.Round(time.Millisecond).String()
		}
		log.Infof("Peer: %s, version: %d, agent: %q, height: %d, latency: %s, last seen: %v ago",
			e.Address, e.ProtocolVersion, e.UserAgent, e.Height, latency, time.Since(e.LastSeen).Round(time.Second))
	}
}
