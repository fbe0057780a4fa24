package commands

import (
	"context"
	"net"

	"peerwatch/config"
	"peerwatch/datastore/leveldb"
	"peerwatch/swarm/node"

	log "github.com/sirupsen/logrus"
)

func RunServe(ctx context.Context, cfg *config.Config) {
	var book *leveldb.PeerBook
	if cfg.DataStore.PeerBookPath != "" {
		var err error
		book, err = leveldb.NewPeerBook(cfg.DataStore.PeerBookPath)
		if err != nil {
			log.Fatalf("Failed to open peer book: %v", err)
		}
		defer book.Close()
	}

	l, err := net.Listen("tcp", cfg.Network.RPCListenAddress)
	if err != nil {
		log.Fatalf("Failed to create a listener: %v", err)
	}

	n, err := node.New(cfg, l, book)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	if err := n.Run(ctx); err != nil {
		log.Errorf("Node stopped: %v", err)
		return
	}
	log.Info("Node stopped")
}
