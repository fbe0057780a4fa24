package leveldb

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixPeer = "PER" // Peer book entry indexed by address. Followed by the address as given in the config
)

// PeerEntry is the last known state of a peer address.
type PeerEntry struct {
	Address         string        `cbor:"1,keyasint"`
	LastSeen        time.Time     `cbor:"2,keyasint"`
	ProtocolVersion uint32        `cbor:"3,keyasint,omitempty"`
	UserAgent       string        `cbor:"4,keyasint,omitempty"`
	Height          uint64        `cbor:"5,keyasint,omitempty"`
	LatencyKnown    bool          `cbor:"6,keyasint,omitempty"`
	LastLatency     time.Duration `cbor:"7,keyasint,omitempty"`
}

// PeerBook stores one PeerEntry per peer address.
type PeerBook struct {
	*levelDB
}

func keyFromAddress(addr string) []byte {
	return append([]byte(keyPrefixPeer), []byte(addr)...)
}

func NewPeerBook(path string) (*PeerBook, error) {
	ldb, err := openLevelDB(path)
	if err != nil {
		return nil, err
	}
	return &PeerBook{levelDB: ldb}, nil
}

// Get returns the entry for addr, or leveldb.ErrNotFound.
func (b *PeerBook) Get(addr string) (*PeerEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := b.db.Get(keyFromAddress(addr), nil)
	if err != nil {
		return nil, err
	}

	e := &PeerEntry{}
	if err := cbor.Unmarshal(raw, e); err != nil {
		return nil, err
	}

	// Compare the address just in case
	if e.Address != addr {
		log.Errorf("Get: address mismatch: %s != %s", addr, e.Address)
		return nil, ErrCorrupted
	}

	return e, nil
}

// Put stores a batch of entries atomically.
func (b *PeerBook) Put(entries ...*PeerEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, e := range entries {
		raw, err := cbor.Marshal(e)
		if err != nil {
			return err
		}
		batch.Put(keyFromAddress(e.Address), raw)
	}

	return b.db.Write(batch, nil)
}

// Enumerate returns all entries ordered by address.
func (b *PeerBook) Enumerate() ([]*PeerEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var results []*PeerEntry

	iter := b.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	defer iter.Release()

	for iter.Next() {
		e := &PeerEntry{}
		if err := cbor.Unmarshal(iter.Value(), e); err != nil {
			return nil, err
		}
		results = append(results, e)
	}

	return results, iter.Error()
}
