package monitor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(records []Record) []ID {
	out := make([]ID, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestRegistryUpsertRemove(t *testing.T) {
	r := NewRegistry()

	require.True(t, r.Upsert("a", Info{Address: "10.0.0.1:8333"}))
	require.True(t, r.Upsert("b", Info{Address: "10.0.0.2:8333"}))

	// A second connect for a live id keeps the original record
	assert.False(t, r.Upsert("a", Info{Address: "10.9.9.9:1"}))
	rec, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:8333", rec.Address)
	assert.Equal(t, 2, r.Len())

	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	assert.Equal(t, []ID{"b"}, ids(r.Snapshot()))
}

func TestRegistryUpdateAbsent(t *testing.T) {
	r := NewRegistry()

	called := false
	assert.False(t, r.Update("ghost", func(rec *Record) { called = true }))
	assert.False(t, called)
	assert.Equal(t, 0, r.Len())

	r.Upsert("a", Info{Address: "10.0.0.1"})
	r.Remove("a")
	assert.False(t, r.Update("a", func(rec *Record) { rec.Height = 7 }))
	_, ok := r.Get("a")
	assert.False(t, ok, "update must not resurrect a removed record")
}

func TestRegistryUpdateKeepsIdentity(t *testing.T) {
	r := NewRegistry()
	r.Upsert("a", Info{Address: "10.0.0.1"})

	require.True(t, r.Update("a", func(rec *Record) {
		rec.ID = "b"
		rec.Address = "elsewhere"
		rec.Height = 100
	}))

	rec, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, ID("a"), rec.ID)
	assert.Equal(t, "10.0.0.1", rec.Address)
	assert.Equal(t, uint64(100), rec.Height)
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.Upsert("a", Info{Address: "10.0.0.1"})

	snap := r.Snapshot()
	r.Update("a", func(rec *Record) {
		rec.LatencyKnown = true
		rec.LastLatency = 5 * time.Millisecond
	})

	assert.False(t, snap[0].LatencyKnown)
	assert.Equal(t, "unknown", snap[0].Latency())

	snap[0].Height = 999
	rec, _ := r.Get("a")
	assert.Equal(t, uint64(0), rec.Height)
}

func TestRegistrySnapshotOrder(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 5; i++ {
		r.Upsert(ID(fmt.Sprint(i)), Info{})
	}
	r.Remove("2")
	r.Update("0", func(rec *Record) { rec.Height = 1 })
	r.Upsert("2", Info{})

	assert.Equal(t, []ID{"0", "1", "3", "4", "2"}, ids(r.Snapshot()))
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry()

	const peers = 50
	var wg sync.WaitGroup

	for i := 0; i < peers; i++ {
		i := i
		id := ID(fmt.Sprint(i))
		wg.Add(3)
		go func() {
			defer wg.Done()
			r.Upsert(id, Info{Address: string(id)})
			if i%2 == 0 {
				r.Remove(id)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				r.Update(id, func(rec *Record) { rec.Height++ })
			}
		}()
		go func() {
			defer wg.Done()
			for _, rec := range r.Snapshot() {
				// Every record a reader sees is internally consistent
				assert.Equal(t, string(rec.ID), rec.Address)
			}
		}()
	}
	wg.Wait()

	// Only odd peers remain connected, no duplicates
	snap := r.Snapshot()
	assert.Len(t, snap, peers/2)
	seen := make(map[ID]bool)
	for _, rec := range snap {
		assert.False(t, seen[rec.ID])
		seen[rec.ID] = true
	}
}

func TestRecordFormatting(t *testing.T) {
	rec := newRecord("a", Info{Address: "10.0.0.1"})
	assert.Equal(t, "unknown", rec.Latency())
	assert.Equal(t, "-", rec.Version())
	assert.Equal(t, "-", rec.Agent())

	rec.LatencyKnown = true
	rec.LastLatency = 42*time.Millisecond + 700*time.Microsecond
	assert.Equal(t, "42 ms", rec.Latency())

	rec = newRecord("b", Info{Handshaked: true, ProtocolVersion: 70015, UserAgent: "/peerwatch:0.1/"})
	assert.Equal(t, "70015", rec.Version())
	assert.Equal(t, "/peerwatch:0.1/", rec.Agent())
}
