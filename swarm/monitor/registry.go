package monitor

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry is the set of currently connected peers. Iteration follows insertion order.
// All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	peers *orderedmap.OrderedMap[ID, Record]
}

func NewRegistry() *Registry {
	return &Registry{
		peers: orderedmap.New[ID, Record](),
	}
}

// Upsert inserts a record for id if there is none yet. It reports whether a record was inserted.
func (r *Registry) Upsert(id ID, info Info) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers.Get(id); ok {
		return false
	}
	r.peers.Set(id, newRecord(id, info))
	return true
}

// Remove deletes the record for id. Removing an absent id is a no-op.
func (r *Registry) Remove(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.peers.Delete(id)
	return ok
}

// Update applies fn to the record for id. It does nothing and returns false when id is absent,
// so a late update can never bring a removed peer back.
func (r *Registry) Update(id ID, fn func(rec *Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.peers.Get(id)
	if !ok {
		return false
	}

	addr := rec.Address
	fn(&rec)

	// Identity fields are owned by the registry
	rec.ID = id
	rec.Address = addr

	r.peers.Set(id, rec)
	return true
}

func (r *Registry) Get(id ID) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.peers.Get(id)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.peers.Len()
}

// Snapshot returns a copy of all records in insertion order.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, r.peers.Len())
	for pair := r.peers.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}
