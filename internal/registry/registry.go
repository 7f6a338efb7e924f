// Package registry implements the single-flight in-flight download
// registry specified in spec §4.1: at most one upstream fetch per
// (name, version), with every concurrent caller joining the same
// ActiveDownload.
package registry

import (
	"sync"

	"github.com/APTlantis/crates-mirror/internal/crate"
)

// InFlightRegistry maps a crate.Req to its shared ActiveDownload. Reads may
// be concurrent; insertion and removal are serialized, and the
// absent-to-present transition for a given key happens at most once per
// entry lifetime — see GetOrCreate.
type InFlightRegistry struct {
	mu      sync.RWMutex
	entries map[crate.Req]*ActiveDownload
}

// New returns an empty registry.
func New() *InFlightRegistry {
	return &InFlightRegistry{entries: make(map[crate.Req]*ActiveDownload)}
}

// GetOrCreate returns the ActiveDownload for req, creating one if absent.
// created is true only for the single caller responsible for spawning the
// upstream fetcher; every other concurrent caller observes created=false
// and must not start a second fetch.
func (r *InFlightRegistry) GetOrCreate(req crate.Req) (dl *ActiveDownload, created bool) {
	r.mu.RLock()
	if existing, ok := r.entries[req]; ok {
		r.mu.RUnlock()
		metJoined.Inc()
		return existing, false
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the exclusive lock: another writer may have won the
	// race between the RUnlock above and this Lock.
	if existing, ok := r.entries[req]; ok {
		metJoined.Inc()
		return existing, false
	}
	dl = newActiveDownload(req)
	r.entries[req] = dl
	metCreated.Inc()
	metInFlight.Inc()
	return dl, true
}

// Remove deletes the entry for req if present. Idempotent: removing an
// already-absent entry is a no-op.
func (r *InFlightRegistry) Remove(req crate.Req) {
	r.mu.Lock()
	_, existed := r.entries[req]
	delete(r.entries, req)
	r.mu.Unlock()
	if existed {
		metInFlight.Dec()
	}
}

// Len reports the number of in-flight entries. Test/diagnostic helper.
func (r *InFlightRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
