package objects

import (
	"sync"

	"github.com/wardenproject/warden/internal/shared/id"
)

type ringKey struct {
	oid     id.ObjectID
	version uint64
}

type ringEntry struct {
	attrs Attrs
	refs  int
}

// Retained is a handle on a preserved object version. The manager
// keeps the version alive until every holding checkpoint releases it.
type Retained struct {
	key   ringKey
	attrs Attrs
}

// Attrs returns the preserved attribute map (read-only).
func (r *Retained) Attrs() Attrs { return r.attrs }

// VersionRing preserves referenced object versions for large
// snapshots. Entries are immutable maps shared by reference, so
// retaining a 5 MB payload costs a map insert, not a copy.
type VersionRing struct {
	mu      sync.Mutex
	entries map[ringKey]*ringEntry
}

// NewVersionRing creates an empty ring.
func NewVersionRing() *VersionRing {
	return &VersionRing{entries: make(map[ringKey]*ringEntry)}
}

// Retain records a reference to (oid, version) and returns a handle.
func (r *VersionRing) Retain(oid id.ObjectID, version uint64, attrs Attrs) *Retained {
	key := ringKey{oid: oid, version: version}
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &ringEntry{attrs: attrs}
		r.entries[key] = e
	}
	e.refs++
	r.mu.Unlock()
	return &Retained{key: key, attrs: e.attrs}
}

// Release drops one reference; the version is forgotten when the last
// holder releases it.
func (r *VersionRing) Release(ret *Retained) {
	if ret == nil {
		return
	}
	r.mu.Lock()
	if e, ok := r.entries[ret.key]; ok {
		e.refs--
		if e.refs <= 0 {
			delete(r.entries, ret.key)
		}
	}
	r.mu.Unlock()
}

// RefCount reports the current reference count for (oid, version).
func (r *VersionRing) RefCount(oid id.ObjectID, version uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[ringKey{oid: oid, version: version}]; ok {
		return e.refs
	}
	return 0
}

// Len reports how many versions are currently preserved.
func (r *VersionRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
