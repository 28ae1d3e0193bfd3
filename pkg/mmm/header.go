// pkg/mmm/header.go
package mmm

import "sync/atomic"

// Header carries the reclamation and linearization state of one managed
// object. Embed it as the first field of any struct that will be retired
// through a ThreadContext:
//
//	type record struct {
//		mmm.Header
//		item any
//	}
//
// The write epoch orders all committed writes; the create epoch is the
// write epoch of the oldest overwrite in a chain for the same key and is
// what moment-in-time iteration sorts by.
type Header struct {
	createEpoch atomic.Uint64
	writeEpoch  atomic.Uint64
	retireEpoch atomic.Uint64
	cleanup     func()
	next        *Header // retirement list link, owned by one thread
}

// WriteEpoch returns the committed epoch of this object, or 0 if the
// write has not been committed yet.
func (h *Header) WriteEpoch() uint64 {
	return h.writeEpoch.Load()
}

// CreateEpoch returns the inherited creation epoch, or 0 if the installer
// has not resolved it yet.
func (h *Header) CreateEpoch() uint64 {
	return h.createEpoch.Load()
}

// SetCreateEpoch installs the creation epoch exactly once. Later calls
// are no-ops, so a slow installer cannot overwrite a helped value.
func (h *Header) SetCreateEpoch(e uint64) {
	h.createEpoch.CompareAndSwap(0, e)
}

// SortEpoch is the epoch iteration should sort this object by: the create
// epoch when it has been resolved, otherwise the write epoch.
func (h *Header) SortEpoch() uint64 {
	if ce := h.createEpoch.Load(); ce != 0 {
		return ce
	}
	return h.writeEpoch.Load()
}

// RetireEpoch returns the epoch at which retirement was requested, or 0
// if the object is still live.
func (h *Header) RetireEpoch() uint64 {
	return h.retireEpoch.Load()
}

// SetCleanup installs a destructor invoked when the object is finally
// freed. Must be called before the object can be retired; the tables set it
// when they construct a record, before publishing it.
func (h *Header) SetCleanup(fn func()) {
	h.cleanup = fn
}
