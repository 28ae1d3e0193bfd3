// pkg/mmm/thread.go
package mmm

// ThreadContext is one registered participant: it owns a reservation slot
// and a private retirement list. A context must only be used from one
// goroutine at a time; a goroutine typically acquires one up front and
// releases it when it is done with the tables.
//
// Acquire with Manager.AcquireThread, release with Release. Exhausting
// ThreadsMax live contexts panics, as the reservation array is fixed.
type ThreadContext struct {
	mgr         *Manager
	id          int
	retireList  *Header
	retireCount uint64
}

// AcquireThread registers a participant and returns its context. IDs come
// from a free list, so a released slot is reused by later callers.
func (m *Manager) AcquireThread() *ThreadContext {
	m.mu.Lock()
	var id int
	if n := len(m.freeIDs); n > 0 {
		id = m.freeIDs[n-1]
		m.freeIDs = m.freeIDs[:n-1]
	} else {
		if m.nextID >= ThreadsMax {
			m.mu.Unlock()
			panic("mmm: thread registration exhausted")
		}
		id = m.nextID
		m.nextID++
	}
	m.mu.Unlock()
	return &ThreadContext{mgr: m, id: id}
}

// Manager returns the manager this context is registered with.
func (tc *ThreadContext) Manager() *Manager {
	return tc.mgr
}

// Release returns the context's ID to the pool. Whatever is still on the
// retirement list and cannot be freed yet is handed to the manager, which
// frees it on a later Reclaim.
func (tc *ThreadContext) Release() {
	m := tc.mgr
	m.slots[tc.id].epoch.Store(EpochUnreserved)
	tc.collect()

	m.mu.Lock()
	if tc.retireList != nil {
		m.adoptLocked(tc.retireList)
		tc.retireList = nil
	}
	m.freeIDs = append(m.freeIDs, tc.id)
	m.mu.Unlock()
	tc.mgr = nil
}

// StartBasicOp reserves the current epoch for this thread. Until EndOp,
// any object whose retire epoch is at or above the reservation stays
// alive. It does not prevent concurrent writes.
func (tc *ThreadContext) StartBasicOp() {
	tc.mgr.slots[tc.id].epoch.Store(tc.mgr.epoch.Load())
}

// StartLinearizedOp reserves an epoch E and guarantees the reservation is
// stable: the reader is linearized at the latest epoch <= E whose writes
// have been committed. If the epoch keeps advancing past the retry
// budget, the reader flags its slot for help and writers finish the
// reservation on its behalf, bounding the wait by the writer count.
func (tc *ThreadContext) StartLinearizedOp() uint64 {
	m := tc.mgr
	slot := &m.slots[tc.id].epoch
	for i := 0; i < reservationRetries; i++ {
		e := m.epoch.Load()
		slot.Store(e)
		if m.epoch.Load() == e {
			return e
		}
	}

	// Epoch churn exceeded the budget: request help.
	m.helpNeeded.Add(1)
	flagged := m.epoch.Load() | reservationHelp
	slot.Store(flagged)
	for {
		v := slot.Load()
		if v&reservationHelp == 0 {
			return v
		}
		// Keep trying ourselves; whoever clears the flag, reader or
		// writer, decrements the help counter.
		e := m.epoch.Load()
		if slot.CompareAndSwap(v, e) {
			m.helpNeeded.Add(-1)
			return e
		}
	}
}

// EndOp drops this thread's reservation.
func (tc *ThreadContext) EndOp() {
	tc.mgr.slots[tc.id].epoch.Store(EpochUnreserved)
}

// Retire marks h as unreachable from the live structure. The object stays
// alive until no reservation at or below its retire epoch remains; the
// actual free happens during a later collection pass.
func (tc *ThreadContext) Retire(h *Header) {
	h.retireEpoch.Store(tc.mgr.epoch.Load())
	h.next = tc.retireList
	tc.retireList = h
	tc.mgr.retired.Add(1)
	tc.retireCount++
	if tc.retireCount&(1<<RetireFreqLog-1) == 0 {
		tc.collect()
	}
}

// RetireUnused frees h immediately. Only valid when the caller can prove
// no other thread ever saw the pointer, e.g. a record that lost its
// installation CAS and was never published.
func (tc *ThreadContext) RetireUnused(h *Header) {
	tc.mgr.retired.Add(1)
	tc.mgr.free(h)
}

// Collect runs a collection pass immediately instead of waiting for the
// retirement counter to wrap. Useful for tests and shutdown paths.
func (tc *ThreadContext) Collect() {
	tc.collect()
}

func (tc *ThreadContext) collect() {
	min := tc.mgr.minReservation()
	var keep *Header
	for h := tc.retireList; h != nil; {
		next := h.next
		if h.retireEpoch.Load() < min {
			tc.mgr.free(h)
		} else {
			h.next = keep
			keep = h
		}
		h = next
	}
	tc.retireList = keep
}
