// pkg/mmm/mmm.go
package mmm

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Configuration constants. RetireFreqLog is the log2 of the number of
// retirements between collection passes on a thread's retirement list.
const (
	// ThreadsMax is the size of the reservation array and therefore the
	// maximum number of concurrently registered threads.
	ThreadsMax = 4096

	// RetireFreqLog: a thread scans its retirement list every
	// 1 << RetireFreqLog retirements.
	RetireFreqLog = 7

	// EpochUnreserved is the reservation sentinel meaning "this thread is
	// not reading".
	EpochUnreserved = ^uint64(0)

	// epochStart is the first epoch ever issued. 0 means "uncommitted".
	epochStart = 1

	// reservationHelp is the help-request flag a reader sets in its own
	// reservation slot when epoch churn keeps it from linearizing. The top
	// two bits of an epoch are reserved for flags.
	reservationHelp = uint64(1) << 63

	// reservationRetries is the number of reserve attempts a linearizing
	// reader makes before requesting help from writers.
	reservationRetries = 8
)

// reservation is one slot of the reservation array. Each slot sits on its
// own cache line so readers don't invalidate each other's lines.
type reservation struct {
	epoch atomic.Uint64
	_     cpu.CacheLinePad
}

// Manager owns the global epoch counter and the reservation array. All
// tables that want to share linearization epochs (for example to build a
// multi-table view at a single epoch) must share a Manager.
//
// The zero value is not usable; call New.
type Manager struct {
	epoch      atomic.Uint64
	helpNeeded atomic.Int64
	slots      [ThreadsMax]reservation

	mu      sync.Mutex
	freeIDs []int
	nextID  int
	orphans *Header // retirement lists handed back by released threads

	retired atomic.Int64
	freed   atomic.Int64
}

// ManagerStats is a point-in-time snapshot of a manager's counters.
type ManagerStats struct {
	Epoch       uint64
	HelpNeeded  int64
	LiveThreads int
	Retired     int64
	Freed       int64
}

var (
	defaultOnce sync.Once
	defaultMgr  *Manager
)

// Default returns the process-wide shared manager. Tables created without
// an explicit manager use it, which lets their views share epochs.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultMgr = New()
	})
	return defaultMgr
}

// New creates a manager with epoch 1 and every reservation slot unreserved.
func New() *Manager {
	m := &Manager{}
	m.epoch.Store(epochStart)
	for i := range m.slots {
		m.slots[i].epoch.Store(EpochUnreserved)
	}
	return m
}

// Epoch returns the current global epoch.
func (m *Manager) Epoch() uint64 {
	return m.epoch.Load()
}

// CommitWrite issues a fresh epoch and CASes h's write epoch from 0 to it.
// Returns true if this call committed the record; false means another
// thread already helped, which is benign. The caller must call this (or
// let HelpCommit do it) exactly conceptually once per published record.
func (m *Manager) CommitWrite(h *Header) bool {
	m.helpReservations()
	e := m.epoch.Add(1)
	return h.writeEpoch.CompareAndSwap(0, e)
}

// HelpCommit commits h's write epoch if no one has yet. Any thread that
// observes an uncommitted record it depends on must call this before
// making decisions based on the record's epoch.
func (m *Manager) HelpCommit(h *Header) {
	if h == nil || h.writeEpoch.Load() != 0 {
		return
	}
	m.CommitWrite(h)
}

// StampCommitted issues a fresh epoch and installs it as both the write
// and create epoch of h. For records that need no linearization guarantee
// and are stamped before they are published, so no CAS is required.
func (m *Manager) StampCommitted(h *Header) {
	m.helpReservations()
	e := m.epoch.Add(1)
	h.writeEpoch.Store(e)
	h.createEpoch.Store(e)
}

// helpReservations installs the current epoch into every reservation slot
// whose owner has requested help. Called by writers before they advance
// the epoch; this bounds a reader's linearization time by the number of
// concurrent writers.
func (m *Manager) helpReservations() {
	if m.helpNeeded.Load() == 0 {
		return
	}
	cur := m.epoch.Load()
	n := m.issuedIDs()
	for i := 0; i < n; i++ {
		v := m.slots[i].epoch.Load()
		if v == EpochUnreserved || v&reservationHelp == 0 {
			continue
		}
		if m.slots[i].epoch.CompareAndSwap(v, cur) {
			m.helpNeeded.Add(-1)
		}
	}
}

// minReservation returns the smallest epoch any registered thread has
// reserved, or EpochUnreserved when nothing is reserved anywhere. A
// retired object may be freed once its retire epoch is strictly below
// this value; with no reservations that is every retired object.
func (m *Manager) minReservation() uint64 {
	min := uint64(EpochUnreserved)
	n := m.issuedIDs()
	for i := 0; i < n; i++ {
		v := m.slots[i].epoch.Load()
		if v == EpochUnreserved {
			continue
		}
		v &^= reservationHelp
		if v < min {
			min = v
		}
	}
	return min
}

func (m *Manager) issuedIDs() int {
	m.mu.Lock()
	n := m.nextID
	m.mu.Unlock()
	return n
}

// Reclaim frees everything on the orphan list (retirement lists handed
// back by released threads) that no live reservation still protects.
func (m *Manager) Reclaim() {
	m.mu.Lock()
	list := m.orphans
	m.orphans = nil
	m.mu.Unlock()

	min := m.minReservation()
	var keep *Header
	for h := list; h != nil; {
		next := h.next
		if h.retireEpoch.Load() < min {
			m.free(h)
		} else {
			h.next = keep
			keep = h
		}
		h = next
	}
	if keep != nil {
		m.mu.Lock()
		m.adoptLocked(keep)
		m.mu.Unlock()
	}
}

func (m *Manager) adoptLocked(list *Header) {
	tail := list
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = m.orphans
	m.orphans = list
}

func (m *Manager) free(h *Header) {
	h.next = nil
	if h.cleanup != nil {
		h.cleanup()
	}
	m.freed.Add(1)
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	live := m.nextID - len(m.freeIDs)
	m.mu.Unlock()
	return ManagerStats{
		Epoch:       m.epoch.Load(),
		HelpNeeded:  m.helpNeeded.Load(),
		LiveThreads: live,
		Retired:     m.retired.Load(),
		Freed:       m.freed.Load(),
	}
}
