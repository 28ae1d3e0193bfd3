// pkg/witchhat/store.go
package witchhat

import (
	"sync/atomic"

	"hatrack/pkg/hash"
	"hatrack/pkg/mmm"
)

const (
	flagMoving uint32 = 1 << 0
	flagMoved  uint32 = 1 << 1
)

// state is a bucket's record pointer and migration flags, published as an
// immutable struct behind an atomic pointer. nil reads as empty.
type state struct {
	rec   *Record
	flags uint32
}

func unpack(p *state) (rec *Record, flags uint32) {
	if p == nil {
		return nil, 0
	}
	return p.rec, p.flags
}

type bucket struct {
	hv    atomic.Pointer[hash.Hash]
	state atomic.Pointer[state]
}

type store struct {
	mmm.Header

	lastSlot  uint64
	threshold int64
	usedCount atomic.Int64
	next      atomic.Pointer[store]
	buckets   []bucket
}

func newStore(size uint64) *store {
	return &store{
		lastSlot:  size - 1,
		threshold: int64(size - size/4),
		buckets:   make([]bucket, size),
	}
}

func (s *store) size() uint64 {
	return s.lastSlot + 1
}

func (s *store) findBucket(hv hash.Hash) *bucket {
	idx := hv.Index(s.lastSlot)
	for i := uint64(0); i <= s.lastSlot; i++ {
		b := &s.buckets[idx]
		h := b.hv.Load()
		if h == nil {
			return nil
		}
		if *h == hv {
			return b
		}
		idx = (idx + 1) & s.lastSlot
	}
	return nil
}

func (s *store) acquireBucket(hv hash.Hash) (b *bucket, migrate bool) {
	idx := hv.Index(s.lastSlot)
	for i := uint64(0); i <= s.lastSlot; i++ {
		b := &s.buckets[idx]
		h := b.hv.Load()
		if h == nil {
			claim := hv
			if b.hv.CompareAndSwap(nil, &claim) {
				if s.usedCount.Add(1) >= s.threshold {
					return nil, true
				}
				return b, false
			}
			h = b.hv.Load()
		}
		if *h == hv {
			return b, false
		}
		idx = (idx + 1) & s.lastSlot
	}
	return nil, true
}

func (s *store) bucketForMove(hv hash.Hash) *bucket {
	idx := hv.Index(s.lastSlot)
	for {
		b := &s.buckets[idx]
		h := b.hv.Load()
		if h == nil {
			claim := hv
			if b.hv.CompareAndSwap(nil, &claim) {
				return b
			}
			h = b.hv.Load()
		}
		if *h == hv {
			return b
		}
		idx = (idx + 1) & s.lastSlot
	}
}

// migrate runs the same four-phase cooperative protocol as woolhat:
// freeze, agree on a successor, copy, publish. See woolhat's store for
// the full commentary; the only difference is that a bucket carries one
// record rather than a chain head.
func (t *Table) migrate(tc *mmm.ThreadContext, s *store) *store {
	newUsed := int64(0)
	for i := range s.buckets {
		b := &s.buckets[i]
		for {
			sp := b.state.Load()
			rec, flags := unpack(sp)
			if flags&flagMoving != 0 {
				if rec != nil {
					newUsed++
				}
				break
			}
			nf := flags | flagMoving
			if rec == nil {
				nf |= flagMoved
			}
			if b.state.CompareAndSwap(sp, &state{rec: rec, flags: nf}) {
				if rec != nil {
					newUsed++
				}
				break
			}
		}
	}

	ns := s.next.Load()
	forced := false
	if ns == nil {
		cur := s.size()
		var newSize uint64
		switch {
		case t.helpNeeded.Load() > 0:
			newSize = cur * 2
			forced = true
		case newUsed >= int64(cur/2):
			newSize = cur * 2
		case newUsed <= int64(cur/4) && cur > minSize:
			newSize = cur / 2
		default:
			newSize = cur
		}
		cand := newStore(newSize)
		t.mgr.StampCommitted(&cand.Header)
		if s.next.CompareAndSwap(nil, cand) {
			ns = cand
		} else {
			ns = s.next.Load()
		}
	}

	for i := range s.buckets {
		b := &s.buckets[i]
		sp := b.state.Load()
		rec, flags := unpack(sp)
		if flags&flagMoved != 0 {
			continue
		}
		hv := *b.hv.Load()
		target := ns.bucketForMove(hv)
		target.state.CompareAndSwap(nil, &state{rec: rec})
		for {
			sp2 := b.state.Load()
			r2, f2 := unpack(sp2)
			if f2&flagMoved != 0 {
				break
			}
			if b.state.CompareAndSwap(sp2, &state{rec: r2, flags: f2 | flagMoved}) {
				break
			}
		}
	}

	ns.usedCount.CompareAndSwap(0, newUsed)
	if t.current.CompareAndSwap(s, ns) {
		tc.Retire(&s.Header)
		t.obs.Migration(s.size(), ns.size(), forced)
	}
	return ns
}
