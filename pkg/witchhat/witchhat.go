// pkg/witchhat/witchhat.go
package witchhat

import (
	"sync/atomic"

	"hatrack/pkg/hash"
	"hatrack/pkg/mmm"
	"hatrack/pkg/observe"
)

const (
	// MinSizeLog is the log2 of the smallest store a table will use.
	MinSizeLog = 4

	// RetryThreshold mirrors woolhat: migration-induced retries past this
	// raise the help counter and force doubled successors.
	RetryThreshold = 7

	minSize = uint64(1) << MinSizeLog
)

// Table is the simpler sibling of woolhat: the same store layout,
// migration protocol and operation-level helping, but buckets hold a
// single record instead of a version chain. There is no per-record
// history, so views are fast snapshots rather than linearizable ones.
// Records are stamped with a committed epoch up front; View reports it per
// entry, but it carries no linearization contract.
type Table struct {
	mgr     *mmm.Manager
	obs     observe.Observer
	cleanup func(item any)

	current    atomic.Pointer[store]
	itemCount  atomic.Int64
	helpNeeded atomic.Int64
}

// Record is one bucket's value.
type Record struct {
	mmm.Header
	item any
}

// Item returns the user value carried by this record.
func (r *Record) Item() any {
	return r.item
}

// Options configures a table; the zero value is usable, as in woolhat.
type Options struct {
	SizeLog     uint
	Manager     *mmm.Manager
	Observer    observe.Observer
	ItemCleanup func(item any)
}

// ViewItem is one entry of a snapshot.
type ViewItem struct {
	Hash  hash.Hash
	Item  any
	Epoch uint64
}

// New creates a table with default options.
func New() *Table {
	return NewOptions(Options{})
}

// NewSize creates a table whose initial store holds 1<<sizeLog buckets.
func NewSize(sizeLog uint) *Table {
	return NewOptions(Options{SizeLog: sizeLog})
}

// NewOptions creates a table from opts.
func NewOptions(opts Options) *Table {
	t := &Table{}
	t.InitOptions(opts)
	return t
}

// InitOptions initializes a zero-value table from opts.
func (t *Table) InitOptions(opts Options) {
	t.mgr = opts.Manager
	if t.mgr == nil {
		t.mgr = mmm.Default()
	}
	t.obs = opts.Observer
	if t.obs == nil {
		t.obs = observe.Nop()
	}
	t.cleanup = opts.ItemCleanup

	size := minSize
	if opts.SizeLog > MinSizeLog {
		size = uint64(1) << opts.SizeLog
	}
	s := newStore(size)
	t.mgr.StampCommitted(&s.Header)
	t.current.Store(s)
}

// Manager returns the memory manager this table is bound to.
func (t *Table) Manager() *mmm.Manager {
	return t.mgr
}

// Len returns the item count, approximate under concurrent mutation.
func (t *Table) Len() int {
	return int(t.itemCount.Load())
}

// Cleanup retires every outstanding record and the current store.
func (t *Table) Cleanup(tc *mmm.ThreadContext) {
	s := t.current.Swap(nil)
	if s == nil {
		return
	}
	for i := range s.buckets {
		if rec, _ := unpack(s.buckets[i].state.Load()); rec != nil {
			tc.Retire(&rec.Header)
		}
	}
	tc.Retire(&s.Header)
}

// Delete is Cleanup plus an immediate reclamation pass.
func (t *Table) Delete(tc *mmm.ThreadContext) {
	t.Cleanup(tc)
	tc.Collect()
	t.mgr.Reclaim()
}

// Get returns the item stored under hv.
func (t *Table) Get(tc *mmm.ThreadContext, hv hash.Hash) (any, bool) {
	tc.StartBasicOp()
	defer tc.EndOp()

	s := t.current.Load()
	b := s.findBucket(hv)
	if b == nil {
		return nil, false
	}
	rec, _ := unpack(b.state.Load())
	if rec == nil {
		return nil, false
	}
	return rec.item, true
}

// Put stores item under hv and returns the displaced item, if any. The
// woolhat lost-overwrite convention applies: a racing overwrite returns
// (item, true) with the caller's own value.
func (t *Table) Put(tc *mmm.ThreadContext, hv hash.Hash, item any) (any, bool) {
	tc.StartBasicOp()
	defer tc.EndOp()

	ctx := &opCtx{}
	defer t.finishOp(ctx)
	return t.storePut(tc, t.current.Load(), hv, item, ctx)
}

// Add stores item under hv only if the bucket is empty.
func (t *Table) Add(tc *mmm.ThreadContext, hv hash.Hash, item any) bool {
	tc.StartBasicOp()
	defer tc.EndOp()

	ctx := &opCtx{}
	defer t.finishOp(ctx)
	return t.storeAdd(tc, t.current.Load(), hv, item, ctx)
}

// Replace stores item under hv only if a value is present.
func (t *Table) Replace(tc *mmm.ThreadContext, hv hash.Hash, item any) (any, bool) {
	tc.StartBasicOp()
	defer tc.EndOp()

	ctx := &opCtx{}
	defer t.finishOp(ctx)
	return t.storeReplace(tc, t.current.Load(), hv, item, ctx)
}

// Remove deletes the value under hv and returns it.
func (t *Table) Remove(tc *mmm.ThreadContext, hv hash.Hash) (any, bool) {
	tc.StartBasicOp()
	defer tc.EndOp()

	ctx := &opCtx{}
	defer t.finishOp(ctx)
	return t.storeRemove(tc, t.current.Load(), hv, ctx)
}

// View returns a best-effort snapshot of the table. Unlike woolhat's
// View it is not linearizable: entries reflect each bucket at the moment
// it was visited. Epoch carries each record's write epoch.
func (t *Table) View(tc *mmm.ThreadContext) []ViewItem {
	tc.StartBasicOp()
	defer tc.EndOp()

	s := t.current.Load()
	out := make([]ViewItem, 0, t.itemCount.Load())
	for i := range s.buckets {
		b := &s.buckets[i]
		rec, _ := unpack(b.state.Load())
		if rec == nil {
			continue
		}
		out = append(out, ViewItem{
			Hash:  *b.hv.Load(),
			Item:  rec.item,
			Epoch: rec.WriteEpoch(),
		})
	}
	return out
}

type opCtx struct {
	count   int
	helping bool
}

func (t *Table) retryStore(tc *mmm.ThreadContext, s *store, ctx *opCtx, op string) *store {
	ctx.count++
	t.obs.Retry(op)
	if ctx.count == RetryThreshold {
		t.helpNeeded.Add(1)
		ctx.helping = true
		t.obs.HelpRequested(op)
	}
	return t.migrate(tc, s)
}

func (t *Table) finishOp(ctx *opCtx) {
	if ctx.helping {
		t.helpNeeded.Add(-1)
	}
}

// migrateIfCrowded helps migrate after a successful mutation in a store
// that has reached its threshold, mirroring woolhat.
func (t *Table) migrateIfCrowded(tc *mmm.ThreadContext, s *store) {
	if s.usedCount.Load() >= s.threshold {
		t.migrate(tc, s)
	}
}

func (t *Table) newRecord(item any) *Record {
	rec := &Record{item: item}
	if t.cleanup != nil {
		rec.SetCleanup(func() { t.cleanup(rec.item) })
	}
	t.mgr.StampCommitted(&rec.Header)
	return rec
}

func (t *Table) storePut(tc *mmm.ThreadContext, s *store, hv hash.Hash, item any, ctx *opCtx) (any, bool) {
	b, full := s.acquireBucket(hv)
	if full {
		return t.storePut(tc, t.retryStore(tc, s, ctx, "put"), hv, item, ctx)
	}
	rec := t.newRecord(item)
	for {
		sp := b.state.Load()
		old, flags := unpack(sp)
		if flags&flagMoving != 0 {
			rec.SetCleanup(nil)
			tc.RetireUnused(&rec.Header)
			return t.storePut(tc, t.retryStore(tc, s, ctx, "put"), hv, item, ctx)
		}
		if b.state.CompareAndSwap(sp, &state{rec: rec}) {
			if old == nil {
				t.itemCount.Add(1)
				t.migrateIfCrowded(tc, s)
				return nil, false
			}
			tc.Retire(&old.Header)
			t.migrateIfCrowded(tc, s)
			return old.item, true
		}
		_, nf := unpack(b.state.Load())
		if nf&flagMoving != 0 {
			continue
		}
		rec.SetCleanup(nil)
		tc.RetireUnused(&rec.Header)
		return item, true
	}
}

func (t *Table) storeAdd(tc *mmm.ThreadContext, s *store, hv hash.Hash, item any, ctx *opCtx) bool {
	b, full := s.acquireBucket(hv)
	if full {
		return t.storeAdd(tc, t.retryStore(tc, s, ctx, "add"), hv, item, ctx)
	}
	for {
		sp := b.state.Load()
		old, flags := unpack(sp)
		if flags&flagMoving != 0 {
			return t.storeAdd(tc, t.retryStore(tc, s, ctx, "add"), hv, item, ctx)
		}
		if old != nil {
			return false
		}
		rec := t.newRecord(item)
		if b.state.CompareAndSwap(sp, &state{rec: rec}) {
			t.itemCount.Add(1)
			return true
		}
		rec.SetCleanup(nil)
		tc.RetireUnused(&rec.Header)
		_, nf := unpack(b.state.Load())
		if nf&flagMoving != 0 {
			return t.storeAdd(tc, t.retryStore(tc, s, ctx, "add"), hv, item, ctx)
		}
		return false
	}
}

func (t *Table) storeReplace(tc *mmm.ThreadContext, s *store, hv hash.Hash, item any, ctx *opCtx) (any, bool) {
	b := s.findBucket(hv)
	if b == nil {
		return nil, false
	}
	rec := t.newRecord(item)
	for {
		sp := b.state.Load()
		old, flags := unpack(sp)
		if flags&flagMoving != 0 {
			rec.SetCleanup(nil)
			tc.RetireUnused(&rec.Header)
			return t.storeReplace(tc, t.retryStore(tc, s, ctx, "replace"), hv, item, ctx)
		}
		if old == nil {
			rec.SetCleanup(nil)
			tc.RetireUnused(&rec.Header)
			return nil, false
		}
		if b.state.CompareAndSwap(sp, &state{rec: rec}) {
			tc.Retire(&old.Header)
			t.migrateIfCrowded(tc, s)
			return old.item, true
		}
		_, nf := unpack(b.state.Load())
		if nf&flagMoving != 0 {
			continue
		}
		rec.SetCleanup(nil)
		tc.RetireUnused(&rec.Header)
		return item, true
	}
}

func (t *Table) storeRemove(tc *mmm.ThreadContext, s *store, hv hash.Hash, ctx *opCtx) (any, bool) {
	b := s.findBucket(hv)
	if b == nil {
		return nil, false
	}
	for {
		sp := b.state.Load()
		old, flags := unpack(sp)
		if flags&flagMoving != 0 {
			return t.storeRemove(tc, t.retryStore(tc, s, ctx, "remove"), hv, ctx)
		}
		if old == nil {
			return nil, false
		}
		if b.state.CompareAndSwap(sp, &state{}) {
			tc.Retire(&old.Header)
			t.itemCount.Add(-1)
			t.migrateIfCrowded(tc, s)
			return old.item, true
		}
	}
}
