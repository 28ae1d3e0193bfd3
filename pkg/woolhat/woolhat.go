// pkg/woolhat/woolhat.go
package woolhat

import (
	"sync/atomic"

	"hatrack/pkg/hash"
	"hatrack/pkg/mmm"
	"hatrack/pkg/observe"
)

const (
	// MinSizeLog is the log2 of the smallest store a table will use.
	MinSizeLog = 4

	// RetryThreshold is the number of migration-induced retries a mutator
	// tolerates before it raises the table's help counter, which forces
	// subsequent migrations to double the store.
	RetryThreshold = 7

	minSize = uint64(1) << MinSizeLog
)

// Table is a lock-free, wait-free hash table from 128-bit hash values to
// opaque items, with linearizable moment-in-time views. Keys are never
// stored; hash equality is the identity test, so callers must supply
// hashes from a function strong enough to make collisions negligible.
//
// Every operation takes a *mmm.ThreadContext acquired from the table's
// manager; the context carries the caller's epoch reservation and
// retirement list and must not be shared between goroutines.
type Table struct {
	mgr     *mmm.Manager
	obs     observe.Observer
	cleanup func(item any)

	current    atomic.Pointer[store]
	itemCount  atomic.Int64
	helpNeeded atomic.Int64
}

// Options configures a table. The zero value gives the minimum store
// size, the shared default manager, no observer and no item cleanup.
type Options struct {
	// SizeLog is the log2 of the initial bucket count. Values below
	// MinSizeLog are raised to it.
	SizeLog uint

	// Manager supplies epochs and reclamation. Tables sharing a manager
	// can share view linearization epochs. Defaults to mmm.Default().
	Manager *mmm.Manager

	// Observer receives migration and helping events. Defaults to the
	// no-op observer.
	Observer observe.Observer

	// ItemCleanup, if set, runs for each stored item once the memory
	// manager proves no reader can still hold the record carrying it.
	ItemCleanup func(item any)
}

// Stats is a point-in-time snapshot of a table.
type Stats struct {
	StoreSize uint64
	Used      int64
	Items     int64
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

// Init initializes a zero-value table with default options.
func (t *Table) Init() {
	t.InitOptions(Options{})
}

// InitSize initializes a zero-value table with 1<<sizeLog buckets.
func (t *Table) InitSize(sizeLog uint) {
	t.InitOptions(Options{SizeLog: sizeLog})
}

// InitOptions initializes a zero-value table from opts. Useful when the
// table is embedded in a larger struct.
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

// Manager returns the memory manager this table is bound to. Thread
// contexts passed to the table's operations must come from it.
func (t *Table) Manager() *mmm.Manager {
	return t.mgr
}

// Len returns the item count. The value is approximate under concurrent
// mutation.
func (t *Table) Len() int {
	return int(t.itemCount.Load())
}

// Stats returns a snapshot of the table's counters.
func (t *Table) Stats() Stats {
	s := t.current.Load()
	st := Stats{Items: t.itemCount.Load()}
	if s != nil {
		st.StoreSize = s.size()
		st.Used = s.usedCount.Load()
	}
	return st
}

// Cleanup retires every outstanding record and the current store. The
// table must not be used afterwards. Item cleanup hooks run once the
// memory manager proves no reader can reach the records.
func (t *Table) Cleanup(tc *mmm.ThreadContext) {
	s := t.current.Swap(nil)
	if s == nil {
		return
	}
	// Only heads are outstanding: everything below a head was already
	// retired by whichever writer displaced it.
	for i := range s.buckets {
		if head, _ := unpack(s.buckets[i].state.Load()); head != nil {
			tc.Retire(&head.Header)
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
	head := liveHead(b.state.Load())
	if head == nil {
		return nil, false
	}
	// Pin the record to a definite epoch so later readers agree on when
	// this value appeared.
	t.mgr.HelpCommit(&head.Header)
	return head.item, true
}

// Put stores item under hv and returns the displaced item, if any.
//
// When a racing writer overwrites us before our record lands, the write
// is still reported as a success that was immediately overwritten: Put
// returns (item, true) with the caller's own value, so the caller knows
// it owns the reclamation of that value. This is what makes Put wait-free
// rather than merely lock-free, and it deliberately differs from
// conventional map APIs.
func (t *Table) Put(tc *mmm.ThreadContext, hv hash.Hash, item any) (any, bool) {
	tc.StartBasicOp()
	defer tc.EndOp()

	ctx := &opCtx{}
	defer t.finishOp(ctx)
	return t.storePut(tc, t.current.Load(), hv, item, ctx)
}

// Add stores item under hv only if no live value is present. Returns
// false when a value exists or a racing add won.
func (t *Table) Add(tc *mmm.ThreadContext, hv hash.Hash, item any) bool {
	tc.StartBasicOp()
	defer tc.EndOp()

	ctx := &opCtx{}
	defer t.finishOp(ctx)
	return t.storeAdd(tc, t.current.Load(), hv, item, ctx)
}

// Replace stores item under hv only if a live value is present, returning
// the displaced item. The lost-overwrite convention of Put applies. If a
// remover has requested help, Replace installs the deletion on its behalf
// and reports not-found.
func (t *Table) Replace(tc *mmm.ThreadContext, hv hash.Hash, item any) (any, bool) {
	tc.StartBasicOp()
	defer tc.EndOp()

	ctx := &opCtx{}
	defer t.finishOp(ctx)
	return t.storeReplace(tc, t.current.Load(), hv, item, ctx)
}

// Remove deletes the value under hv and returns it. Returns not-found if
// the bucket is absent, empty, or another deletion linearized first.
func (t *Table) Remove(tc *mmm.ThreadContext, hv hash.Hash) (any, bool) {
	tc.StartBasicOp()
	defer tc.EndOp()

	ctx := &opCtx{}
	defer t.finishOp(ctx)
	return t.storeRemove(tc, t.current.Load(), hv, ctx)
}

// opCtx tracks one mutator call's migration-induced retries. Crossing
// RetryThreshold raises the table's help counter, which forces migrations
// to double the store until the counter drains, bounding further retries.
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
// that has reached its threshold. Mutations of pre-existing buckets never
// claim slots, so without this check they could leave a crowded store in
// place indefinitely.
func (t *Table) migrateIfCrowded(tc *mmm.ThreadContext, s *store) {
	if s.usedCount.Load() >= s.threshold {
		t.migrate(tc, s)
	}
}

func (t *Table) newRecord(item any, next *Record, deleted bool) *Record {
	rec := &Record{next: next, item: item, deleted: deleted}
	if t.cleanup != nil && !deleted {
		rec.SetCleanup(func() { t.cleanup(rec.item) })
	}
	return rec
}

// installRecord finishes a successful installation: commit the write
// epoch, then resolve the creation epoch by reading one level down the
// chain. A live ancestor passes its creation epoch through; otherwise the
// record starts a fresh chain and its own write epoch is the sort key.
func (t *Table) installRecord(rec *Record, below *Record) {
	t.mgr.CommitWrite(&rec.Header)
	if below != nil && !below.deleted {
		rec.SetCreateEpoch(below.SortEpoch())
	} else {
		rec.SetCreateEpoch(rec.WriteEpoch())
	}
}

func (t *Table) storePut(tc *mmm.ThreadContext, s *store, hv hash.Hash, item any, ctx *opCtx) (any, bool) {
	b, full := s.acquireBucket(hv)
	if full {
		return t.storePut(tc, t.retryStore(tc, s, ctx, "put"), hv, item, ctx)
	}
	for {
		sp := b.state.Load()
		head, flags := unpack(sp)
		if flags&flagMoving != 0 {
			return t.storePut(tc, t.retryStore(tc, s, ctx, "put"), hv, item, ctx)
		}
		if head != nil {
			t.mgr.HelpCommit(&head.Header)
		}
		if flags&flagDeleteHelp != 0 && head != nil && !head.deleted {
			t.helpDelete(tc, b, sp, head)
			continue
		}
		rec := t.newRecord(item, head, false)
		if b.state.CompareAndSwap(sp, &state{head: rec}) {
			t.installRecord(rec, head)
			if head != nil {
				tc.Retire(&head.Header)
			}
			t.migrateIfCrowded(tc, s)
			if head == nil || head.deleted {
				t.itemCount.Add(1)
				return nil, false
			}
			return head.item, true
		}
		_, nf := unpack(b.state.Load())
		if nf&flagMoving != 0 {
			return t.storePut(tc, t.retryStore(tc, s, ctx, "put"), hv, item, ctx)
		}
		// We wrote first and were immediately overwritten. The record was
		// never published, so its memory and the caller's item both go
		// back to the caller.
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
		head, flags := unpack(sp)
		if flags&flagMoving != 0 {
			return t.storeAdd(tc, t.retryStore(tc, s, ctx, "add"), hv, item, ctx)
		}
		if head != nil {
			t.mgr.HelpCommit(&head.Header)
		}
		if flags&flagDeleteHelp != 0 && head != nil && !head.deleted {
			t.helpDelete(tc, b, sp, head)
			continue
		}
		if head != nil && !head.deleted {
			return false
		}
		rec := t.newRecord(item, head, false)
		if b.state.CompareAndSwap(sp, &state{head: rec}) {
			t.installRecord(rec, head)
			t.itemCount.Add(1)
			if head != nil {
				tc.Retire(&head.Header)
			}
			t.migrateIfCrowded(tc, s)
			return true
		}
		_, nf := unpack(b.state.Load())
		if nf&flagMoving != 0 {
			return t.storeAdd(tc, t.retryStore(tc, s, ctx, "add"), hv, item, ctx)
		}
		// Racing adds fail.
		rec.SetCleanup(nil)
		tc.RetireUnused(&rec.Header)
		return false
	}
}

func (t *Table) storeReplace(tc *mmm.ThreadContext, s *store, hv hash.Hash, item any, ctx *opCtx) (any, bool) {
	b := s.findBucket(hv)
	if b == nil {
		return nil, false
	}
	for {
		sp := b.state.Load()
		head, flags := unpack(sp)
		if flags&flagMoving != 0 {
			return t.storeReplace(tc, t.retryStore(tc, s, ctx, "replace"), hv, item, ctx)
		}
		if head == nil || head.deleted {
			return nil, false
		}
		t.mgr.HelpCommit(&head.Header)
		if flags&flagDeleteHelp != 0 {
			t.helpDelete(tc, b, sp, head)
			return nil, false
		}
		rec := t.newRecord(item, head, false)
		if b.state.CompareAndSwap(sp, &state{head: rec}) {
			t.installRecord(rec, head)
			tc.Retire(&head.Header)
			t.migrateIfCrowded(tc, s)
			return head.item, true
		}
		_, nf := unpack(b.state.Load())
		if nf&flagMoving != 0 {
			return t.storeReplace(tc, t.retryStore(tc, s, ctx, "replace"), hv, item, ctx)
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
		head, flags := unpack(sp)
		if flags&flagMoving != 0 {
			return t.storeRemove(tc, t.retryStore(tc, s, ctx, "remove"), hv, ctx)
		}
		if head == nil || head.deleted {
			return nil, false
		}
		t.mgr.HelpCommit(&head.Header)
		del := t.newRecord(nil, head, true)
		if b.state.CompareAndSwap(sp, &state{head: del}) {
			t.installRecord(del, head)
			tc.Retire(&head.Header)
			t.itemCount.Add(-1)
			t.migrateIfCrowded(tc, s)
			return head.item, true
		}
		sp2 := b.state.Load()
		h2, f2 := unpack(sp2)
		if f2&flagMoving != 0 {
			tc.RetireUnused(&del.Header)
			return t.storeRemove(tc, t.retryStore(tc, s, ctx, "remove"), hv, ctx)
		}
		if h2 == nil || h2.deleted {
			// Someone else's deletion, possibly installed on our behalf,
			// linearized first; we order after it.
			tc.RetireUnused(&del.Header)
			return nil, false
		}
		// A live write beat us. Flag the bucket so the next writer
		// installs the deletion for us, then try again ourselves.
		tc.RetireUnused(&del.Header)
		t.orDeleteHelp(b)
	}
}

// helpDelete installs a deletion record over head on behalf of a remover
// that set the delete-help flag. Installing with empty flags clears the
// request; a failed CAS means some other thread made progress instead.
func (t *Table) helpDelete(tc *mmm.ThreadContext, b *bucket, sp *state, head *Record) {
	del := t.newRecord(nil, head, true)
	if b.state.CompareAndSwap(sp, &state{head: del}) {
		t.installRecord(del, head)
		tc.Retire(&head.Header)
		t.itemCount.Add(-1)
	} else {
		tc.RetireUnused(&del.Header)
	}
}

// orDeleteHelp sets the delete-help flag on b's state, keeping the head.
// A no-op if the bucket has gone empty, frozen, or already flagged.
func (t *Table) orDeleteHelp(b *bucket) {
	for {
		sp := b.state.Load()
		head, flags := unpack(sp)
		if head == nil || head.deleted || flags&(flagDeleteHelp|flagMoving) != 0 {
			return
		}
		if b.state.CompareAndSwap(sp, &state{head: head, flags: flags | flagDeleteHelp}) {
			return
		}
	}
}
