// pkg/woolhat/view.go
package woolhat

import (
	"sort"

	"hatrack/pkg/hash"
	"hatrack/pkg/mmm"
)

// ViewItem is one entry of a moment-in-time view.
type ViewItem struct {
	Hash hash.Hash
	Item any

	// SortEpoch is the entry's creation epoch: the write epoch of the
	// oldest overwrite in its chain. Sorting views by it yields insertion
	// order, stable across overwrites of the same key.
	SortEpoch uint64
}

// View returns the table's contents at a single linearization point: the
// result is exactly the logical state of the table at some epoch within
// one write of the reservation. With sorted set, entries come back in
// insertion order.
func (t *Table) View(tc *mmm.ThreadContext, sorted bool) []ViewItem {
	epoch := tc.StartLinearizedOp()
	defer tc.EndOp()

	out := t.viewEpoch(epoch)
	if sorted {
		sortView(out)
	}
	return out
}

// ViewEpoch returns the table's contents as of the given epoch. The
// caller must hold a linearized reservation at or below epoch on this
// table's manager, taken through tc; that lets several tables sharing a
// manager be viewed at one common linearization point.
func (t *Table) ViewEpoch(tc *mmm.ThreadContext, epoch uint64) []ViewItem {
	return t.viewEpoch(epoch)
}

func (t *Table) viewEpoch(epoch uint64) []ViewItem {
	s := t.current.Load()
	out := make([]ViewItem, 0, t.itemCount.Load())
	for i := range s.buckets {
		b := &s.buckets[i]
		head, _ := unpack(b.state.Load())
		if head == nil {
			continue
		}
		// The head may not have a committed epoch yet; give it one so we
		// can decide on which side of the snapshot it falls.
		t.mgr.HelpCommit(&head.Header)

		// Chains are ordered by descending write epoch. The first record
		// at or below the snapshot epoch is the bucket's state then.
		rec := head
		for rec != nil && rec.WriteEpoch() > epoch {
			rec = rec.next
		}
		if rec == nil || rec.deleted {
			continue
		}
		out = append(out, ViewItem{
			Hash:      *b.hv.Load(),
			Item:      rec.item,
			SortEpoch: rec.SortEpoch(),
		})
	}
	return out
}

func sortView(items []ViewItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].SortEpoch < items[j].SortEpoch
	})
}
