// pkg/woolhat/concurrent_test.go
package woolhat

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"hatrack/pkg/hash"
	"hatrack/pkg/mmm"
)

func TestRaceOnOneBucket(t *testing.T) {
	m := mmm.New()
	tbl := NewOptions(Options{Manager: m})

	const writers = 8
	const perWriter = 10000
	h := hash.FromUint64(1)

	items := make([]*int, writers)
	for i := range items {
		v := i
		items[i] = &v
	}

	var g errgroup.Group
	for w := 0; w < writers; w++ {
		item := items[w]
		g.Go(func() error {
			tc := m.AcquireThread()
			defer tc.Release()
			for i := 0; i < perWriter; i++ {
				tbl.Put(tc, h, item)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if tbl.Len() != 1 {
		t.Fatalf("item count is %d after racing puts of one key", tbl.Len())
	}

	tc := m.AcquireThread()
	defer tc.Release()
	got, ok := tbl.Get(tc, h)
	if !ok {
		t.Fatal("key vanished")
	}
	found := false
	for _, item := range items {
		if got == item {
			found = true
		}
	}
	if !found {
		t.Fatalf("get returned %v, not one of the racing items", got)
	}
}

func TestDeleteHelpUnderContention(t *testing.T) {
	m := mmm.New()
	tbl := NewOptions(Options{Manager: m})
	h := hash.FromUint64(1)

	var adders errgroup.Group
	for w := 0; w < 4; w++ {
		w := w
		adders.Go(func() error {
			tc := m.AcquireThread()
			defer tc.Release()
			for i := 0; i < 20000; i++ {
				if w%2 == 0 {
					tbl.Add(tc, h, i)
				} else {
					tbl.Replace(tc, h, i)
				}
			}
			return nil
		})
	}

	stopRemover := make(chan struct{})
	var remover errgroup.Group
	remover.Go(func() error {
		tc := m.AcquireThread()
		defer tc.Release()
		for {
			select {
			case <-stopRemover:
				return nil
			default:
			}
			tbl.Remove(tc, h)
		}
	})

	// Let the adders drain first, then give the remover the last word.
	adders.Wait()

	tc := m.AcquireThread()
	defer tc.Release()
	tbl.Remove(tc, h)
	close(stopRemover)
	remover.Wait()
	tbl.Remove(tc, h)

	if v, ok := tbl.Get(tc, h); ok {
		t.Fatalf("remover had the last word but get found %v", v)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table, len=%d", tbl.Len())
	}
}

func TestViewNeverDuplicatesKeys(t *testing.T) {
	m := mmm.New()
	tbl := NewOptions(Options{Manager: m})

	h1 := hash.FromUint64(1)
	h2 := hash.FromUint64(2)

	stop := make(chan struct{})
	var writers errgroup.Group
	for w := 0; w < 4; w++ {
		writers.Go(func() error {
			tc := m.AcquireThread()
			defer tc.Release()
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				tbl.Put(tc, h1, "A")
				tbl.Put(tc, h2, "B")
				tbl.Remove(tc, h1)
				tbl.Put(tc, h1, "C")
			}
		})
	}

	viewer := m.AcquireThread()
	for i := 0; i < 500; i++ {
		view := tbl.View(viewer, true)
		seen := make(map[hash.Hash]bool, len(view))
		for _, entry := range view {
			if seen[entry.Hash] {
				t.Errorf("view %d contains hash %s twice", i, entry.Hash)
			}
			seen[entry.Hash] = true
		}
	}
	viewer.Release()
	close(stop)
	writers.Wait()
}

// TestViewPrefixConsistency checks moment-in-time semantics: with one
// writer inserting distinct keys in order, every view must be an exact
// prefix of the insertion sequence.
func TestViewPrefixConsistency(t *testing.T) {
	m := mmm.New()
	tbl := NewOptions(Options{Manager: m})

	const n = 2000
	done := make(chan struct{})
	go func() {
		defer close(done)
		tc := m.AcquireThread()
		defer tc.Release()
		for i := 1; i <= n; i++ {
			tbl.Put(tc, hash.FromUint64(uint64(i)), i)
		}
	}()

	viewer := m.AcquireThread()
	defer viewer.Release()
	for {
		view := tbl.View(viewer, true)
		for i, entry := range view {
			if entry.Item != i+1 {
				t.Fatalf("view is not a prefix: position %d holds %v", i, entry.Item)
			}
		}
		select {
		case <-done:
			final := tbl.View(viewer, true)
			if len(final) != n {
				t.Fatalf("final view has %d entries, want %d", len(final), n)
			}
			return
		default:
		}
	}
}

func TestMigrationUnderLoad(t *testing.T) {
	m := mmm.New()
	tbl := NewOptions(Options{Manager: m})

	const workers = 16
	const perWorker = 200

	type expectation struct {
		mu   sync.Mutex
		live map[uint64]int
	}
	expected := make([]*expectation, workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		exp := &expectation{live: make(map[uint64]int)}
		expected[w] = exp
		g.Go(func() error {
			tc := m.AcquireThread()
			defer tc.Release()
			rng := rand.New(rand.NewSource(int64(w)))
			inserted := make([]uint64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				key := uint64(w*perWorker + i + 1)
				tbl.Put(tc, hash.FromUint64(key), int(key))
				inserted = append(inserted, key)
				exp.mu.Lock()
				exp.live[key] = int(key)
				exp.mu.Unlock()

				if rng.Intn(2) == 0 && len(inserted) > 0 {
					victim := inserted[rng.Intn(len(inserted))]
					if _, ok := tbl.Remove(tc, hash.FromUint64(victim)); ok {
						exp.mu.Lock()
						delete(exp.live, victim)
						exp.mu.Unlock()
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	want := make(map[uint64]int)
	for _, exp := range expected {
		for k, v := range exp.live {
			want[k] = v
		}
	}

	tc := m.AcquireThread()
	defer tc.Release()
	view := tbl.View(tc, false)
	got := make(map[uint64]int, len(view))
	for _, entry := range view {
		got[entry.Hash.Lo] = entry.Item.(int)
	}

	if len(got) != len(want) {
		t.Fatalf("view has %d keys, operation log implies %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("key %d: view has %v, want %v", k, got[k], v)
		}
	}
	if tbl.Len() != len(want) {
		t.Fatalf("len %d disagrees with operation log %d", tbl.Len(), len(want))
	}
}

// TestNoUseAfterFree poisons items from the cleanup hook and has readers
// verify values while holding reservations: a reader must never observe
// a poisoned item, because reclamation may only run once no reservation
// can still reach the record.
func TestNoUseAfterFree(t *testing.T) {
	m := mmm.New()
	tbl := NewOptions(Options{
		Manager: m,
		ItemCleanup: func(item any) {
			item.(*atomic.Int64).Store(-1)
		},
	})

	const keys = 8
	stop := make(chan struct{})

	var writers errgroup.Group
	for w := 0; w < 4; w++ {
		w := w
		writers.Go(func() error {
			tc := m.AcquireThread()
			defer tc.Release()
			rng := rand.New(rand.NewSource(int64(w)))
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				key := uint64(rng.Intn(keys) + 1)
				val := &atomic.Int64{}
				val.Store(int64(key))
				tbl.Put(tc, hash.FromUint64(key), val)
				if rng.Intn(4) == 0 {
					tbl.Remove(tc, hash.FromUint64(key))
				}
			}
		})
	}

	var readers errgroup.Group
	var violations atomic.Int64
	for r := 0; r < 4; r++ {
		r := r
		readers.Go(func() error {
			tc := m.AcquireThread()
			defer tc.Release()
			rng := rand.New(rand.NewSource(int64(100 + r)))
			for i := 0; i < 50000; i++ {
				key := uint64(rng.Intn(keys) + 1)
				// Dereference the item while the reservation is held;
				// that is the window the reclamation contract covers.
				tc.StartBasicOp()
				s := tbl.current.Load()
				if b := s.findBucket(hash.FromUint64(key)); b != nil {
					if head := liveHead(b.state.Load()); head != nil {
						if got := head.item.(*atomic.Int64).Load(); got != int64(key) {
							violations.Add(1)
						}
					}
				}
				tc.EndOp()
			}
			return nil
		})
	}
	readers.Wait()
	close(stop)
	writers.Wait()

	if n := violations.Load(); n != 0 {
		t.Fatalf("%d reads observed a reclaimed or corrupted item", n)
	}
}
