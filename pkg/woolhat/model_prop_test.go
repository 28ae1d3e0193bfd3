// pkg/woolhat/model_prop_test.go
package woolhat

import (
	"testing"

	"pgregory.net/rapid"

	"hatrack/pkg/hash"
	"hatrack/pkg/mmm"
)

// TestTableMatchesModel drives random single-threaded operation sequences
// against the table and a plain map. Sequentially there are no lost
// races, so every result must match the map exactly, including views and
// the item count.
func TestTableMatchesModel(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := mmm.New()
		tbl := NewOptions(Options{Manager: m})
		tc := m.AcquireThread()
		defer tc.Release()

		model := make(map[uint64]int)
		val := 0

		steps := rapid.IntRange(1, 300).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			key := rapid.Uint64Range(1, 24).Draw(rt, "key")
			h := hash.FromUint64(key)
			val++

			switch rapid.IntRange(0, 5).Draw(rt, "op") {
			case 0: // put
				prev, found := tbl.Put(tc, h, val)
				want, ok := model[key]
				if found != ok {
					rt.Fatalf("put(%d): found=%v, model says %v", key, found, ok)
				}
				if ok && prev != want {
					rt.Fatalf("put(%d): prev=%v, model says %v", key, prev, want)
				}
				model[key] = val
			case 1: // add
				inserted := tbl.Add(tc, h, val)
				_, ok := model[key]
				if inserted == ok {
					rt.Fatalf("add(%d): inserted=%v with model presence %v", key, inserted, ok)
				}
				if inserted {
					model[key] = val
				}
			case 2: // replace
				prev, found := tbl.Replace(tc, h, val)
				want, ok := model[key]
				if found != ok {
					rt.Fatalf("replace(%d): found=%v, model says %v", key, found, ok)
				}
				if ok {
					if prev != want {
						rt.Fatalf("replace(%d): prev=%v, model says %v", key, prev, want)
					}
					model[key] = val
				}
			case 3: // remove
				prev, found := tbl.Remove(tc, h)
				want, ok := model[key]
				if found != ok {
					rt.Fatalf("remove(%d): found=%v, model says %v", key, found, ok)
				}
				if ok && prev != want {
					rt.Fatalf("remove(%d): prev=%v, model says %v", key, prev, want)
				}
				delete(model, key)
			case 4: // get
				got, found := tbl.Get(tc, h)
				want, ok := model[key]
				if found != ok {
					rt.Fatalf("get(%d): found=%v, model says %v", key, found, ok)
				}
				if ok && got != want {
					rt.Fatalf("get(%d): got=%v, model says %v", key, got, want)
				}
			case 5: // view
				view := tbl.View(tc, false)
				if len(view) != len(model) {
					rt.Fatalf("view has %d entries, model has %d", len(view), len(model))
				}
				for _, entry := range view {
					want, ok := model[entry.Hash.Lo]
					if !ok || entry.Item != want {
						rt.Fatalf("view entry %d=%v, model says (%v, %v)",
							entry.Hash.Lo, entry.Item, want, ok)
					}
				}
			}

			if tbl.Len() != len(model) {
				rt.Fatalf("len=%d, model has %d", tbl.Len(), len(model))
			}
		}
	})
}
