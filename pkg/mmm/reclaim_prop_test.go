// pkg/mmm/reclaim_prop_test.go
package mmm

import (
	"testing"

	"pgregory.net/rapid"
)

// trackedObject pairs a retired header with what the model expects.
type trackedObject struct {
	retireEpoch uint64
	freed       bool
	wantFreed   bool
}

// TestReclamationProperty drives random sequences of reserve / retire /
// advance / collect through one manager and checks the reclamation rule
// after every collection pass: an object is freed exactly when its retire
// epoch is strictly below the minimum live reservation, and everything is
// freeable once nothing is reserved.
func TestReclamationProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := New()
		reader := m.AcquireThread()
		owner := m.AcquireThread()

		var reserved bool
		var reservedEpoch uint64
		var objects []*trackedObject

		minReserved := func() uint64 {
			if reserved {
				return reservedEpoch
			}
			return EpochUnreserved
		}

		// Stay below the automatic collection period so passes happen
		// only where the model expects them.
		steps := rapid.IntRange(1, 100).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 4).Draw(rt, "op") {
			case 0: // reserve
				reader.StartBasicOp()
				reserved = true
				reservedEpoch = m.Epoch()
			case 1: // unreserve
				reader.EndOp()
				reserved = false
			case 2: // retire a fresh object
				obj := &trackedObject{retireEpoch: m.Epoch()}
				h := &Header{}
				h.SetCleanup(func() { obj.freed = true })
				owner.Retire(h)
				objects = append(objects, obj)
			case 3: // advance the epoch
				m.CommitWrite(&Header{})
			case 4: // collect
				owner.Collect()
				min := minReserved()
				for _, obj := range objects {
					if obj.retireEpoch < min {
						obj.wantFreed = true
					}
				}
				for j, obj := range objects {
					if obj.freed != obj.wantFreed {
						rt.Fatalf("object %d: freed=%v want %v (retire epoch %d, min reservation %d)",
							j, obj.freed, obj.wantFreed, obj.retireEpoch, min)
					}
				}
			}
		}

		reader.Release()
		owner.Release()
	})
}
