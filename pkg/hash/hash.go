// pkg/hash/hash.go
package hash

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// hiSeed seeds the second 64-bit lane so the two halves of a Hash are
// independent even though they come from the same input bytes.
const hiSeed = 0x9e3779b97f4a7c15

// Hash is a 128-bit opaque key identifier. Tables compare hashes for
// identity only; the original key is never stored. The zero value is the
// "bucket unreserved" sentinel and must never be used as a real key.
type Hash struct {
	Lo uint64
	Hi uint64
}

// IsZero reports whether h is the unreserved sentinel.
func (h Hash) IsZero() bool {
	return h.Lo == 0 && h.Hi == 0
}

// Index returns the home bucket index for h in a store whose last slot is
// lastSlot. Store sizes are powers of two, so lastSlot doubles as the mask.
func (h Hash) Index(lastSlot uint64) uint64 {
	return h.Lo & lastSlot
}

// String returns the hash as 32 hex digits, high half first.
func (h Hash) String() string {
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}

// Sum computes a 128-bit hash of data. The low half is an unseeded xxhash,
// the high half a seeded one. Tables never call this themselves; it exists
// so callers without their own hash function can mint well-distributed keys.
func Sum(data []byte) Hash {
	d := xxhash.NewWithSeed(hiSeed)
	d.Write(data)
	return Hash{Lo: xxhash.Sum64(data), Hi: d.Sum64()}
}

// SumString is Sum for a string key without copying it to a byte slice.
func SumString(s string) Hash {
	d := xxhash.NewWithSeed(hiSeed)
	d.WriteString(s)
	return Hash{Lo: xxhash.Sum64String(s), Hi: d.Sum64()}
}

// FromUint64 derives a non-zero Hash from n. Intended for tests and
// synthetic workloads where keys are already small integers.
func FromUint64(n uint64) Hash {
	return Hash{Lo: n, Hi: ^n}
}
