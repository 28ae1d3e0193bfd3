// pkg/woolhat/record.go
package woolhat

import "hatrack/pkg/mmm"

// Record is one immutable version of a bucket's content. Records chain
// through next, newest first; a chain is push-only and entries are never
// unlinked. The memory manager keeps displaced records alive until no
// reader's reservation can still reach them.
type Record struct {
	mmm.Header

	// next points at the record this one displaced. Immutable once the
	// record is installed into a bucket state.
	next *Record

	item    any
	deleted bool
}

// Item returns the user value carried by this record. nil for deletions.
func (r *Record) Item() any {
	return r.item
}

// Deleted reports whether this record is a tombstone.
func (r *Record) Deleted() bool {
	return r.deleted
}

// Bucket state flags.
const (
	// flagMoving marks a bucket frozen for migration; no new record may
	// be installed on top of it.
	flagMoving uint32 = 1 << 0

	// flagMoved marks a bucket whose content has been transferred to the
	// successor store (or had nothing to transfer).
	flagMoved uint32 = 1 << 1

	// flagDeleteHelp asks concurrent writers to install a deletion record
	// on behalf of a remover that keeps losing its CAS.
	flagDeleteHelp uint32 = 1 << 2
)

// state is a bucket's head pointer and flags, swapped together. A state
// value is immutable once published; every transition replaces the whole
// struct through the bucket's atomic pointer, so there is no flag word to
// tear and no pointer bits are stolen. A nil state pointer reads as
// {head: nil, flags: 0}.
type state struct {
	head  *Record
	flags uint32
}

func unpack(p *state) (head *Record, flags uint32) {
	if p == nil {
		return nil, 0
	}
	return p.head, p.flags
}

// liveHead returns the head record if it holds a live value.
func liveHead(p *state) *Record {
	head, _ := unpack(p)
	if head == nil || head.deleted {
		return nil
	}
	return head
}
