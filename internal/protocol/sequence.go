package protocol

import (
	"sync/atomic"
)

// SequenceAllocator hands out request sequences for client-originated
// packets. it is safe for concurrent use.
//
// ids run from 0 to SequenceIDMask inclusive and then wrap back to 0. if a
// request is still pending when its id comes around again (~1 billion
// requests later) the newer one takes its slot.
type SequenceAllocator struct {
	next atomic.Uint32
}

// NewSequenceAllocator returns an allocator whose first id is start. start
// values above SequenceIDMask wrap to 0.
func NewSequenceAllocator(start uint32) *SequenceAllocator {
	if start > SequenceIDMask {
		start = 0
	}
	a := &SequenceAllocator{}
	a.next.Store(start)
	return a
}

// NextID returns the current id and advances the counter.
func (a *SequenceAllocator) NextID() uint32 {
	for {
		id := a.next.Load()
		next := id + 1
		if id >= SequenceIDMask {
			next = 0
		}
		if a.next.CompareAndSwap(id, next) {
			return id
		}
	}
}

// Next returns the next id tagged as a client-originated request.
func (a *SequenceAllocator) Next() Sequence {
	return NewSequence(a.NextID(), OriginClient, DirectionRequest)
}
