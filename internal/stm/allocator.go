package stm

import (
	"sync/atomic"

	"github.com/google/btree"
)

// segmentAllocator owns the mapping from segment IDs to live segments,
// ordered by ID in a B-tree. Insertions and removals take the lock
// exclusively; address resolution takes it shared. IDs are minted from an
// atomic counter and never reused, so a stale address can never alias a
// newer segment.
type segmentAllocator struct {
	align       int
	maxSegments int // zero means unbounded

	nextID atomic.Uint32

	lock     rwMutex
	segments *btree.BTreeG[*sharedSegment]
}

const segmentBTreeDegree = 8

func makeSegmentAllocator(align, maxSegments int) *segmentAllocator {
	return &segmentAllocator{
		align:       align,
		maxSegments: maxSegments,
		lock:        makeLock(),
		segments: btree.NewG(segmentBTreeDegree, func(a, b *sharedSegment) bool {
			return a.id < b.id
		}),
	}
}

func (sa *segmentAllocator) claimNextID() SegmentID {
	next := SegmentID(sa.nextID.Add(1))
	if next == 0 {
		// NB: The first valid segment ID is one.
		panic("segment ID sequence overflowed")
	}
	return next
}

// allocate constructs a zero-initialized segment of the given size and
// publishes it under a fresh ID. The segment is immediately addressable;
// transactional visibility is the caller's concern.
func (sa *segmentAllocator) allocate(size int) (*sharedSegment, error) {
	sa.lock.Lock()
	if sa.maxSegments > 0 && sa.segments.Len() >= sa.maxSegments {
		sa.lock.Unlock()
		return nil, noMemoryError(size)
	}
	segment := newSharedSegment(sa.claimNextID(), size, sa.align)
	sa.segments.ReplaceOrInsert(segment)
	sa.lock.Unlock()
	return segment, nil
}

// free removes the segment from the map. The caller must guarantee that no
// live transaction can still reference any of its words; the descriptor
// chain provides that guarantee for transactional frees.
func (sa *segmentAllocator) free(id SegmentID) {
	sa.lock.Lock()
	sa.segments.Delete(&sharedSegment{id: id})
	sa.lock.Unlock()
}

func (sa *segmentAllocator) findSegment(id SegmentID) *sharedSegment {
	sa.lock.RLock()
	segment, _ := sa.segments.Get(&sharedSegment{id: id})
	sa.lock.RUnlock()
	return segment
}

// find resolves an address to its word. The segment must still be mapped;
// callers hold a transactional reference that prevents reclamation.
func (sa *segmentAllocator) find(addr Addr) *object {
	segment := sa.findSegment(addr.Segment())
	return segment.object(addr.Offset() / uint64(sa.align))
}

func (sa *segmentAllocator) count() int {
	sa.lock.RLock()
	n := sa.segments.Len()
	sa.lock.RUnlock()
	return n
}

// rangeSegments calls fn for each live segment in ID order, under the shared
// lock. fn must not call back into the allocator.
func (sa *segmentAllocator) rangeSegments(fn func(*sharedSegment) bool) {
	sa.lock.RLock()
	sa.segments.Ascend(func(segment *sharedSegment) bool {
		return fn(segment)
	})
	sa.lock.RUnlock()
}
