package stm

import "sync/atomic"

// A sharedSegment is a contiguous run of words allocated and freed as a
// unit. Freeing is two-phase: a transaction only marks the segment, and the
// descriptor chain performs the physical free once no live transaction can
// still reference it.
type sharedSegment struct {
	id        SegmentID
	sizeBytes int
	objects   []object

	deletionPending atomic.Bool
}

func newSharedSegment(id SegmentID, size, align int) *sharedSegment {
	s := &sharedSegment{
		id:        id,
		sizeBytes: size,
		objects:   make([]object, size/align),
	}
	for i := range s.objects {
		s.objects[i].init(align)
	}
	return s
}

func (s *sharedSegment) object(idx uint64) *object {
	return &s.objects[idx]
}

func (s *sharedSegment) size() int {
	return s.sizeBytes
}

// markForDeletion flips the deletion-pending flag, reporting whether this
// caller performed the flip. Only the first caller appends the segment to its
// free set; later frees within other transactions are no-ops until the flag
// is cleared again by an abort.
func (s *sharedSegment) markForDeletion() bool {
	return s.deletionPending.CompareAndSwap(false, true)
}

func (s *sharedSegment) cancelDeletion() {
	s.deletionPending.Store(false)
}
