package stm

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// A descriptor records one committed epoch: the commit timestamp, the object
// versions that commit supplanted, and the segments it freed. Descriptors
// form a singly linked list in strict commit-time order; the region's current
// pointer always names the youngest.
//
// A descriptor stays alive while its refcount is positive: one reference for
// being current, one for its predecessor's next link, plus one per
// transaction pinned to it. Collapsing a descriptor releases its next link,
// so a pin anywhere in the chain transitively keeps every later descriptor
// alive. When a descriptor's count reaches zero, every transaction that
// began before its commit has finished, so its retired versions and segments
// are unreachable and can be reclaimed.
type descriptor struct {
	commitTime uint64
	refcount   atomic.Int64

	retiredVersions []*objectVersion
	retiredSegments []SegmentID

	// Written once, under the region's descriptor mutex, while this
	// descriptor still holds its current reference; read only during
	// reclamation, after that reference is gone. The refcount operations
	// order the two.
	next *descriptor
}

func newDescriptor(commitTime uint64) *descriptor {
	d := &descriptor{commitTime: commitTime}
	// Held by the current pointer about to be installed.
	d.refcount.Store(1)
	return d
}

func (d *descriptor) ref() {
	d.refcount.Add(1)
}

// release drops one reference from d, reclaiming it and walking down the
// chain if it was the last. The walk is iterative: releasing a long
// quiescent chain collapses it one descriptor at a time without recursion.
func (r *Region) release(d *descriptor) {
	for d != nil {
		if d.refcount.Add(-1) != 0 {
			return
		}
		next := d.next
		r.reclaim(d)
		d = next
	}
}

// reclaim physically frees everything d retired. Severing each retired
// version's earlier link unhooks the older history below it, letting the
// garbage collector take the chain tail; the retired node itself remains
// referenced by its successor's earlier pointer until that successor is
// reclaimed in turn. No snapshot can legally reach a severed link.
func (r *Region) reclaim(d *descriptor) {
	for _, v := range d.retiredVersions {
		v.earlier.Store(nil)
	}
	for _, id := range d.retiredSegments {
		r.allocator.free(id)
		if r.metrics != nil {
			r.metrics.segmentsLive.Dec()
		}
		r.logger.Debug("freed segment",
			zap.Uint32("segment", uint32(id)),
			zap.Uint64("commit_time", d.commitTime))
	}
	if r.metrics != nil {
		r.metrics.descriptorsLive.Dec()
	}
}
