package stm

import "sync/atomic"

// An objectVersion is one node in a word's history chain: a value, the commit
// timestamp at which it became current, and a link to the version it
// supplanted. Once published through object.latest, the buffer and timestamp
// are immutable; only earlier changes again, when the reclaimer severs the
// link to versions no live snapshot can need.
type objectVersion struct {
	buf     []byte
	version uint64
	earlier atomic.Pointer[objectVersion]
}

func (v *objectVersion) read(dst []byte) {
	copy(dst, v.buf)
}

// An object is one word of shared memory: the versioned lock guarding it and
// the head of its version chain. Timestamps along latest -> earlier -> ... are
// strictly decreasing, down to the zero-valued initial version or, once
// reclamation has severed the older history, to the oldest retained version.
type object struct {
	lock   versionedLock
	latest atomic.Pointer[objectVersion]
}

func (o *object) init(align int) {
	o.latest.Store(&objectVersion{buf: make([]byte, align)})
}

// versionAt walks the chain back to the newest version whose timestamp does
// not exceed snapshot. The caller's descriptor pin keeps every version that
// was reachable at pin time alive, so the walk always terminates at a
// version it may read.
func (o *object) versionAt(snapshot uint64) *objectVersion {
	v := o.latest.Load()
	for v.version > snapshot {
		v = v.earlier.Load()
	}
	return v
}
