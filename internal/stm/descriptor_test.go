package stm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPinnedReaderDefersSegmentReclamation(t *testing.T) {
	r := makeTestRegion(t, 32, 8)

	t1 := r.Begin(false)
	addr, err := r.Alloc(t1, 16)
	require.NoError(t, err)
	require.NoError(t, r.End(t1))

	// The pin predates the free; it must keep the segment mapped.
	pin := r.Begin(true)

	t2 := r.Begin(false)
	r.Free(t2, addr)
	require.NoError(t, r.End(t2))

	// Push the freeing descriptor out of current so only the pin holds the
	// chain.
	t3 := r.Begin(false)
	require.NoError(t, r.End(t3))

	require.NotNil(t, r.allocator.findSegment(addr.Segment()),
		"segment must stay mapped while an older snapshot is pinned")

	require.NoError(t, r.End(pin))

	assert.Nil(t, r.allocator.findSegment(addr.Segment()),
		"releasing the last earlier pin must collapse the chain and free the segment")
}

func TestDescriptorChainOrderAndRefcounts(t *testing.T) {
	r := makeTestRegion(t, 32, 8)

	pin := r.Begin(true)
	first := pin.startPoint
	require.Equal(t, uint64(0), first.commitTime)

	for i := uint64(1); i <= 3; i++ {
		commitUint64(t, r, r.wordAddr(0), i)
	}

	// The chain runs in strict commit-time order from the pinned epoch to
	// current.
	var times []uint64
	for d := first; d != nil; d = d.next {
		times = append(times, d.commitTime)
	}
	assert.Equal(t, []uint64{0, 1, 2, 3}, times)

	// The pinned descriptor is held by the pin and nothing else; middle
	// descriptors by their predecessor's link; current additionally by the
	// region.
	assert.Equal(t, int64(1), first.refcount.Load())
	assert.Equal(t, int64(1), first.next.refcount.Load())
	assert.Equal(t, int64(1), first.next.next.refcount.Load())
	assert.Equal(t, int64(2), r.current.Load().refcount.Load())

	require.NoError(t, r.End(pin))
	assert.Equal(t, int64(1), r.current.Load().refcount.Load(),
		"collapse must stop at the current descriptor")
}

func TestQuiescentChainSeversRetiredVersions(t *testing.T) {
	r := makeTestRegion(t, 32, 8)

	for i := uint64(1); i <= 3; i++ {
		commitUint64(t, r, r.wordAddr(0), i)
	}

	// With no pins the chain collapses one epoch behind current: the commit
	// at time 3 retired the descriptor of time 2, which severed the link below
	// the version of time 1.
	obj := r.allocator.find(r.wordAddr(0))
	v3 := obj.latest.Load()
	require.Equal(t, uint64(3), v3.version)
	v2 := v3.earlier.Load()
	require.NotNil(t, v2)
	require.Equal(t, uint64(2), v2.version)
	v1 := v2.earlier.Load()
	require.NotNil(t, v1)
	require.Equal(t, uint64(1), v1.version)
	assert.Nil(t, v1.earlier.Load(),
		"reclamation must sever links below versions no snapshot can need")
}

func TestReadOnlyPinSurvivesDeepHistory(t *testing.T) {
	r := makeTestRegion(t, 32, 8)

	commitUint64(t, r, r.wordAddr(0), 42)
	pin := r.Begin(true)

	for i := uint64(0); i < 20; i++ {
		commitUint64(t, r, r.wordAddr(0), 100+i)
	}

	assert.Equal(t, uint64(42), readUint64(t, r, pin, r.wordAddr(0)),
		"the pinned snapshot must reach its version through arbitrarily deep history")
	require.NoError(t, r.End(pin))
}
