package stm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddrRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		segment SegmentID
		offset  uint64
	}{
		{InitialSegmentID, 0},
		{InitialSegmentID, 8},
		{2, 0},
		{2, 1 << 20},
		{1<<32 - 1, 1<<32 - 8},
	} {
		a := MakeAddr(tc.segment, tc.offset)
		assert.Equal(t, tc.segment, a.Segment())
		assert.Equal(t, tc.offset, a.Offset())
	}
}

func TestAddrNonZero(t *testing.T) {
	// Segment IDs start at one, so every valid address is distinguishable
	// from the zero Addr.
	assert.NotEqual(t, Addr(0), MakeAddr(InitialSegmentID, 0))
}

func TestAddrAdd(t *testing.T) {
	a := MakeAddr(3, 16)
	b := a.Add(24)
	assert.Equal(t, SegmentID(3), b.Segment())
	assert.Equal(t, uint64(40), b.Offset())
}
