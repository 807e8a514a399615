package stm

// A Tx is one thread's speculative transaction state. A transaction touches
// no shared word until commit: reads are tracked in the read set for later
// validation, writes buffer into privately owned word copies, and segment
// allocations and frees are journaled so an abort can undo them.
//
// A Tx must not be shared between goroutines and must not be used again
// after End or after any operation on it returns a conflict error. An Alloc
// failing with ErrNoMemory leaves the transaction usable.
type Tx struct {
	region   *Region
	readOnly bool

	// startTime is the commit clock value observed at begin; startPoint is
	// the descriptor pinned at that instant. The pin keeps every object
	// version reachable at begin alive for the transaction's whole life,
	// for read-write transactions as well as read-only ones.
	startTime  uint64
	startPoint *descriptor

	readSet    []readEntry
	writeSet   []writeEntry
	writeIndex map[Addr]int // NB: initialized lazily

	allocSet []SegmentID
	freeSet  []SegmentID
}

type readEntry struct {
	addr Addr
	obj  *object
}

type writeEntry struct {
	addr    Addr
	obj     *object
	written []byte
}

// ReadOnly reports whether the transaction was begun in read-only mode.
func (t *Tx) ReadOnly() bool {
	return t.readOnly
}

// findWriteEntry returns the speculative write against addr, if any. At most
// one write entry exists per address; repeated writes overwrite its buffer.
func (t *Tx) findWriteEntry(addr Addr) *writeEntry {
	i, ok := t.writeIndex[addr]
	if !ok {
		return nil
	}
	return &t.writeSet[i]
}

func (t *Tx) noteWrite(addr Addr, obj *object, written []byte) {
	if t.writeIndex == nil {
		t.writeIndex = make(map[Addr]int, 8)
	}
	t.writeIndex[addr] = len(t.writeSet)
	t.writeSet = append(t.writeSet, writeEntry{addr: addr, obj: obj, written: written})
}

func (t *Tx) noteRead(addr Addr, obj *object) {
	t.readSet = append(t.readSet, readEntry{addr: addr, obj: obj})
}

func cloneWord(src []byte, align int) []byte {
	written := make([]byte, align)
	copy(written, src)
	return written
}
