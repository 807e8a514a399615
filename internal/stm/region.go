// Package stm implements a word-granular software transactional memory
// engine. A Region is a segmented shared address space over which client
// goroutines run serializable transactions: read-only transactions observe a
// consistent snapshot and never abort, while read-write
// transactions buffer their effects privately and publish them atomically
// through a timestamp-ordered two-phase commit.
//
// Every word carries a versioned lock and a chain of immutable versions, so
// a snapshot reader can walk back to the value current at its start time.
// Superseded versions and freed segments are retired into a reference-counted
// chain of commit descriptors and reclaimed only once every transaction that
// could still reach them has finished.
package stm

import (
	"errors"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type regionOptions struct {
	logger      *zap.Logger
	metrics     prometheus.Registerer
	maxSegments int
}

// RegionOption is a potential customization of a Region's behavior.
type RegionOption func(*regionOptions) error

// WithLogger establishes the logger through which the region reports
// lifecycle and reclamation events. The default discards everything.
func WithLogger(l *zap.Logger) RegionOption {
	return func(o *regionOptions) error {
		if l == nil {
			return errors.New("logger must be non-nil")
		}
		o.logger = l
		return nil
	}
}

// WithMetrics registers the region's instrumentation with the given
// registerer. Without this option the region records no metrics.
func WithMetrics(reg prometheus.Registerer) RegionOption {
	return func(o *regionOptions) error {
		if reg == nil {
			return errors.New("metrics registerer must be non-nil")
		}
		o.metrics = reg
		return nil
	}
}

// WithMaxSegments bounds the number of simultaneously mapped segments,
// including the initial one. Allocations beyond the bound fail with
// ErrNoMemory. The default is unbounded.
func WithMaxSegments(n int) RegionOption {
	return func(o *regionOptions) error {
		if n < 1 {
			return errors.New("maximum segment count must be positive")
		}
		o.maxSegments = n
		return nil
	}
}

// A Region is a shared memory region: a set of segments addressed by opaque
// Addr values, a commit clock, and the descriptor chain that retires old
// state. All methods are safe for concurrent use by any number of
// goroutines.
type Region struct {
	align int
	size  int
	start Addr

	allocator *segmentAllocator

	// The commit clock advances and descriptors hand over only under
	// descMu; current is still read atomically so begin-time loads need
	// the mutex only to make pinning atomic with respect to handover.
	descMu  sync.Mutex
	current atomic.Pointer[descriptor]

	liveTxs atomic.Int64
	commits atomic.Uint64
	aborts  atomic.Uint64

	logger  *zap.Logger
	metrics *regionMetrics
}

// NewRegion creates a region with one non-freeable initial segment of the
// given size. The alignment is the word size: every address, buffer length,
// and allocation handed to the region must be a multiple of it.
func NewRegion(size, align int, opts ...RegionOption) (*Region, error) {
	if align <= 0 || bits.OnesCount(uint(align)) != 1 {
		return nil, errors.New("alignment must be a positive power of two")
	}
	if size <= 0 || size%align != 0 {
		return nil, errors.New("size must be a positive multiple of the alignment")
	}
	options := regionOptions{
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		if err := o(&options); err != nil {
			return nil, err
		}
	}
	r := &Region{
		align:     align,
		size:      size,
		allocator: makeSegmentAllocator(align, options.maxSegments),
		logger:    options.logger,
	}
	if options.metrics != nil {
		r.metrics = newRegionMetrics(options.metrics)
	}
	segment, err := r.allocator.allocate(size)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.segmentsLive.Inc()
	}
	r.start = MakeAddr(segment.id, 0)
	// The sentinel descriptor for the initial epoch, commit time zero.
	r.current.Store(newDescriptor(0))
	if r.metrics != nil {
		r.metrics.descriptorsLive.Inc()
	}
	r.logger.Info("created region",
		zap.Int("size", size),
		zap.Int("align", align))
	return r, nil
}

// Close tears the region down. It fails with ErrRegionBusy if any
// transaction is still live; afterward the region must not be used.
func (r *Region) Close() error {
	if r.liveTxs.Load() != 0 {
		return ErrRegionBusy
	}
	if d := r.current.Swap(nil); d != nil {
		r.release(d)
	}
	r.logger.Info("closed region",
		zap.Uint64("commits", r.commits.Load()),
		zap.Uint64("aborts", r.aborts.Load()))
	return nil
}

// Start returns the address of the first word of the initial segment.
func (r *Region) Start() Addr {
	return r.start
}

// Size returns the initial segment's size in bytes.
func (r *Region) Size() int {
	return r.size
}

// Alignment returns the region's word size in bytes.
func (r *Region) Alignment() int {
	return r.align
}

// Begin starts a transaction. The transaction's snapshot is the region state
// as of the commit clock value at this instant; pinning the current
// descriptor keeps that snapshot reachable until the transaction ends.
func (r *Region) Begin(readOnly bool) *Tx {
	r.descMu.Lock()
	startPoint := r.current.Load()
	startPoint.ref()
	r.descMu.Unlock()
	r.liveTxs.Add(1)
	return &Tx{
		region:     r,
		readOnly:   readOnly,
		startTime:  startPoint.commitTime,
		startPoint: startPoint,
	}
}

// Read copies len(dst) bytes starting at src into dst, word by word. dst's
// length must be a positive multiple of the alignment and src must be
// aligned. A conflict aborts the whole transaction, frees its state, and
// returns ErrTransactionConflict; the Tx must not be used again.
func (r *Region) Read(t *Tx, src Addr, dst []byte) error {
	for offset := 0; offset < len(dst); offset += r.align {
		if err := r.readWord(t, src.Add(uint64(offset)), dst[offset:offset+r.align]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Region) readWord(t *Tx, src Addr, dst []byte) error {
	obj := r.allocator.find(src)
	if t.readOnly {
		obj.versionAt(t.startTime).read(dst)
		return nil
	}

	if entry := t.findWriteEntry(src); entry != nil {
		copy(dst, entry.written)
		return nil
	}

	latest := obj.latest.Load()
	if !obj.lock.validate(t.startTime) {
		r.abort(t, abortPhaseRead)
		return conflictError(src)
	}
	t.noteRead(src, obj)
	latest.read(dst)
	return nil
}

// Write buffers len(src) bytes starting at dst into the transaction's write
// set, word by word. src's length must be a positive multiple of the
// alignment and dst must be aligned. No shared word changes before commit.
func (r *Region) Write(t *Tx, src []byte, dst Addr) error {
	for offset := 0; offset < len(src); offset += r.align {
		r.writeWord(t, src[offset:offset+r.align], dst.Add(uint64(offset)))
	}
	return nil
}

func (r *Region) writeWord(t *Tx, src []byte, dst Addr) {
	if entry := t.findWriteEntry(dst); entry != nil {
		copy(entry.written, src)
		return
	}
	obj := r.allocator.find(dst)
	t.noteWrite(dst, obj, cloneWord(src, r.align))
}

// Alloc allocates a fresh zero-filled segment of the given size, which must
// be a positive multiple of the alignment, and returns the address of its
// first word. Failure with ErrNoMemory does not abort the transaction. The
// segment is rolled back if the transaction aborts.
func (r *Region) Alloc(t *Tx, size int) (Addr, error) {
	segment, err := r.allocator.allocate(size)
	if err != nil {
		return 0, err
	}
	if r.metrics != nil {
		r.metrics.segmentsLive.Inc()
	}
	r.logger.Debug("allocated segment",
		zap.Uint32("segment", uint32(segment.id)),
		zap.Int("size", size))
	t.allocSet = append(t.allocSet, segment.id)
	return MakeAddr(segment.id, 0), nil
}

// Free marks the segment containing addr for deletion. Words of the segment
// stay readable for the rest of this transaction and for every concurrent
// transaction; the memory is reclaimed only once no transaction begun before
// the commit can still reference it.
func (r *Region) Free(t *Tx, addr Addr) {
	segment := r.allocator.findSegment(addr.Segment())
	if segment.markForDeletion() {
		t.freeSet = append(t.freeSet, segment.id)
	}
}

// End finishes the transaction. Read-only transactions always commit.
// Read-write transactions acquire their write locks, validate their read
// set against the start-time snapshot, and publish every buffered write
// atomically at a fresh commit timestamp; any conflict rolls everything back
// and returns ErrTransactionConflict. Either way the Tx is spent.
func (r *Region) End(t *Tx) error {
	if t.readOnly {
		r.release(t.startPoint)
		r.finishCommit(t)
		return nil
	}

	// Phase one: lock the write set in order. Failure anywhere releases
	// whatever was acquired, versions untouched.
	for i := range t.writeSet {
		entry := &t.writeSet[i]
		if !entry.obj.lock.tryLock(t.startTime) {
			unlockEntries(t.writeSet[:i])
			r.abort(t, abortPhaseLock)
			return conflictError(entry.addr)
		}
	}

	// Phase two: validate reads we don't hold the lock for. An address in
	// both sets needs no check; we hold its lock and will re-version it.
	for _, read := range t.readSet {
		if _, held := t.writeIndex[read.addr]; held {
			continue
		}
		if !read.obj.lock.validate(t.startTime) {
			unlockEntries(t.writeSet)
			r.abort(t, abortPhaseValidate)
			return conflictError(read.addr)
		}
	}

	// Phase three: publish under the descriptor mutex.
	r.descMu.Lock()
	r.commitChanges(t)
	r.descMu.Unlock()
	r.finishCommit(t)
	return nil
}

// commitChanges installs the next epoch. Caller holds descMu, which
// serializes the clock increment and the current-pointer handover; the
// per-word publication rides along in the same critical section for an
// unambiguous total order of commits.
func (r *Region) commitChanges(t *Tx) {
	prev := r.current.Load()
	commitTime := prev.commitTime + 1

	d := newDescriptor(commitTime)
	if r.metrics != nil {
		r.metrics.descriptorsLive.Inc()
	}
	// The predecessor's link holds a counted reference: a transaction pinned
	// anywhere earlier in the chain keeps every later descriptor alive until
	// the collapse reaches it.
	prev.next = d
	d.ref()

	d.retiredSegments = t.freeSet
	t.freeSet = nil

	for i := range t.writeSet {
		entry := &t.writeSet[i]
		oldVersion := entry.obj.latest.Load()

		newVersion := &objectVersion{buf: entry.written, version: commitTime}
		newVersion.earlier.Store(oldVersion)

		entry.obj.latest.Store(newVersion)
		d.retiredVersions = append(d.retiredVersions, oldVersion)

		entry.obj.lock.unlockWithVersion(commitTime)
	}

	r.current.Store(d)
	// current no longer holds prev.
	r.release(prev)
	r.release(t.startPoint)

	r.logger.Debug("committed transaction",
		zap.Uint64("commit_time", commitTime),
		zap.Int("writes", len(t.writeSet)),
		zap.Int("frees", len(d.retiredSegments)))
}

func (r *Region) finishCommit(t *Tx) {
	r.commits.Add(1)
	r.metrics.observeCommit(t.readOnly)
	r.liveTxs.Add(-1)
}

// abort rolls the transaction back: segments it allocated disappear,
// deletion marks it placed are lifted, and its descriptor pin is dropped.
// Speculative buffers are simply discarded; no shared word ever changed.
func (r *Region) abort(t *Tx, phase string) {
	// Cancel deletion marks before dropping this transaction's own
	// allocations: a segment allocated and freed within the transaction
	// appears in both sets.
	for _, id := range t.freeSet {
		r.allocator.findSegment(id).cancelDeletion()
	}
	for _, id := range t.allocSet {
		r.allocator.free(id)
		if r.metrics != nil {
			r.metrics.segmentsLive.Dec()
		}
	}
	r.release(t.startPoint)
	r.aborts.Add(1)
	r.metrics.observeAbort(phase)
	r.liveTxs.Add(-1)
	r.logger.Debug("aborted transaction",
		zap.String("phase", phase),
		zap.Uint64("start_time", t.startTime))
}

func unlockEntries(entries []writeEntry) {
	for i := range entries {
		// Unlock without changing the version.
		entries[i].obj.lock.unlock()
	}
}

// Stats is a point-in-time snapshot of a region's counters.
type Stats struct {
	CommitTime       uint64
	LiveSegments     int
	LiveTransactions int64
	Commits          uint64
	Aborts           uint64
}

// Stats reports the region's current counters. The values are individually
// atomic but not mutually consistent.
func (r *Region) Stats() Stats {
	var commitTime uint64
	if d := r.current.Load(); d != nil {
		commitTime = d.commitTime
	}
	return Stats{
		CommitTime:       commitTime,
		LiveSegments:     r.allocator.count(),
		LiveTransactions: r.liveTxs.Load(),
		Commits:          r.commits.Load(),
		Aborts:           r.aborts.Load(),
	}
}
