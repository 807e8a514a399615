package stm

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putUint64(buf []byte, v uint64) {
	binary.LittleEndian.PutUint64(buf, v)
}

func getUint64(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

func TestDisjointWritersAlwaysCommit(t *testing.T) {
	const (
		workers    = 4
		increments = 200
	)
	r := makeTestRegion(t, workers*8, 8)

	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			addr := r.wordAddr(w)
			for i := 0; i < increments; i++ {
				tx := r.Begin(false)
				var buf [8]byte
				if err := r.Read(tx, addr, buf[:]); err != nil {
					errs <- fmt.Errorf("worker %d read: %w", w, err)
					return
				}
				putUint64(buf[:], getUint64(buf[:])+1)
				if err := r.Write(tx, buf[:], addr); err != nil {
					errs <- fmt.Errorf("worker %d write: %w", w, err)
					return
				}
				if err := r.End(tx); err != nil {
					errs <- fmt.Errorf("worker %d commit: %w", w, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for w := 0; w < workers; w++ {
		assert.Equal(t, uint64(increments), snapshotUint64(t, r, r.wordAddr(w)))
	}
	assert.Equal(t, uint64(workers*increments), r.Stats().CommitTime,
		"each successful read-write commit advances the clock by exactly one")
}

func TestConflictingWritersConvergeToOneWinnerEach(t *testing.T) {
	const (
		workers  = 8
		attempts = 300
	)
	r := makeTestRegion(t, 32, 8)
	addr := r.wordAddr(0)

	var commits int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var mine int64
			for i := 0; i < attempts; i++ {
				tx := r.Begin(false)
				var buf [8]byte
				if err := r.Read(tx, addr, buf[:]); err != nil {
					continue
				}
				putUint64(buf[:], getUint64(buf[:])+1)
				if err := r.Write(tx, buf[:], addr); err != nil {
					continue
				}
				if err := r.End(tx); err == nil {
					mine++
				}
			}
			mu.Lock()
			commits += mine
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Every successful increment is visible exactly once.
	assert.Equal(t, uint64(commits), snapshotUint64(t, r, addr))
	assert.Equal(t, uint64(commits), r.Stats().CommitTime)
}

func TestSnapshotsObserveConservedSum(t *testing.T) {
	// A writer keeps words 0 and 1 summing to zero; concurrent snapshots
	// must never observe a half-applied transfer.
	const (
		transfers = 400
		readers   = 4
	)
	r := makeTestRegion(t, 32, 8)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	violations := make(chan string, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				tx := r.Begin(true)
				var buf [8]byte
				if err := r.Read(tx, r.wordAddr(0), buf[:]); err != nil {
					violations <- fmt.Sprintf("read-only read failed: %v", err)
					return
				}
				a := int64(getUint64(buf[:]))
				if err := r.Read(tx, r.wordAddr(1), buf[:]); err != nil {
					violations <- fmt.Sprintf("read-only read failed: %v", err)
					return
				}
				b := int64(getUint64(buf[:]))
				if err := r.End(tx); err != nil {
					violations <- fmt.Sprintf("read-only commit failed: %v", err)
					return
				}
				if a+b != 0 {
					violations <- fmt.Sprintf("snapshot saw torn transfer: %d + %d", a, b)
					return
				}
			}
		}()
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < transfers; i++ {
		amount := int64(rng.Intn(1000) + 1)
		for {
			tx := r.Begin(false)
			var buf [8]byte
			if err := r.Read(tx, r.wordAddr(0), buf[:]); err != nil {
				continue
			}
			a := int64(getUint64(buf[:]))
			if err := r.Read(tx, r.wordAddr(1), buf[:]); err != nil {
				continue
			}
			b := int64(getUint64(buf[:]))
			putUint64(buf[:], uint64(a-amount))
			if err := r.Write(tx, buf[:], r.wordAddr(0)); err != nil {
				continue
			}
			putUint64(buf[:], uint64(b+amount))
			if err := r.Write(tx, buf[:], r.wordAddr(1)); err != nil {
				continue
			}
			if err := r.End(tx); err == nil {
				break
			}
		}
	}
	close(stop)
	wg.Wait()
	close(violations)
	for v := range violations {
		t.Error(v)
	}
}

func TestConcurrentAllocFreeChurn(t *testing.T) {
	const (
		workers = 4
		cycles  = 100
	)
	r := makeTestRegion(t, 32, 8)

	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			pattern := make([]byte, 64)
			for i := range pattern {
				pattern[i] = byte(w + 1)
			}
			for i := 0; i < cycles; i++ {
				tx := r.Begin(false)
				addr, err := r.Alloc(tx, 64)
				if err != nil {
					errs <- fmt.Errorf("worker %d alloc: %w", w, err)
					return
				}
				if err := r.Write(tx, pattern, addr); err != nil {
					errs <- fmt.Errorf("worker %d write: %w", w, err)
					return
				}
				got := make([]byte, 64)
				if err := r.Read(tx, addr, got); err != nil {
					errs <- fmt.Errorf("worker %d read: %w", w, err)
					return
				}
				r.Free(tx, addr)
				if err := r.End(tx); err != nil {
					// The segment is private to this transaction, so the
					// commit has no locks to lose.
					errs <- fmt.Errorf("worker %d commit: %w", w, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	// Quiesce: two empty commits retire every freeing descriptor.
	for i := 0; i < 2; i++ {
		tx := r.Begin(false)
		require.NoError(t, r.End(tx))
	}
	assert.Equal(t, 1, r.Stats().LiveSegments,
		"all churned segments must be physically reclaimed")
}
