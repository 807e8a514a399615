package main

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"sync/atomic"

	"sehlabs.com/stm/internal/stm"
)

// workloadCounters accumulate across all workers.
type workloadCounters struct {
	commits      atomic.Uint64
	conflicts    atomic.Uint64
	snapshots    atomic.Uint64
	churnCycles  atomic.Uint64
	allocRefused atomic.Uint64
	badSnapshots atomic.Uint64
}

const wordSize = 8

func readWordInt(region *stm.Region, tx *stm.Tx, addr stm.Addr) (int64, error) {
	var buf [wordSize]byte
	if err := region.Read(tx, addr, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func writeWordInt(region *stm.Region, tx *stm.Tx, addr stm.Addr, v int64) error {
	var buf [wordSize]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return region.Write(tx, buf[:], addr)
}

// runTransfers treats the initial segment as an array of int64 accounts and
// keeps moving amounts between random pairs. Every transfer conserves the
// total, so any snapshot whose sum is nonzero indicates a serializability
// violation.
func runTransfers(ctx context.Context, region *stm.Region, counters *workloadCounters, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	words := region.Size() / region.Alignment()
	start := region.Start()
	for ctx.Err() == nil {
		from := rng.Intn(words)
		to := rng.Intn(words)
		if from == to {
			continue
		}
		amount := int64(rng.Intn(100) + 1)

		tx := region.Begin(false)
		fromAddr := start.Add(uint64(from * wordSize))
		toAddr := start.Add(uint64(to * wordSize))

		fromVal, err := readWordInt(region, tx, fromAddr)
		if err != nil {
			counters.conflicts.Add(1)
			continue
		}
		toVal, err := readWordInt(region, tx, toAddr)
		if err != nil {
			counters.conflicts.Add(1)
			continue
		}
		if err := writeWordInt(region, tx, fromAddr, fromVal-amount); err != nil {
			counters.conflicts.Add(1)
			continue
		}
		if err := writeWordInt(region, tx, toAddr, toVal+amount); err != nil {
			counters.conflicts.Add(1)
			continue
		}
		if err := region.End(tx); err != nil {
			counters.conflicts.Add(1)
			continue
		}
		counters.commits.Add(1)
	}
}

// runSnapshots repeatedly sums all accounts in a read-only transaction and
// checks conservation.
func runSnapshots(ctx context.Context, region *stm.Region, counters *workloadCounters) {
	words := region.Size() / region.Alignment()
	start := region.Start()
	for ctx.Err() == nil {
		tx := region.Begin(true)
		var sum int64
		var failed bool
		for i := 0; i < words; i++ {
			v, err := readWordInt(region, tx, start.Add(uint64(i*wordSize)))
			if err != nil {
				// Read-only reads cannot fail; the failed read already
				// freed the transaction.
				counters.badSnapshots.Add(1)
				failed = true
				break
			}
			sum += v
		}
		if failed {
			continue
		}
		if err := region.End(tx); err != nil {
			counters.badSnapshots.Add(1)
			continue
		}
		if sum != 0 {
			counters.badSnapshots.Add(1)
		}
		counters.snapshots.Add(1)
	}
}

// runChurn exercises the allocator and the deferred-reclamation path:
// allocate a segment, fill it, read it back, free it, commit.
func runChurn(ctx context.Context, region *stm.Region, counters *workloadCounters, size int, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for ctx.Err() == nil {
		tx := region.Begin(false)
		addr, err := region.Alloc(tx, size)
		if err != nil {
			if errors.Is(err, stm.ErrNoMemory) {
				// Non-fatal: the transaction is still usable.
				counters.allocRefused.Add(1)
				if err := region.End(tx); err != nil {
					counters.conflicts.Add(1)
				}
				continue
			}
			counters.conflicts.Add(1)
			continue
		}
		pattern := make([]byte, size)
		rng.Read(pattern)
		if err := region.Write(tx, pattern, addr); err != nil {
			counters.conflicts.Add(1)
			continue
		}
		readBack := make([]byte, size)
		if err := region.Read(tx, addr, readBack); err != nil {
			counters.conflicts.Add(1)
			continue
		}
		region.Free(tx, addr)
		if err := region.End(tx); err != nil {
			counters.conflicts.Add(1)
			continue
		}
		counters.churnCycles.Add(1)
	}
}

// finalSum runs one last read-only pass over the accounts after all workers
// have stopped.
func finalSum(region *stm.Region) (int64, error) {
	tx := region.Begin(true)
	words := region.Size() / region.Alignment()
	start := region.Start()
	var sum int64
	for i := 0; i < words; i++ {
		v, err := readWordInt(region, tx, start.Add(uint64(i*wordSize)))
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum, region.End(tx)
}
