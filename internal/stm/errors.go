package stm

import (
	"errors"
	"fmt"
)

// ErrTransactionConflict is the error returned when a transaction aborts
// because a word it read or intends to write was changed or locked by another
// transaction. This may be wrapped in another error, and should normally be
// tested using errors.Is(err, ErrTransactionConflict).
var ErrTransactionConflict = errors.New("transaction conflicts with another transaction")

type conflictError Addr

func (e conflictError) Error() string {
	a := Addr(e)
	return fmt.Sprintf("access to word at segment %d offset %d conflicts with another transaction",
		a.Segment(), a.Offset())
}

func (e conflictError) Is(err error) bool {
	if err == ErrTransactionConflict {
		return true
	}
	downcasted, ok := err.(*conflictError)
	return ok && *downcasted == e
}

// ErrNoMemory is the error returned when the region cannot allocate another
// segment. The requesting transaction remains usable; only the allocation
// itself failed. Test with errors.Is(err, ErrNoMemory).
var ErrNoMemory = errors.New("region out of memory")

type noMemoryError int

func (e noMemoryError) Error() string {
	return fmt.Sprintf("cannot allocate segment of %d bytes: region out of memory", int(e))
}

func (e noMemoryError) Is(err error) bool {
	if err == ErrNoMemory {
		return true
	}
	downcasted, ok := err.(*noMemoryError)
	return ok && *downcasted == e
}

// ErrRegionBusy is the error returned for attempts to close a region while
// transactions are still live.
var ErrRegionBusy = errors.New("region has live transactions")
