package stm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockFreshLock(t *testing.T) {
	var l versionedLock
	require.True(t, l.tryLock(0))
	assert.True(t, l.locked())
	assert.Equal(t, uint64(0), l.version())
}

func TestTryLockWhileHeld(t *testing.T) {
	var l versionedLock
	require.True(t, l.tryLock(0))
	assert.False(t, l.tryLock(0))
	assert.False(t, l.tryLock(1<<62))
}

func TestTryLockStaleSnapshot(t *testing.T) {
	var l versionedLock
	require.True(t, l.tryLock(0))
	l.unlockWithVersion(7)

	assert.False(t, l.tryLock(6), "snapshot older than the version must not acquire")
	assert.True(t, l.tryLock(7))
}

func TestUnlockKeepsVersion(t *testing.T) {
	var l versionedLock
	require.True(t, l.tryLock(0))
	l.unlockWithVersion(3)

	require.True(t, l.tryLock(5))
	l.unlock()
	assert.False(t, l.locked())
	assert.Equal(t, uint64(3), l.version(), "plain unlock must leave the version unchanged")
}

func TestValidate(t *testing.T) {
	var l versionedLock
	assert.True(t, l.validate(0))

	require.True(t, l.tryLock(0))
	assert.False(t, l.validate(1<<62), "a held lock never validates")
	l.unlockWithVersion(4)

	assert.False(t, l.validate(3))
	assert.True(t, l.validate(4))
	assert.True(t, l.validate(5))
}

func TestTryLockSingleWinner(t *testing.T) {
	var l versionedLock
	const contenders = 16

	var start, done sync.WaitGroup
	start.Add(1)
	winners := make(chan int, contenders)
	for i := 0; i < contenders; i++ {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			start.Wait()
			if l.tryLock(0) {
				winners <- i
			}
		}(i)
	}
	start.Done()
	done.Wait()
	close(winners)

	var count int
	for range winners {
		count++
	}
	assert.Equal(t, 1, count, "exactly one contender may acquire the lock")
}
