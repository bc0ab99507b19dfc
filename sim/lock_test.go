package sim

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instrlab/go-visa/visa"
)

func TestLockExclusiveBlocksSameDomain(t *testing.T) {
	table := newLockTable()

	_, err := table.acquire("d1", 1, visa.LockExclusive, "", 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = table.acquire("d1", 2, visa.LockExclusive, "", 100*time.Millisecond)
	require.ErrorIs(t, err, visa.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestLockDomainsAreIndependent(t *testing.T) {
	table := newLockTable()

	_, err := table.acquire("d1", 1, visa.LockExclusive, "", 0)
	require.NoError(t, err)

	// The same device locks independently in another domain.
	_, err = table.acquire("d2", 2, visa.LockExclusive, "", 0)
	require.NoError(t, err)

	assert.Equal(t, visa.LockExclusive, table.mode("d1", 1))
	assert.Equal(t, visa.LockExclusive, table.mode("d2", 2))
	assert.True(t, table.heldAgainst("d1", 2))
	assert.False(t, table.heldAgainst("d2", 1))
}

func TestLockExclusiveDoesNotNest(t *testing.T) {
	table := newLockTable()

	_, err := table.acquire("d1", 1, visa.LockExclusive, "", 0)
	require.NoError(t, err)

	// The holder itself cannot acquire again; nesting is a caller-side
	// concern (see visa.LockGuard).
	_, err = table.acquire("d1", 1, visa.LockExclusive, "", 0)
	require.ErrorIs(t, err, visa.ErrTimeout)

	table.release("d1", 1)
	assert.Equal(t, visa.LockNone, table.mode("d1", 1))

	_, err = table.acquire("d1", 1, visa.LockExclusive, "", 0)
	require.NoError(t, err)
}

func TestLockReleaseWakesWaiter(t *testing.T) {
	table := newLockTable()

	_, err := table.acquire("d1", 1, visa.LockExclusive, "", 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan error, 1)
	go func() {
		defer wg.Done()
		_, err := table.acquire("d1", 2, visa.LockExclusive, "", 5*time.Second)
		acquired <- err
	}()

	time.Sleep(20 * time.Millisecond)
	table.release("d1", 1)

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by the release")
	}
	wg.Wait()
}

func TestLockSharedKey(t *testing.T) {
	table := newLockTable()

	key, err := table.acquire("d1", 1, visa.LockShared, "", 0)
	require.NoError(t, err)
	require.NotEmpty(t, key, "an empty requested key must yield a generated one")

	// A cooperating session presenting the key joins.
	got, err := table.acquire("d1", 2, visa.LockShared, key, 0)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	// The wrong key is rejected outright.
	_, err = table.acquire("d1", 3, visa.LockShared, "wrong", 0)
	require.ErrorIs(t, err, visa.ErrInvalidAccessKey)

	// Exclusive access waits for all shared holders to leave.
	_, err = table.acquire("d1", 3, visa.LockExclusive, "", 0)
	require.ErrorIs(t, err, visa.ErrTimeout)

	table.release("d1", 1)
	table.release("d1", 2)
	_, err = table.acquire("d1", 3, visa.LockExclusive, "", 0)
	require.NoError(t, err)
}

func TestLockSharedUpgrade(t *testing.T) {
	table := newLockTable()

	_, err := table.acquire("d1", 1, visa.LockShared, "k", 0)
	require.NoError(t, err)

	// The sole shared holder may upgrade to exclusive.
	_, err = table.acquire("d1", 1, visa.LockExclusive, "", 0)
	require.NoError(t, err)
	assert.Equal(t, visa.LockExclusive, table.mode("d1", 1))
}

func TestLockReleaseIdempotent(t *testing.T) {
	table := newLockTable()

	table.release("d1", 1)
	assert.Equal(t, visa.LockNone, table.mode("d1", 1))

	_, err := table.acquire("d1", 1, visa.LockExclusive, "", 0)
	require.NoError(t, err)
	table.releaseAll("d1", 1)
	table.releaseAll("d1", 1)
	assert.Equal(t, visa.LockNone, table.mode("d1", 1))
}
