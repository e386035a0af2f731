package refcount

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/profileserver/pkg/blobstore"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestIncrementDecrementTracksCount(t *testing.T) {
	l := openTestLedger(t)
	hash := blobstore.HashOf([]byte("hello"))

	count, err := l.Increment(hash)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	count, err = l.Increment(hash)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	count, err = l.Decrement(hash)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestCountUntrackedHashIsZero(t *testing.T) {
	l := openTestLedger(t)
	count, err := l.Count(blobstore.HashOf([]byte("nope")))
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestDecrementFloorsAtZeroAndDeletesKey(t *testing.T) {
	l := openTestLedger(t)
	hash := blobstore.HashOf([]byte("data"))

	_, err := l.Increment(hash)
	require.NoError(t, err)

	count, err := l.Decrement(hash)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	count, err = l.Decrement(hash)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}
