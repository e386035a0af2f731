package neighborhood

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/profileserver/pkg/blobstore"
	"github.com/marmos91/profileserver/pkg/blobstore/refcount"
	"github.com/marmos91/profileserver/pkg/config"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/metrics"
	"github.com/marmos91/profileserver/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestBlobStore(t *testing.T) *blobstore.Store {
	t.Helper()
	dir := t.TempDir()
	backend, err := blobstore.NewFSBackend(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	ledger, err := refcount.Open(filepath.Join(dir, "refcount"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })
	return blobstore.New(backend, ledger)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return New(newTestStore(t), newTestBlobStore(t), config.NeighborhoodConfig{}, "srv1", "127.0.0.1", priv, pub, 9001, 9002, true, metrics.New())
}

func TestEngineRunActionUnknownTypeDoesNotCompleteOrPanic(t *testing.T) {
	e := newTestEngine(t)
	a := identity.NeighborhoodAction{ID: 1, Type: identity.ActionType(0), ServerID: "srv2"}
	// runAction should log and leave the action leased for retry rather
	// than panicking on an unrecognized type.
	e.runAction(context.Background(), a)
}

func TestReapStaleInitializationDeletesFollower(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.store.EnqueueActions(ctx, &identity.NeighborhoodAction{
		ServerID: "peer1", Type: identity.ActionAddNeighbor,
	}))
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, e.store.InsertFollower(ctx, &identity.Follower{
		ServerID: "peer1", IPAddress: "10.0.0.1", PrimaryPort: 1, PublicKey: pub,
	}))

	err = e.reapStaleInitialization(ctx, identity.NeighborhoodAction{ServerID: "peer1"})
	require.NoError(t, err)

	_, err = e.store.GetFollower(ctx, "peer1")
	require.ErrorIs(t, err, store.ErrFollowerNotFound)
}

func TestReapStaleInitializationIsIdempotentWhenAlreadyGone(t *testing.T) {
	e := newTestEngine(t)
	err := e.reapStaleInitialization(context.Background(), identity.NeighborhoodAction{ServerID: "ghost"})
	require.NoError(t, err)
}

func TestAbortMismatchedNeighborDropsNeighborAndQueuedActions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, e.store.InsertNeighbor(ctx, &identity.Neighbor{
		ServerID: "peer1", IPAddress: "10.0.0.1", PrimaryPort: 1, PublicKey: pub,
	}))
	require.NoError(t, e.store.EnqueueActions(ctx, &identity.NeighborhoodAction{
		ServerID: "peer1", Type: identity.ActionRefreshNeighborStatus,
	}))

	e.abortMismatchedNeighbor(ctx, "peer1")

	_, err = e.store.GetNeighbor(ctx, "peer1")
	require.ErrorIs(t, err, store.ErrNeighborNotFound)

	actions, err := e.store.ListRunnableActions(ctx, nowFunc(), 10)
	require.NoError(t, err)
	for _, a := range actions {
		require.NotEqual(t, "peer1", a.ServerID)
	}
}

func TestAbortMismatchedNeighborIsIdempotentWhenAlreadyGone(t *testing.T) {
	e := newTestEngine(t)
	e.abortMismatchedNeighbor(context.Background(), "ghost")
}

func TestCommitStagedCreatesNeighborWithPublicKey(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	staged := newStagedInitialization()

	require.NoError(t, e.commitStaged(ctx, "peer1", "10.0.0.1", 9001, pub, staged))

	n, err := e.store.GetNeighbor(ctx, "peer1")
	require.NoError(t, err)
	require.True(t, n.Initialized)
	require.Equal(t, pub, ed25519.PublicKey(n.PublicKey))
}

func TestCommitStagedPreservesExistingPublicKeyWhenNoneGiven(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, e.store.InsertNeighbor(ctx, &identity.Neighbor{
		ServerID: "peer1", IPAddress: "10.0.0.1", PrimaryPort: 9001, PublicKey: pub,
	}))

	staged := newStagedInitialization()
	require.NoError(t, e.commitStaged(ctx, "peer1", "10.0.0.1", 9001, nil, staged))

	n, err := e.store.GetNeighbor(ctx, "peer1")
	require.NoError(t, err)
	require.Equal(t, pub, ed25519.PublicKey(n.PublicKey))
}
