package neighborhood

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/store"
)

func TestRunRemoveNeighborCascadeDeletesAndQueuesStopNotification(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, e.store.InsertNeighbor(ctx, &identity.Neighbor{
		ServerID: "peer1", IPAddress: "10.0.0.1", SrNeighborPort: 9002, PublicKey: pub,
	}))

	require.NoError(t, e.runRemoveNeighbor(ctx, identity.NeighborhoodAction{ServerID: "peer1"}))

	_, err = e.store.GetNeighbor(ctx, "peer1")
	require.ErrorIs(t, err, store.ErrNeighborNotFound)

	actions, err := e.store.ListRunnableActions(ctx, nowFunc(), 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, identity.ActionStopNeighborhoodUpdates, actions[0].Type)
	require.Contains(t, actions[0].AdditionalData, "10.0.0.1")
}

func TestRunRemoveNeighborIsNoopWhenAlreadyGone(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.runRemoveNeighbor(context.Background(), identity.NeighborhoodAction{ServerID: "ghost"}))
}

func TestRunStopNeighborhoodUpdatesNoopsWithoutSnapshot(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.runStopNeighborhoodUpdates(context.Background(), identity.NeighborhoodAction{ServerID: "peer1"}))
}

func TestRunStopNeighborhoodUpdatesSwallowsDialFailure(t *testing.T) {
	e := newTestEngine(t)
	// No listener on this address: dialAndAuthenticate fails, and the
	// best-effort notification must still report success (§4.F.4).
	err := e.runStopNeighborhoodUpdates(context.Background(), identity.NeighborhoodAction{
		ServerID:       "peer1",
		AdditionalData: `{"ip_address":"127.0.0.1","sr_neighbor_port":1}`,
	})
	require.NoError(t, err)
}
