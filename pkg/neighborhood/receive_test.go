package neighborhood

import (
	"context"
	"crypto/ed25519"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/proto"
	"github.com/marmos91/profileserver/pkg/session"
	"github.com/marmos91/profileserver/pkg/store"
)

// authenticatedSession returns a session whose IdentityID/ClientPublicKey
// are bound the way the dispatcher binds them after a real Start
// handshake, without running the network side of it.
func authenticatedSession(t *testing.T, role session.Role) (*session.Session, ed25519.PublicKey) {
	t.Helper()
	_, srv := net.Pipe()
	sess := session.New(srv, role)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, err = sess.StartConversation(pub, wire.V1)
	require.NoError(t, err)
	return sess, pub
}

func TestHandleStartNeighborhoodInitializationInsertsFollowerWithPublicKey(t *testing.T) {
	e := newTestEngine(t)
	sess, pub := authenticatedSession(t, session.RoleSrNeighbor)

	_, err := e.HandleStartNeighborhoodInitialization(context.Background(), sess, &proto.StartNeighborhoodInitializationBody{
		ServerID:    sess.IdentityID().String(),
		IPAddress:   "10.0.0.1",
		PrimaryPort: 9001,
	})
	require.NoError(t, err)

	follower, err := e.store.GetFollower(context.Background(), sess.IdentityID().String())
	require.NoError(t, err)
	require.Equal(t, pub, ed25519.PublicKey(follower.PublicKey))
	require.False(t, follower.Initialized)
}

func TestHandleStartNeighborhoodInitializationRejectsServerIDMismatch(t *testing.T) {
	e := newTestEngine(t)
	sess, _ := authenticatedSession(t, session.RoleSrNeighbor)

	_, err := e.HandleStartNeighborhoodInitialization(context.Background(), sess, &proto.StartNeighborhoodInitializationBody{
		ServerID:    "not-the-authenticated-identity",
		IPAddress:   "10.0.0.1",
		PrimaryPort: 9001,
	})
	require.Error(t, err)
}

func TestHandleStartNeighborhoodInitializationRejectsWhenAtParallelismLimit(t *testing.T) {
	e := newTestEngine(t)
	e.cfg.InitializationParallelism = 1
	ctx := context.Background()

	require.NoError(t, e.store.InsertFollower(ctx, &identity.Follower{
		ServerID: "already-in-flight", IPAddress: "10.0.0.2", PrimaryPort: 1, Initialized: false,
	}))

	sess, _ := authenticatedSession(t, session.RoleSrNeighbor)
	_, err := e.HandleStartNeighborhoodInitialization(ctx, sess, &proto.StartNeighborhoodInitializationBody{
		ServerID:    sess.IdentityID().String(),
		IPAddress:   "10.0.0.1",
		PrimaryPort: 9001,
	})
	require.Error(t, err)
}

func TestHandleNeighborhoodSharedProfileUpdateRejectsUnknownNeighbor(t *testing.T) {
	e := newTestEngine(t)
	sess, _ := authenticatedSession(t, session.RoleSrNeighbor)

	_, err := e.HandleNeighborhoodSharedProfileUpdate(context.Background(), sess, &proto.NeighborhoodSharedProfileUpdateBody{})
	require.Error(t, err)
}

func TestHandleNeighborhoodSharedProfileUpdateRejectsUninitializedNeighbor(t *testing.T) {
	e := newTestEngine(t)
	sess, _ := authenticatedSession(t, session.RoleSrNeighbor)
	ctx := context.Background()

	require.NoError(t, e.store.InsertNeighbor(ctx, &identity.Neighbor{
		ServerID: sess.IdentityID().String(), IPAddress: "10.0.0.1", PrimaryPort: 1, Initialized: false,
	}))

	_, err := e.HandleNeighborhoodSharedProfileUpdate(ctx, sess, &proto.NeighborhoodSharedProfileUpdateBody{})
	require.Error(t, err)
}

func TestHandleNeighborhoodSharedProfileUpdateAppliesAddThenRemove(t *testing.T) {
	e := newTestEngine(t)
	sess, _ := authenticatedSession(t, session.RoleSrNeighbor)
	ctx := context.Background()
	serverID := sess.IdentityID().String()

	require.NoError(t, e.store.InsertNeighbor(ctx, &identity.Neighbor{
		ServerID: serverID, IPAddress: "10.0.0.1", PrimaryPort: 1, Initialized: true,
	}))

	var id identity.ID
	id[0] = 9
	_, err := e.HandleNeighborhoodSharedProfileUpdate(ctx, sess, &proto.NeighborhoodSharedProfileUpdateBody{
		Items: []proto.ProfileUpdateItem{{
			Op:         proto.ProfileUpdateAdd,
			IdentityID: id.Bytes(),
			Info: &proto.ProfileInformationBody{
				IdentityID: id.Bytes(), PublicKey: []byte{1}, Name: "bob", Type: "person",
			},
		}},
	})
	require.NoError(t, err)

	row, err := e.store.GetNeighborIdentity(ctx, id, serverID)
	require.NoError(t, err)
	require.Equal(t, "bob", row.Name)

	_, err = e.HandleNeighborhoodSharedProfileUpdate(ctx, sess, &proto.NeighborhoodSharedProfileUpdateBody{
		Items: []proto.ProfileUpdateItem{{Op: proto.ProfileUpdateRemove, IdentityID: id.Bytes()}},
	})
	require.NoError(t, err)

	_, err = e.store.GetNeighborIdentity(ctx, id, serverID)
	require.ErrorIs(t, err, store.ErrNeighborIdentityNotFound)
}

func TestHandleNeighborhoodSharedProfileUpdateRejectsInitializationFlagOutsideHandshake(t *testing.T) {
	e := newTestEngine(t)
	sess, _ := authenticatedSession(t, session.RoleSrNeighbor)
	ctx := context.Background()

	require.NoError(t, e.store.InsertNeighbor(ctx, &identity.Neighbor{
		ServerID: sess.IdentityID().String(), IPAddress: "10.0.0.1", PrimaryPort: 1, Initialized: true,
	}))

	_, err := e.HandleNeighborhoodSharedProfileUpdate(ctx, sess, &proto.NeighborhoodSharedProfileUpdateBody{Initialization: true})
	require.Error(t, err)
}

func TestHandleStopNeighborhoodUpdatesDropsFollowerAndActions(t *testing.T) {
	e := newTestEngine(t)
	sess, _ := authenticatedSession(t, session.RoleSrNeighbor)
	ctx := context.Background()
	serverID := sess.IdentityID().String()

	require.NoError(t, e.store.InsertFollower(ctx, &identity.Follower{
		ServerID: serverID, IPAddress: "10.0.0.1", PrimaryPort: 1,
	}))
	require.NoError(t, e.store.EnqueueActions(ctx, &identity.NeighborhoodAction{
		ServerID: serverID, Type: identity.ActionRefreshNeighborStatus,
	}))

	_, err := e.HandleStopNeighborhoodUpdates(ctx, sess)
	require.NoError(t, err)

	_, err = e.store.GetFollower(ctx, serverID)
	require.ErrorIs(t, err, store.ErrFollowerNotFound)

	actions, err := e.store.ListRunnableActions(ctx, nowFunc(), 10)
	require.NoError(t, err)
	for _, a := range actions {
		require.NotEqual(t, serverID, a.ServerID)
	}
}
