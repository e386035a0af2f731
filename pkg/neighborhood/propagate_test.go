package neighborhood

import (
	"context"
	"crypto/ed25519"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/proto"
	"github.com/marmos91/profileserver/pkg/store"
)

// runFakePeer drives the passive side of one handshake plus, if
// respondOK is true, one NeighborhoodSharedProfileUpdate exchange,
// signing the Start challenge with signingKey. It stops after the
// exchange or on read error.
func runFakePeer(t *testing.T, conn net.Conn, signingKey ed25519.PrivateKey, respondOK bool) {
	t.Helper()
	defer conn.Close()

	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return
	}
	env, err := wire.DecodeEnvelope(frame)
	require.NoError(t, err)
	require.Equal(t, wire.ReqStart, env.Request.Type)
	start, err := proto.DecodeStartBody(env.Request.Body)
	require.NoError(t, err)

	sig := ed25519.Sign(signingKey, start.ClientChallenge)
	respBody, err := (&proto.StartResponseBody{
		Negotiated:               wire.V1,
		ServerChallenge:          []byte("server-challenge-bytes-000000"),
		ClientChallengeSignature: sig,
	}).Encode()
	require.NoError(t, err)
	startResp := &wire.Response{ID: env.Request.ID, Kind: wire.KindConversation, Type: wire.ReqStart, Status: wire.StatusOK, Body: respBody}
	encoded, err := wire.EncodeEnvelope(&wire.Envelope{Response: startResp})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, encoded))

	if !respondOK {
		// A mismatched signature means the client tears down right
		// after decoding our Start response; nothing more to serve.
		return
	}

	frame, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	env, err = wire.DecodeEnvelope(frame)
	require.NoError(t, err)
	require.Equal(t, wire.ReqVerifyIdentity, env.Request.Type)
	verifyOK := &wire.Response{ID: env.Request.ID, Kind: wire.KindConversation, Type: wire.ReqVerifyIdentity, Status: wire.StatusOK}
	encoded, err = wire.EncodeEnvelope(&wire.Envelope{Response: verifyOK})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, encoded))

	frame, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	env, err = wire.DecodeEnvelope(frame)
	require.NoError(t, err)
	require.Equal(t, wire.ReqNeighborhoodSharedProfileUpdate, env.Request.Type)
	updateOK := &wire.Response{ID: env.Request.ID, Kind: wire.KindConversation, Type: wire.ReqNeighborhoodSharedProfileUpdate, Status: wire.StatusOK}
	encoded, err = wire.EncodeEnvelope(&wire.Envelope{Response: updateOK})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, encoded))
}

func followerAddr(t *testing.T, ln net.Listener) (string, uint32) {
	t.Helper()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 32)
	require.NoError(t, err)
	return "127.0.0.1", uint32(port)
}

func TestPropagateProfileActionSucceedsWhenIdentityMatches(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ln := newLoopbackTLSListener(t)
	peerPub, peerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	_, port := followerAddr(t, ln)
	require.NoError(t, e.store.InsertFollower(ctx, &identity.Follower{
		ServerID: "peer1", IPAddress: "127.0.0.1", SrNeighborPort: port, PublicKey: peerPub,
	}))

	var id identity.ID
	id[0] = 7
	require.NoError(t, e.store.InsertHostedIdentity(ctx, &identity.HostedIdentity{
		ID: id, PublicKey: []byte{1, 2, 3}, Name: "alice", Type: "person", Initialized: true,
	}))

	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			return
		}
		runFakePeer(t, conn, peerPriv, true)
	}()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = e.propagateProfileAction(ctx, identity.NeighborhoodAction{
		ServerID: "peer1", Type: identity.ActionAddProfile, TargetIdentityID: &id,
	})
	require.NoError(t, err)

	_, err = e.store.GetFollower(context.Background(), "peer1")
	require.NoError(t, err, "a successfully propagated update must not drop the follower")
}

func TestPropagateProfileActionDropsFollowerOnIdentityMismatch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ln := newLoopbackTLSListener(t)
	expectedPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, impostorPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	_, port := followerAddr(t, ln)
	require.NoError(t, e.store.InsertFollower(ctx, &identity.Follower{
		ServerID: "peer1", IPAddress: "127.0.0.1", SrNeighborPort: port, PublicKey: expectedPub,
	}))
	require.NoError(t, e.store.EnqueueActions(ctx, &identity.NeighborhoodAction{
		ServerID: "peer1", Type: identity.ActionRemoveProfile,
	}))

	var id identity.ID
	id[0] = 7
	require.NoError(t, e.store.InsertHostedIdentity(ctx, &identity.HostedIdentity{
		ID: id, PublicKey: []byte{1, 2, 3}, Name: "alice", Type: "person", Initialized: true,
	}))

	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			return
		}
		runFakePeer(t, conn, impostorPriv, false)
	}()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = e.propagateProfileAction(ctx, identity.NeighborhoodAction{
		ServerID: "peer1", Type: identity.ActionAddProfile, TargetIdentityID: &id,
	})
	require.NoError(t, err, "an identity mismatch is handled, not surfaced as an action failure")

	_, err = e.store.GetFollower(context.Background(), "peer1")
	require.ErrorIs(t, err, store.ErrFollowerNotFound)

	actions, err := e.store.ListRunnableActions(context.Background(), nowFunc(), 10)
	require.NoError(t, err)
	for _, a := range actions {
		require.NotEqual(t, "peer1", a.ServerID, "queued actions for the diverged follower must be cleared too")
	}
}
