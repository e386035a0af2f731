package neighborhood

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/store"
)

func TestEncodeAddNeighborDataRoundTripsPublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	encoded := EncodeAddNeighborData("10.0.0.1", 9001, pub)

	var dial addNeighborData
	require.NoError(t, json.Unmarshal([]byte(encoded), &dial))
	require.Equal(t, "10.0.0.1", dial.IPAddress)
	require.EqualValues(t, 9001, dial.PrimaryPort)

	decoded, err := hex.DecodeString(dial.PublicKeyHex)
	require.NoError(t, err)
	require.Equal(t, pub, ed25519.PublicKey(decoded))
}

func TestRunInitializationAsNeighborAbortsOnIdentityMismatch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ln := newLoopbackTLSListener(t)
	expectedPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, impostorPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	_, port := followerAddr(t, ln)
	require.NoError(t, e.store.EnqueueActions(ctx, &identity.NeighborhoodAction{
		ServerID: "peer1", Type: identity.ActionRefreshNeighborStatus,
	}))

	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			return
		}
		runFakePeer(t, conn, impostorPriv, false)
	}()

	action := identity.NeighborhoodAction{
		ServerID:       "peer1",
		Type:           identity.ActionAddNeighbor,
		AdditionalData: EncodeAddNeighborData("127.0.0.1", port, expectedPub),
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = e.runInitializationAsNeighbor(ctx, action)
	require.Error(t, err)

	_, err = e.store.GetNeighbor(context.Background(), "peer1")
	require.ErrorIs(t, err, store.ErrNeighborNotFound)

	actions, err := e.store.ListRunnableActions(context.Background(), nowFunc(), 10)
	require.NoError(t, err)
	for _, a := range actions {
		require.NotEqual(t, "peer1", a.ServerID)
	}
}
