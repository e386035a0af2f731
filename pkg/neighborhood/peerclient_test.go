package neighborhood

import (
	"context"
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/proto"
)

// fakePeerReadStart reads the client's Start request and returns its
// decoded challenge, acting as the minimal passive half of the
// handshake for these tests.
func fakePeerReadStart(t *testing.T, conn net.Conn) *proto.StartBody {
	t.Helper()
	frame, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	env, err := wire.DecodeEnvelope(frame)
	require.NoError(t, err)
	require.NotNil(t, env.Request)
	require.Equal(t, wire.ReqStart, env.Request.Type)
	body, err := proto.DecodeStartBody(env.Request.Body)
	require.NoError(t, err)
	return body
}

func fakePeerRespondStart(t *testing.T, conn net.Conn, reqID uint32, signingKey ed25519.PrivateKey, clientChallenge []byte) {
	t.Helper()
	sig := ed25519.Sign(signingKey, clientChallenge)
	respBody, err := (&proto.StartResponseBody{
		Negotiated:               wire.V1,
		ServerChallenge:          []byte("server-challenge-bytes-000000"),
		ClientChallengeSignature: sig,
	}).Encode()
	require.NoError(t, err)
	resp := &wire.Response{ID: reqID, Kind: wire.KindConversation, Type: wire.ReqStart, Status: wire.StatusOK, Body: respBody}
	encoded, err := wire.EncodeEnvelope(&wire.Envelope{Response: resp})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, encoded))
}

func TestHandshakeSucceedsWhenSignatureMatchesExpectedKey(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	clientPub, clientPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	peerPub, peerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	c := &peerClient{conn: clientConn}
	done := make(chan error, 1)
	go func() { done <- c.handshake(context.Background(), clientPriv, clientPub, peerPub) }()

	start := fakePeerReadStart(t, peerConn)
	fakePeerRespondStart(t, peerConn, 1, peerPriv, start.ClientChallenge)

	// handshake proceeds to VerifyIdentity; answer it OK so handshake
	// returns rather than blocking on the read.
	frame, err := wire.ReadFrame(peerConn)
	require.NoError(t, err)
	env, err := wire.DecodeEnvelope(frame)
	require.NoError(t, err)
	require.Equal(t, wire.ReqVerifyIdentity, env.Request.Type)
	okResp := &wire.Response{ID: env.Request.ID, Kind: wire.KindConversation, Type: wire.ReqVerifyIdentity, Status: wire.StatusOK}
	encoded, err := wire.EncodeEnvelope(&wire.Envelope{Response: okResp})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(peerConn, encoded))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}

func TestHandshakeFailsWhenSignatureDoesNotMatchExpectedKey(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	clientPub, clientPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	expectedPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	// The peer signs with a different key than expectedPub, simulating
	// an impostor answering at the dialed address.
	_, impostorPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	c := &peerClient{conn: clientConn}
	done := make(chan error, 1)
	go func() { done <- c.handshake(context.Background(), clientPriv, clientPub, expectedPub) }()

	start := fakePeerReadStart(t, peerConn)
	fakePeerRespondStart(t, peerConn, 1, impostorPriv, start.ClientChallenge)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrPeerIdentityMismatch)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}

func TestHandshakeSkipsVerificationWhenNoExpectedKeyGiven(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	clientPub, clientPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, peerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	c := &peerClient{conn: clientConn}
	done := make(chan error, 1)
	go func() { done <- c.handshake(context.Background(), clientPriv, clientPub, nil) }()

	start := fakePeerReadStart(t, peerConn)
	fakePeerRespondStart(t, peerConn, 1, peerPriv, start.ClientChallenge)

	frame, err := wire.ReadFrame(peerConn)
	require.NoError(t, err)
	env, err := wire.DecodeEnvelope(frame)
	require.NoError(t, err)
	okResp := &wire.Response{ID: env.Request.ID, Kind: wire.KindConversation, Type: wire.ReqVerifyIdentity, Status: wire.StatusOK}
	encoded, err := wire.EncodeEnvelope(&wire.Envelope{Response: okResp})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(peerConn, encoded))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}
