package session

import (
	"context"
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/identity"
)

func pipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	s := New(server, RoleClCustomer)
	return s, client
}

func TestStartConversationDerivesIdentityID(t *testing.T) {
	s, _ := pipeSession(t)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	challenge, err := s.StartConversation(pub, wire.V1)
	require.NoError(t, err)
	require.NotEqual(t, [32]byte{}, challenge)
	require.Equal(t, ConversationStarted, s.Status())
	require.Equal(t, identity.DeriveID(pub), s.IdentityID())
}

func TestSatisfiesStatusAuthenticatedSatisfiesVerified(t *testing.T) {
	s, _ := pipeSession(t)
	s.MarkAuthenticated()
	require.True(t, s.SatisfiesStatus(Verified, false))
	require.True(t, s.SatisfiesStatus(Authenticated, false))
	require.False(t, s.SatisfiesStatus(NoConversation, false))
}

func TestSatisfiesStatusConversationAny(t *testing.T) {
	s, _ := pipeSession(t)
	require.False(t, s.SatisfiesStatus(NoConversation, true))
	s.advance(ConversationStarted)
	require.True(t, s.SatisfiesStatus(NoConversation, true))
}

func TestPendingRequestRoundTrips(t *testing.T) {
	s, _ := pipeSession(t)
	id, pending := s.RegisterUnfinishedRequest(wire.ReqIncomingCallNotification, "ctx")
	require.Equal(t, "ctx", pending.Context)

	got, ok := s.GetAndRemoveUnfinishedRequest(id)
	require.True(t, ok)
	require.Same(t, pending, got)

	_, ok = s.GetAndRemoveUnfinishedRequest(id)
	require.False(t, ok)
}

func TestCancelAllPendingClosesChannels(t *testing.T) {
	s, _ := pipeSession(t)
	_, pending := s.RegisterUnfinishedRequest(wire.ReqPing, nil)
	s.CancelAllPending()

	_, ok := <-pending.Done
	require.False(t, ok)
}

func TestSendMessageWritesFrame(t *testing.T) {
	s, client := pipeSession(t)
	done := make(chan error, 1)
	go func() {
		done <- s.SendMessage(context.Background(), &wire.Envelope{Response: &wire.Response{
			Kind: wire.KindSingle, Type: wire.ReqPing, Status: wire.StatusOK,
		}})
	}()

	body, err := wire.ReadFrame(client)
	require.NoError(t, err)
	env, err := wire.DecodeEnvelope(body)
	require.NoError(t, err)
	require.NotNil(t, env.Response)
	require.Equal(t, wire.StatusOK, env.Response.Status)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for send to complete")
	}
}
