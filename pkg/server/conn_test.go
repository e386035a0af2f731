package server

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/session"
)

func pipeSessionWithPeer(role session.Role) (*session.Session, net.Conn) {
	client, srv := net.Pipe()
	return session.New(srv, role), client
}

// handleInboundRequest must force-close the connection once the
// dispatched response comes back with a protocol-violation status
// (spec.md §7): a malformed ping body is the simplest way to provoke
// wrapProtoViolation out of a handler.
func TestHandleInboundRequestForceClosesOnProtocolViolation(t *testing.T) {
	d := testDeps()
	sess, client := pipeSessionWithPeer(session.RoleClCustomer)
	defer client.Close()

	go func() { _, _ = wire.ReadFrame(client) }() // drain the response so SendMessage doesn't block

	req := &wire.Request{ID: 1, Type: wire.ReqPing, Body: []byte("not a valid ping body")}
	handleInboundRequest(context.Background(), d, sess, req)

	require.True(t, sess.ForceCloseRequested())
}

func TestHandleInboundRequestDoesNotForceCloseOnOK(t *testing.T) {
	d := testDeps()
	sess, client := pipeSessionWithPeer(session.RoleClCustomer)
	defer client.Close()

	go func() { _, _ = wire.ReadFrame(client) }()

	req := pingRequest(1)
	handleInboundRequest(context.Background(), d, sess, req)

	require.False(t, sess.ForceCloseRequested())
}

func TestHandleInboundResponseForceClosesOnNoPendingEntry(t *testing.T) {
	sess, client := pipeSessionWithPeer(session.RoleSrNeighbor)
	defer client.Close()

	resp := &wire.Response{ID: 42, Type: wire.ReqPing, Status: wire.StatusOK}
	handleInboundResponse(sess, resp)

	require.True(t, sess.ForceCloseRequested())
}

func TestHandleInboundResponseForceClosesOnTypeMismatch(t *testing.T) {
	sess, client := pipeSessionWithPeer(session.RoleSrNeighbor)
	defer client.Close()

	id, pending := sess.RegisterUnfinishedRequest(wire.ReqIncomingCallNotification, nil)

	resp := &wire.Response{ID: id, Type: wire.ReqPing, Status: wire.StatusOK}
	handleInboundResponse(sess, resp)

	require.True(t, sess.ForceCloseRequested())
	select {
	case <-pending.Done:
		t.Fatal("pending request should not have been resolved on a type mismatch")
	default:
	}
}

func TestHandleInboundResponseResolvesPendingOnMatch(t *testing.T) {
	sess, client := pipeSessionWithPeer(session.RoleSrNeighbor)
	defer client.Close()

	id, pending := sess.RegisterUnfinishedRequest(wire.ReqIncomingCallNotification, nil)

	resp := &wire.Response{ID: id, Type: wire.ReqIncomingCallNotification, Status: wire.StatusOK}
	handleInboundResponse(sess, resp)

	require.False(t, sess.ForceCloseRequested())
	got := <-pending.Done
	require.Same(t, resp, got)
}
