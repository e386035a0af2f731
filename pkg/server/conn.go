package server

import (
	"context"
	"net"
	"time"

	"github.com/marmos91/profileserver/internal/logger"
	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/session"
)

// HandleConnection drives one accepted connection end to end: it reads
// frames until the peer disconnects, times out, or a protocol violation
// forces teardown, dispatching each inbound Request through Dispatch and
// routing each inbound Response to the pending request it completes
// (spec.md §4.C).
func HandleConnection(ctx context.Context, d *Deps, conn net.Conn, role session.Role, keepAlive time.Duration) {
	sess := session.New(conn, role)
	defer func() {
		d.Relay.DestroyForSession(sess)
		d.Registry.Unregister(sess.IdentityID(), sess)
		sess.Close()
	}()

	sess.RefreshDeadline(keepAlive)

	for {
		if keepAlive > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(keepAlive))
		}

		frame, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		sess.RefreshDeadline(keepAlive)

		env, err := wire.DecodeEnvelope(frame)
		if err != nil {
			_ = sess.SendMessage(ctx, &wire.Envelope{Response: wire.UnsolicitedViolation(err.Error())})
			return
		}

		switch {
		case env.Request != nil:
			handleInboundRequest(ctx, d, sess, env.Request)
		case env.Response != nil:
			handleInboundResponse(sess, env.Response)
		default:
			_ = sess.SendMessage(ctx, &wire.Envelope{Response: wire.UnsolicitedViolation("empty envelope")})
			return
		}

		if sess.ForceCloseRequested() {
			return
		}
	}
}

// handleInboundRequest runs req through Dispatch and writes back the
// resulting Response. A write failure means the connection is already
// broken; the read loop's next ReadFrame will observe it and return. A
// PROTOCOL_VIOLATION response successfully sent is fatal to the
// connection (spec.md §7): the peer is force-disconnected rather than
// allowed to keep using a session it has already misused.
func handleInboundRequest(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) {
	resp := Dispatch(ctx, d, sess, req)
	if err := sess.SendMessage(ctx, &wire.Envelope{Response: resp}); err != nil {
		logger.WarnCtx(ctx, "server: failed to send response", "request_id", req.ID, "error", err)
		return
	}
	if resp != nil && resp.Status == wire.StatusProtocolViolation {
		sess.RequestForceClose()
	}
}

// handleInboundResponse resolves resp against sess's pending-response
// table (spec.md §4.C: a response to a server-originated request, e.g.
// IncomingCallNotification or NeighborhoodSharedProfileUpdate, resumes
// the handler awaiting it). A response whose type doesn't match the
// request it claims to answer, or one with no matching pending entry at
// all, is a protocol violation and force-disconnects the peer.
func handleInboundResponse(sess *session.Session, resp *wire.Response) {
	pending, ok := sess.GetAndRemoveUnfinishedRequest(resp.ID)
	if !ok {
		sess.RequestForceClose()
		return
	}
	if resp.Type != pending.RequestType {
		sess.RequestForceClose()
		return
	}
	pending.Done <- resp
}
