package server

import (
	"context"
	"errors"
	"time"

	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/proto"
	"github.com/marmos91/profileserver/pkg/protoerr"
	"github.com/marmos91/profileserver/pkg/relay"
	"github.com/marmos91/profileserver/pkg/session"
)

// handleCallIdentityApplicationService places a call to a registered
// identity over one of its bound application services (spec.md §4.D):
// it finds the callee's live session, rings it with an
// IncomingCallNotification, and suspends until the callee accepts,
// rejects, or the callee-response timeout elapses.
func handleCallIdentityApplicationService(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodeCallIdentityApplicationServiceBody(req.Body)
	if err != nil {
		return nil, wrapProtoViolation("decode call-identity-application-service body", err)
	}
	calleeID, ok := identity.IDFromBytes(body.CalleeIdentityID)
	if !ok {
		return nil, protoerr.InvalidValuef("callee_identity_id", "must be 32 bytes")
	}

	calleeSess, ok := d.Registry.Lookup(calleeID)
	if !ok {
		return nil, protoerr.New(protoerr.NotAvailable, "callee is not connected")
	}
	if !calleeSess.HasAppService(body.ServiceName) {
		return nil, protoerr.New(protoerr.NotFound, "callee has not registered this application service")
	}

	r := d.Relay.Create(body.ServiceName, sess, calleeSess)

	timeout := d.Relay.CalleeResponseTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	calleeToken := r.CalleeToken()
	resp, err := sendRequestAwait(callCtx, calleeSess, wire.ReqIncomingCallNotification, &proto.IncomingCallNotificationBody{
		CallerPublicKey: sess.ClientPublicKey(),
		ServiceName:     body.ServiceName,
		CalleeToken:     calleeToken.Bytes(),
	})
	if err != nil {
		d.Relay.Destroy(r.ID)
		return nil, protoerr.Wrap(protoerr.NotAvailable, "callee did not respond to the call", err)
	}

	switch resp.Status {
	case wire.StatusOK:
		if !d.Relay.AcceptCallee(r) {
			d.Relay.Destroy(r.ID)
			return nil, protoerr.New(protoerr.NotAvailable, "call timed out before the callee accepted")
		}
		callerToken := r.CallerToken()
		return (&proto.CallIdentityApplicationServiceResponseBody{CallerToken: callerToken.Bytes()}).Encode()
	case wire.StatusRejected:
		d.Relay.Destroy(r.ID)
		return nil, protoerr.New(protoerr.Rejected, "callee rejected the call")
	case wire.StatusNotAvailable:
		d.Relay.Destroy(r.ID)
		return nil, protoerr.New(protoerr.NotAvailable, "callee is not available")
	default:
		d.Relay.Destroy(r.ID)
		return nil, protoerr.Newf(protoerr.Internal, "callee returned unexpected status %v", resp.Status)
	}
}

// handleAppServiceSendMessage serves the ClAppService port's dual
// purpose: the first call for a given connection binds it to one of the
// relay's two endpoint tokens; every call (including the first, if it
// carries a payload) forwards the payload to the opposite endpoint
// (spec.md §4.D, §5).
func handleAppServiceSendMessage(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodeAppServiceSendMessageBody(req.Body)
	if err != nil {
		return nil, wrapProtoViolation("decode app-service-send-message body", err)
	}
	token, ok := relay.TokenFromBytes(body.Token)
	if !ok {
		return nil, protoerr.InvalidValuef("token", "must be 16 bytes")
	}

	if bound, isBound := sess.BoundRelayEndpoint(); !isBound {
		if _, ok := d.Relay.BindAppService(token, sess); !ok {
			sess.RequestForceClose()
			return nil, protoerr.New(protoerr.NotFound, "unrecognized relay token")
		}
		sess.BindRelayEndpoint(token)
	} else if bound != token {
		return nil, protoerr.New(protoerr.Unauthorized, "token does not match this connection's bound endpoint")
	}

	if len(body.Payload) == 0 {
		return nil, nil
	}

	err = d.Relay.Forward(token, func(recipient *session.Session) error {
		if recipient == nil {
			return errors.New("opposite endpoint has not bound an application-service connection yet")
		}
		return sendAndAwaitOK(ctx, recipient, wire.ReqAppServiceReceiveMessageNotification,
			&proto.AppServiceReceiveMessageNotificationBody{Payload: body.Payload})
	})
	if err != nil {
		return nil, protoerr.Wrap(protoerr.NotAvailable, "failed to forward message", err)
	}
	return nil, nil
}
