package server

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/neighborhood"
	"github.com/marmos91/profileserver/pkg/protoerr"
	"github.com/marmos91/profileserver/pkg/session"
)

// wrapProtoViolation is the common "request body failed to decode"
// error shape used by every handler.
func wrapProtoViolation(msg string, cause error) error {
	return protoerr.Wrap(protoerr.ProtocolViolation, msg, cause)
}

// encodable is the shape every proto request/notification body exposes.
type encodable interface {
	Encode() ([]byte, error)
}

// sendRequestAwait registers a pending response on target, sends body as
// a server-originated conversation request, and blocks for the matching
// response — the same pattern the neighborhood engine uses to stream an
// initialization snapshot, generalized here to target a session other
// than the one that triggered the call (spec.md §4.D: the caller's
// handler awaits a response delivered on the callee's connection).
func sendRequestAwait(ctx context.Context, target *session.Session, reqType wire.RequestType, body encodable) (*wire.Response, error) {
	encoded, err := body.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %v: %w", reqType, err)
	}
	id, pending := target.RegisterUnfinishedRequest(reqType, nil)
	env := &wire.Envelope{Request: &wire.Request{
		ID: id, Kind: wire.KindConversation, Type: reqType, Version: wire.V1, Body: encoded,
	}}
	if err := target.SendMessage(ctx, env); err != nil {
		target.GetAndRemoveUnfinishedRequest(id)
		return nil, fmt.Errorf("send %v: %w", reqType, err)
	}

	select {
	case resp, ok := <-pending.Done:
		if !ok || resp == nil {
			return nil, fmt.Errorf("connection closed while awaiting %v response", reqType)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sendAndAwaitOK is sendRequestAwait for callers that only care whether
// the peer acknowledged with StatusOK.
func sendAndAwaitOK(ctx context.Context, target *session.Session, reqType wire.RequestType, body encodable) error {
	resp, err := sendRequestAwait(ctx, target, reqType, body)
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusOK {
		return fmt.Errorf("peer returned status %v for %v: %s", resp.Status, reqType, resp.Message)
	}
	return nil
}

// enqueueProfileActionForFollowers queues one NeighborhoodAction of the
// given type, targeting id, toward every follower currently mirroring
// this server (spec.md §4.F.1: a profile mutation fans out to every
// follower as an independent action). additionalData is attached
// verbatim (see neighborhood.EncodeAddProfileData for the Add/Change
// shape).
func enqueueProfileActionForFollowers(ctx context.Context, d *Deps, actionType identity.ActionType, id identity.ID, publicKey []byte) error {
	followers, err := d.Store.ListFollowers(ctx)
	if err != nil {
		return fmt.Errorf("list followers: %w", err)
	}
	if len(followers) == 0 {
		return nil
	}

	additionalData := ""
	if actionType == identity.ActionAddProfile || actionType == identity.ActionChangeProfile {
		additionalData = neighborhood.EncodeAddProfileData(publicKey)
	}

	actions := make([]*identity.NeighborhoodAction, 0, len(followers))
	for _, f := range followers {
		idCopy := id
		actions = append(actions, &identity.NeighborhoodAction{
			ServerID:         f.ServerID,
			Type:             actionType,
			TargetIdentityID: &idCopy,
			Timestamp:        time.Now(),
			AdditionalData:   additionalData,
		})
	}
	if err := d.Store.EnqueueActions(ctx, actions...); err != nil {
		return fmt.Errorf("enqueue follower actions: %w", err)
	}
	d.Neighborhood.Kick()
	return nil
}
