package neighborhood

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"gorm.io/gorm"

	"github.com/marmos91/profileserver/internal/logger"
	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/blobstore"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/proto"
	"github.com/marmos91/profileserver/pkg/protoerr"
	"github.com/marmos91/profileserver/pkg/session"
	"github.com/marmos91/profileserver/pkg/store"
)

// HandleStartNeighborhoodInitialization is the dispatcher entry point
// for the passive side of the initialization handshake (§4.F.2): a peer
// that wants to mirror our hosted profiles announces itself. We insert
// a Follower row, mark a blocking action so a stalled handshake gets
// reaped, and kick off a goroutine that streams our own snapshot back
// over the same connection.
func (e *Engine) HandleStartNeighborhoodInitialization(ctx context.Context, sess *session.Session, body *proto.StartNeighborhoodInitializationBody) ([]byte, error) {
	if !e.testMode && isReservedOrLocal(body.IPAddress) {
		return nil, protoerr.InvalidValuef("ip_address", "reserved or local address not accepted")
	}
	if body.ServerID != sess.IdentityID().String() {
		return nil, protoerr.New(protoerr.Unauthorized, "server id does not match authenticated identity")
	}

	parallelism := e.cfg.InitializationParallelism
	if parallelism <= 0 {
		parallelism = 3
	}
	uninitialized, err := e.store.CountUninitializedFollowers(ctx)
	if err != nil {
		return nil, protoerr.Internalf(err, "count uninitialized followers")
	}
	if uninitialized >= int64(parallelism) {
		return nil, protoerr.New(protoerr.Busy, "too many initializations already in progress")
	}

	follower := &identity.Follower{
		ServerID:        body.ServerID,
		IPAddress:       body.IPAddress,
		PrimaryPort:     body.PrimaryPort,
		SrNeighborPort:  body.SrNeighborPort,
		PublicKey:       sess.ClientPublicKey(),
		LastRefreshTime: nowFunc(),
		Initialized:     false,
	}
	if err := e.store.InsertFollower(ctx, follower); err != nil {
		if err == store.ErrFollowerExists {
			// A retry of an earlier, still-in-progress attempt; let it
			// proceed rather than rejecting outright.
		} else {
			return nil, protoerr.Internalf(err, "insert follower")
		}
	}

	lease := e.cfg.InitializationLease
	if lease <= 0 {
		lease = 20 * time.Minute
	}
	deadline := nowFunc().Add(lease)
	blocker := &identity.NeighborhoodAction{
		ServerID:     body.ServerID,
		Type:         identity.ActionInitializationProcessInProgress,
		Timestamp:    nowFunc(),
		ExecuteAfter: &deadline,
	}
	if err := e.store.EnqueueActions(ctx, blocker); err != nil {
		return nil, protoerr.Internalf(err, "enqueue initialization blocker")
	}

	sess.SetInitializationInProgress(true)
	go e.streamSnapshotToFollower(context.WithoutCancel(ctx), sess, body.ServerID, deadline)

	return nil, nil
}

// streamSnapshotToFollower pushes every initialized HostedIdentity in
// size-capped batches, then a Finish, using the session's pending-
// response table to wait for each ack. It runs detached from the
// request that triggered it, so it uses its own deadline rather than
// the triggering request's context.
func (e *Engine) streamSnapshotToFollower(ctx context.Context, sess *session.Session, followerServerID string, deadline time.Time) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	defer sess.SetInitializationInProgress(false)

	identities, err := e.store.ListInitializedHostedIdentities(ctx)
	if err != nil {
		logger.ErrorCtx(ctx, "neighborhood: failed to snapshot hosted identities for follower",
			"server_id", followerServerID, "error", err)
		e.abortFollowerInitialization(ctx, followerServerID)
		return
	}

	const batchSize = 50
	for i := 0; i < len(identities); i += batchSize {
		end := i + batchSize
		if end > len(identities) {
			end = len(identities)
		}
		items := make([]proto.ProfileUpdateItem, 0, end-i)
		for _, h := range identities[i:end] {
			item := proto.ProfileUpdateItem{
				Op:         proto.ProfileUpdateAdd,
				IdentityID: h.ID.Bytes(),
				Info: &proto.ProfileInformationBody{
					IdentityID:         h.ID.Bytes(),
					PublicKey:          h.PublicKey,
					Version:            h.Version(),
					Name:               h.Name,
					Type:               h.Type,
					LatFixed:           h.LatFixed,
					LongFixed:          h.LongFixed,
					ExtraData:          h.ExtraData,
					ProfileImageHash:   h.ProfileImageHash,
					ThumbnailImageHash: h.ThumbnailImageHash,
				},
			}
			if hash, ok := blobstore.HashFromBytes(h.ProfileImageHash); ok {
				if data, readErr := e.blobs.Read(ctx, hash); readErr == nil {
					item.ProfileImageData = data
				}
			}
			if hash, ok := blobstore.HashFromBytes(h.ThumbnailImageHash); ok {
				if data, readErr := e.blobs.Read(ctx, hash); readErr == nil {
					item.ThumbnailData = data
				}
			}
			items = append(items, item)
		}

		if err := e.sendAndAwait(ctx, sess, wire.ReqNeighborhoodSharedProfileUpdate,
			&proto.NeighborhoodSharedProfileUpdateBody{Items: items, Initialization: true}); err != nil {
			logger.WarnCtx(ctx, "neighborhood: follower rejected initialization batch",
				"server_id", followerServerID, "error", err)
			e.abortFollowerInitialization(ctx, followerServerID)
			return
		}
	}

	if err := e.sendAndAwait(ctx, sess, wire.ReqFinishNeighborhoodInitialization, &proto.FinishNeighborhoodInitializationBody{}); err != nil {
		logger.WarnCtx(ctx, "neighborhood: follower rejected finish",
			"server_id", followerServerID, "error", err)
		e.abortFollowerInitialization(ctx, followerServerID)
		return
	}

	if err := e.store.UpdateFollower(ctx, followerServerID, func(f *identity.Follower) error {
		f.Initialized = true
		f.SharedProfilesCount = int64(len(identities))
		f.LastRefreshTime = nowFunc()
		return nil
	}); err != nil {
		logger.ErrorCtx(ctx, "neighborhood: failed to mark follower initialized",
			"server_id", followerServerID, "error", err)
		return
	}
	if err := e.store.DeleteActionsForServer(ctx, followerServerID); err != nil {
		logger.WarnCtx(ctx, "neighborhood: failed to clear initialization blocker",
			"server_id", followerServerID, "error", err)
	}
	logger.InfoCtx(ctx, "neighborhood: follower initialized", "server_id", followerServerID, "profiles", len(identities))
	e.Kick()
}

func (e *Engine) abortFollowerInitialization(ctx context.Context, followerServerID string) {
	if err := e.store.DeleteFollower(ctx, followerServerID); err != nil && err != store.ErrFollowerNotFound {
		logger.WarnCtx(ctx, "neighborhood: failed to delete follower after aborted initialization",
			"server_id", followerServerID, "error", err)
	}
	if err := e.store.DeleteActionsForServer(ctx, followerServerID); err != nil {
		logger.WarnCtx(ctx, "neighborhood: failed to clear actions after aborted initialization",
			"server_id", followerServerID, "error", err)
	}
}

// sendAndAwait registers a pending response, sends req as a
// server-originated conversation request on sess, and blocks until the
// matching response is routed back by the connection's read loop (or
// ctx is done).
func (e *Engine) sendAndAwait(ctx context.Context, sess *session.Session, reqType wire.RequestType, body interface{ Encode() ([]byte, error) }) error {
	encoded, err := body.Encode()
	if err != nil {
		return fmt.Errorf("encode %v: %w", reqType, err)
	}
	id, pending := sess.RegisterUnfinishedRequest(reqType, nil)
	env := &wire.Envelope{Request: &wire.Request{
		ID: id, Kind: wire.KindConversation, Type: reqType, Version: wire.V1, Body: encoded,
	}}
	if err := sess.SendMessage(ctx, env); err != nil {
		sess.GetAndRemoveUnfinishedRequest(id)
		return fmt.Errorf("send %v: %w", reqType, err)
	}

	select {
	case resp, ok := <-pending.Done:
		if !ok || resp == nil {
			return fmt.Errorf("connection closed while awaiting %v response", reqType)
		}
		if resp.Status != wire.StatusOK {
			return fmt.Errorf("peer returned status %v for %v: %s", resp.Status, reqType, resp.Message)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleNeighborhoodSharedProfileUpdate ingests a live update pushed by
// a neighbor we already mirror (§4.F.3). Initialization-flagged batches
// are only valid inside the outbound handshake driven by
// runInitializationAsNeighbor, never as a standalone request.
func (e *Engine) HandleNeighborhoodSharedProfileUpdate(ctx context.Context, sess *session.Session, body *proto.NeighborhoodSharedProfileUpdateBody) ([]byte, error) {
	if body.Initialization {
		return nil, protoerr.New(protoerr.ProtocolViolation, "unexpected initialization batch outside a handshake")
	}

	serverID := sess.IdentityID().String()
	n, err := e.store.GetNeighbor(ctx, serverID)
	if err != nil {
		if err == store.ErrNeighborNotFound {
			return nil, protoerr.New(protoerr.Rejected, "no neighbor relationship with this server")
		}
		return nil, protoerr.Internalf(err, "look up neighbor")
	}
	if !n.Initialized {
		return nil, protoerr.New(protoerr.BadConversationStatus, "neighbor relationship not yet initialized")
	}

	for _, item := range body.Items {
		if err := e.applyLiveUpdateItem(ctx, serverID, item); err != nil {
			if pe, ok := protoerr.As(err); ok {
				return nil, pe
			}
			return nil, protoerr.Internalf(err, "apply update item")
		}
	}

	if err := e.store.UpdateNeighbor(ctx, serverID, func(row *identity.Neighbor) error {
		row.LastRefreshTime = nowFunc()
		return nil
	}); err != nil {
		logger.WarnCtx(ctx, "neighborhood: failed to bump neighbor refresh time", "server_id", serverID, "error", err)
	}
	return nil, nil
}

func (e *Engine) applyLiveUpdateItem(ctx context.Context, hostingServerID string, item proto.ProfileUpdateItem) error {
	id, ok := identity.IDFromBytes(item.IdentityID)
	if !ok {
		return fmt.Errorf("invalid identity id in update item")
	}

	switch item.Op {
	case proto.ProfileUpdateRemove:
		existing, err := e.store.GetNeighborIdentity(ctx, id, hostingServerID)
		if err != nil {
			if err == store.ErrNeighborIdentityNotFound {
				return nil
			}
			return err
		}
		if err := e.store.ApplyNeighborIdentityBatch(ctx, hostingServerID, func(tx *gorm.DB) error {
			return store.DeleteNeighborIdentityTx(tx, id, hostingServerID)
		}); err != nil {
			return err
		}
		e.dereferenceImages(ctx, existing.ProfileImageHash, existing.ThumbnailImageHash)
		return nil

	case proto.ProfileUpdateAdd, proto.ProfileUpdateChange:
		if item.Info == nil {
			return fmt.Errorf("%v item missing profile information", item.Op)
		}
		if err := e.writeIncomingBlob(ctx, item.Info.ProfileImageHash, item.ProfileImageData); err != nil {
			return err
		}
		if err := e.writeIncomingBlob(ctx, item.Info.ThumbnailImageHash, item.ThumbnailData); err != nil {
			return err
		}

		var previous *identity.NeighborIdentity
		if item.Op == proto.ProfileUpdateChange {
			if existing, err := e.store.GetNeighborIdentity(ctx, id, hostingServerID); err == nil {
				previous = existing
			} else if err != store.ErrNeighborIdentityNotFound {
				return err
			}
			if previous != nil && previous.Type != item.Info.Type {
				return protoerr.InvalidValuef("type", "a Change item may not alter an identity's type")
			}
		}

		row := &identity.NeighborIdentity{
			IdentityID:         id,
			HostingServerID:    hostingServerID,
			PublicKey:          item.Info.PublicKey,
			VersionMajor:       item.Info.Version.Major,
			VersionMinor:       item.Info.Version.Minor,
			VersionPatch:       item.Info.Version.Patch,
			Name:               item.Info.Name,
			Type:               item.Info.Type,
			LatFixed:           item.Info.LatFixed,
			LongFixed:          item.Info.LongFixed,
			ExtraData:          item.Info.ExtraData,
			ProfileImageHash:   item.Info.ProfileImageHash,
			ThumbnailImageHash: item.Info.ThumbnailImageHash,
		}

		err := e.store.ApplyNeighborIdentityBatch(ctx, hostingServerID, func(tx *gorm.DB) error {
			if previous != nil {
				return store.UpdateNeighborIdentityTx(tx, id, hostingServerID, func(r *identity.NeighborIdentity) error {
					applyNeighborIdentityFields(r, row)
					return nil
				})
			}
			return store.InsertNeighborIdentityTx(tx, row)
		})
		if err != nil {
			if err == store.ErrNeighborIdentityExists {
				// Raced with an Add we hadn't seen yet (e.g. retried
				// delivery); treat as a Change instead.
				return e.store.ApplyNeighborIdentityBatch(ctx, hostingServerID, func(tx *gorm.DB) error {
					return store.UpdateNeighborIdentityTx(tx, id, hostingServerID, func(r *identity.NeighborIdentity) error {
						applyNeighborIdentityFields(r, row)
						return nil
					})
				})
			}
			return err
		}

		if previous != nil {
			if !bytes.Equal(previous.ProfileImageHash, row.ProfileImageHash) {
				e.dereferenceImages(ctx, previous.ProfileImageHash, nil)
			}
			if !bytes.Equal(previous.ThumbnailImageHash, row.ThumbnailImageHash) {
				e.dereferenceImages(ctx, nil, previous.ThumbnailImageHash)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown update op %v", item.Op)
	}
}

// applyNeighborIdentityFields copies every mutable field from src into
// dst, leaving dst's primary key and CreatedAt untouched.
func applyNeighborIdentityFields(dst, src *identity.NeighborIdentity) {
	dst.PublicKey = src.PublicKey
	dst.VersionMajor = src.VersionMajor
	dst.VersionMinor = src.VersionMinor
	dst.VersionPatch = src.VersionPatch
	dst.Name = src.Name
	dst.Type = src.Type
	dst.LatFixed = src.LatFixed
	dst.LongFixed = src.LongFixed
	dst.ExtraData = src.ExtraData
	dst.ProfileImageHash = src.ProfileImageHash
	dst.ThumbnailImageHash = src.ThumbnailImageHash
}

// writeIncomingBlob saves data by hash (idempotent, refcount bump) only
// when the sender actually included bytes; a hash with no accompanying
// data means the receiver is assumed to already hold it from an earlier
// delivery.
func (e *Engine) writeIncomingBlob(ctx context.Context, hash, data []byte) error {
	if len(hash) == 0 || len(data) == 0 {
		return nil
	}
	if _, err := e.blobs.Save(ctx, data); err != nil {
		return fmt.Errorf("save incoming blob: %w", err)
	}
	return nil
}

func (e *Engine) dereferenceImages(ctx context.Context, profileHash, thumbnailHash []byte) {
	if h, ok := blobstore.HashFromBytes(profileHash); ok {
		if err := e.blobs.RemoveReference(ctx, h); err != nil {
			logger.WarnCtx(ctx, "neighborhood: failed to dereference profile image", "hash", h.String(), "error", err)
		}
	}
	if h, ok := blobstore.HashFromBytes(thumbnailHash); ok {
		if err := e.blobs.RemoveReference(ctx, h); err != nil {
			logger.WarnCtx(ctx, "neighborhood: failed to dereference thumbnail image", "hash", h.String(), "error", err)
		}
	}
}


// HandleStopNeighborhoodUpdates is invoked when a follower tells us it
// has removed us as its neighbor (its RemoveNeighbor has already run on
// its side): we drop our Follower row for it and every action still
// queued toward it (§4.F.4).
func (e *Engine) HandleStopNeighborhoodUpdates(ctx context.Context, sess *session.Session) ([]byte, error) {
	serverID := sess.IdentityID().String()
	if err := e.store.DeleteFollower(ctx, serverID); err != nil && err != store.ErrFollowerNotFound {
		return nil, protoerr.Internalf(err, "delete follower")
	}
	if err := e.store.DeleteActionsForServer(ctx, serverID); err != nil {
		return nil, protoerr.Internalf(err, "clear actions")
	}
	return nil, nil
}

// isReservedOrLocal reports whether addr (a bare IP, no port) is a
// loopback, unspecified, or link-local address, or does not parse as an
// IP at all; private and other reserved ranges are not rejected. It is used by
// default to stop a misconfigured or malicious peer from pointing
// initialization at localhost (spec.md §6).
func isReservedOrLocal(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return true
	}
	return ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}
