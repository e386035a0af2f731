package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"time"

	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/blobstore"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/proto"
	"github.com/marmos91/profileserver/pkg/protoerr"
	"github.com/marmos91/profileserver/pkg/session"
	"github.com/marmos91/profileserver/pkg/store"
)

// verifyMutationSignature checks req.Signature over body against the
// session's own declared key, the gate every mutating ClCustomer request
// in this file applies before touching storage (spec.md §4.B/§4.C).
func verifyMutationSignature(sess *session.Session, body wire.SignableBody, sig []byte) error {
	if err := wire.VerifySignedBody(sess.ClientPublicKey(), body, sig); err != nil {
		return protoerr.New(protoerr.InvalidSignature, "request signature verification failed")
	}
	return nil
}

// handleGetProfileInformation serves a profile either from this server's
// own hosted identities or, for identities mirrored from a neighbor,
// from the NeighborIdentity mirror (spec.md §4.B).
func handleGetProfileInformation(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodeGetProfileInformationBody(req.Body)
	if err != nil {
		return nil, wrapProtoViolation("decode get-profile-information body", err)
	}
	id, ok := identity.IDFromBytes(body.IdentityID)
	if !ok {
		return nil, protoerr.InvalidValuef("identity_id", "must be 32 bytes")
	}

	if h, err := d.Store.GetHostedIdentity(ctx, id); err == nil {
		return encodeProfileInformation(hostedToProfileInformation(h))
	} else if err != store.ErrHostedIdentityNotFound {
		return nil, protoerr.Wrap(protoerr.Internal, "look up hosted identity", err)
	}

	n, err := d.Store.GetAnyNeighborIdentity(ctx, id)
	if err != nil {
		if err == store.ErrNeighborIdentityNotFound {
			return nil, protoerr.New(protoerr.NotFound, "unknown identity")
		}
		return nil, protoerr.Wrap(protoerr.Internal, "look up neighbor identity", err)
	}
	return encodeProfileInformation(neighborToProfileInformation(n))
}

func hostedToProfileInformation(h *identity.HostedIdentity) *proto.ProfileInformationBody {
	hostingServerID := ""
	if h.HostingServerID != nil {
		hostingServerID = *h.HostingServerID
	}
	return &proto.ProfileInformationBody{
		IdentityID:         h.ID.Bytes(),
		PublicKey:          h.PublicKey,
		Version:            wire.SemVer{Major: h.VersionMajor, Minor: h.VersionMinor, Patch: h.VersionPatch},
		Name:               h.Name,
		Type:               h.Type,
		LatFixed:           h.LatFixed,
		LongFixed:          h.LongFixed,
		ExtraData:          h.ExtraData,
		ProfileImageHash:   h.ProfileImageHash,
		ThumbnailImageHash: h.ThumbnailImageHash,
		HostingServerID:    hostingServerID,
	}
}

func neighborToProfileInformation(n *identity.NeighborIdentity) *proto.ProfileInformationBody {
	return &proto.ProfileInformationBody{
		IdentityID:         n.IdentityID.Bytes(),
		PublicKey:          n.PublicKey,
		Version:            wire.SemVer{Major: n.VersionMajor, Minor: n.VersionMinor, Patch: n.VersionPatch},
		Name:               n.Name,
		Type:               n.Type,
		LatFixed:           n.LatFixed,
		LongFixed:          n.LongFixed,
		ExtraData:          n.ExtraData,
		ProfileImageHash:   n.ProfileImageHash,
		ThumbnailImageHash: n.ThumbnailImageHash,
		HostingServerID:    n.HostingServerID,
	}
}

func encodeProfileInformation(info *proto.ProfileInformationBody) ([]byte, error) {
	var buf bytes.Buffer
	if err := info.Encode(&buf); err != nil {
		return nil, protoerr.Wrap(protoerr.Internal, "encode profile information", err)
	}
	return buf.Bytes(), nil
}

// handleUpdateProfile applies the subset of fields flagged "set" to the
// caller's own HostedIdentity, dereferencing any replaced blob and
// adopting the new one, then fans the mutation out to every follower
// (spec.md §4.B, §4.F.1).
func handleUpdateProfile(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodeUpdateProfileBody(req.Body)
	if err != nil {
		return nil, wrapProtoViolation("decode update-profile body", err)
	}
	if err := verifyMutationSignature(sess, body, req.Signature); err != nil {
		return nil, err
	}

	id := sess.IdentityID()
	var wasInitialized bool
	var publicKey []byte

	err = d.Store.UpdateHostedIdentity(ctx, id, func(h *identity.HostedIdentity) error {
		wasInitialized = h.Initialized
		publicKey = h.PublicKey

		if body.SetVersion {
			h.VersionMajor, h.VersionMinor, h.VersionPatch = body.Version.Major, body.Version.Minor, body.Version.Patch
		}
		if body.SetName {
			h.Name = body.Name
		}
		if body.SetLocation {
			h.LatFixed, h.LongFixed = body.LatFixed, body.LongFixed
		}
		if body.SetExtraData {
			h.ExtraData = body.ExtraData
		}
		if body.SetProfileImage {
			hash, err := swapBlob(ctx, d.Blobs, h.ProfileImageHash, body.ProfileImage)
			if err != nil {
				return err
			}
			h.ProfileImageHash = hash
		}
		if body.SetThumbnail {
			hash, err := swapBlob(ctx, d.Blobs, h.ThumbnailImageHash, body.Thumbnail)
			if err != nil {
				return err
			}
			h.ThumbnailImageHash = hash
		}
		h.Initialized = true
		return nil
	})
	if err != nil {
		if err == store.ErrHostedIdentityNotFound {
			return nil, protoerr.New(protoerr.NotFound, "no hosted identity for this session")
		}
		return nil, protoerr.Wrap(protoerr.Internal, "update hosted identity", err)
	}

	actionType := identity.ActionChangeProfile
	if !wasInitialized {
		actionType = identity.ActionAddProfile
	}
	if err := enqueueProfileActionForFollowers(ctx, d, actionType, id, publicKey); err != nil {
		return nil, protoerr.Wrap(protoerr.Internal, "enqueue follower fan-out", err)
	}
	return nil, nil
}

// swapBlob saves newData under its content hash and only then
// dereferences oldHash, so the old blob is released after the new hash
// is durably referenced.
func swapBlob(ctx context.Context, blobs *blobstore.Store, oldHash, newData []byte) ([]byte, error) {
	hash, err := blobs.Save(ctx, newData)
	if err != nil {
		return nil, err
	}
	if len(oldHash) == 32 && !bytes.Equal(oldHash, hash[:]) {
		if old, ok := blobstore.HashFromBytes(oldHash); ok {
			_ = blobs.RemoveReference(ctx, old)
		}
	}
	return hash[:], nil
}

// cancellationGracePeriod is how long a cancelled HostedIdentity's
// redirect pointer (if any) stays resolvable before an external cron
// deletes the row, per spec.md §3's lifecycle note.
const cancellationGracePeriod = 30 * 24 * time.Hour

// handleCancelHostingAgreement marks the caller's HostedIdentity
// cancelled, optionally recording a redirect server for the grace
// period, and fans the removal out to every follower (spec.md §4.B, §3:
// HostedIdentity lifecycle).
func handleCancelHostingAgreement(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodeCancelHostingAgreementBody(req.Body)
	if err != nil {
		return nil, wrapProtoViolation("decode cancel-hosting-agreement body", err)
	}
	if err := verifyMutationSignature(sess, body, req.Signature); err != nil {
		return nil, err
	}

	id := sess.IdentityID()
	var publicKey []byte
	err = d.Store.UpdateHostedIdentity(ctx, id, func(h *identity.HostedIdentity) error {
		publicKey = h.PublicKey
		h.Cancelled = true
		expiration := time.Now().Add(cancellationGracePeriod)
		h.ExpirationDate = &expiration
		if body.SetRedirect {
			serverID := body.RedirectServerID
			h.HostingServerID = &serverID
		}
		return nil
	})
	if err != nil {
		if err == store.ErrHostedIdentityNotFound {
			return nil, protoerr.New(protoerr.NotFound, "no hosted identity for this session")
		}
		return nil, protoerr.Wrap(protoerr.Internal, "cancel hosted identity", err)
	}

	if err := enqueueProfileActionForFollowers(ctx, d, identity.ActionRemoveProfile, id, publicKey); err != nil {
		return nil, protoerr.Wrap(protoerr.Internal, "enqueue follower fan-out", err)
	}
	return nil, nil
}

// handleAppSvcAdd registers an application-service name the caller's
// session may be called on (spec.md §4.B, §4.D).
func handleAppSvcAdd(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodeAppSvcAddBody(req.Body)
	if err != nil {
		return nil, wrapProtoViolation("decode app-svc-add body", err)
	}
	if err := verifyMutationSignature(sess, body, req.Signature); err != nil {
		return nil, err
	}
	sess.AddAppService(body.ServiceName)
	return nil, nil
}

// handleAppSvcRemove unregisters an application-service name (spec.md
// §4.B, §4.D).
func handleAppSvcRemove(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodeAppSvcRemoveBody(req.Body)
	if err != nil {
		return nil, wrapProtoViolation("decode app-svc-remove body", err)
	}
	if err := verifyMutationSignature(sess, body, req.Signature); err != nil {
		return nil, err
	}
	sess.RemoveAppService(body.ServiceName)
	return nil, nil
}

// handleAddRelatedIdentity validates a fully-signed relationship card
// against its own embedded keys (not the session's) and persists it
// under the caller's identity quota (spec.md §3: RelatedIdentity
// invariants; calls.go's AddRelatedIdentityBody doc comment).
func handleAddRelatedIdentity(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodeAddRelatedIdentityBody(req.Body)
	if err != nil {
		return nil, wrapProtoViolation("decode add-related-identity body", err)
	}
	card := body.Card

	if card.ValidFromUnix > card.ValidToUnix {
		return nil, protoerr.New(protoerr.InvalidValue, "valid_from must not be after valid_to")
	}
	if len(card.IssuerPublicKey) != ed25519.PublicKeySize || len(card.RecipientPublicKey) != ed25519.PublicKeySize {
		return nil, protoerr.New(protoerr.InvalidValue, "issuer/recipient public keys must be ed25519 keys")
	}

	canonical := identity.CardBytesForID(card.ApplicationID, card.IssuerPublicKey, card.RecipientPublicKey,
		card.Type, card.ValidFromUnix, card.ValidToUnix)
	cardID := identity.DeriveCardID(canonical)
	if !bytes.Equal(cardID, card.CardID) {
		return nil, protoerr.New(protoerr.InvalidValue, "card id does not match its canonical bytes")
	}
	if !ed25519.Verify(ed25519.PublicKey(card.IssuerPublicKey), cardID, card.IssuerSignature) {
		return nil, protoerr.New(protoerr.InvalidSignature, "issuer signature verification failed")
	}
	appBytes := identity.CardApplicationBytes(cardID, card.ApplicationID)
	if !ed25519.Verify(ed25519.PublicKey(card.RecipientPublicKey), appBytes, card.RecipientSignature) {
		return nil, protoerr.New(protoerr.InvalidSignature, "recipient signature verification failed")
	}

	id := sess.IdentityID()
	count, err := d.Store.CountRelatedIdentities(ctx, id)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Internal, "count related identities", err)
	}
	if int(count) >= d.Config.Identity.MaxIdentityRelations {
		return nil, protoerr.New(protoerr.QuotaExceeded, "identity relationship quota reached")
	}

	row := &identity.RelatedIdentity{
		CardID:             cardID,
		ApplicationID:      card.ApplicationID,
		IssuerPublicKey:    card.IssuerPublicKey,
		RecipientPublicKey: card.RecipientPublicKey,
		IssuerSignature:    card.IssuerSignature,
		RecipientSignature: card.RecipientSignature,
		Type:               card.Type,
		ValidFrom:          time.Unix(card.ValidFromUnix, 0).UTC(),
		ValidTo:            time.Unix(card.ValidToUnix, 0).UTC(),
		HostedIdentityID:   id,
	}
	if err := d.Store.InsertRelatedIdentity(ctx, row); err != nil {
		return nil, protoerr.Wrap(protoerr.Internal, "insert related identity", err)
	}
	return nil, nil
}

// handleRemoveRelatedIdentity deletes a card by its unguessable 32-byte
// id; possession of the id is treated as authorization, matching the
// card's role as a bearer credential (spec.md §3).
func handleRemoveRelatedIdentity(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodeRemoveRelatedIdentityBody(req.Body)
	if err != nil {
		return nil, wrapProtoViolation("decode remove-related-identity body", err)
	}
	if err := verifyMutationSignature(sess, body, req.Signature); err != nil {
		return nil, err
	}
	if err := d.Store.DeleteRelatedIdentity(ctx, body.CardID); err != nil {
		if err == store.ErrRelatedIdentityNotFound {
			return nil, protoerr.New(protoerr.NotFound, "no related identity with this card id")
		}
		return nil, protoerr.Wrap(protoerr.Internal, "delete related identity", err)
	}
	return nil, nil
}

// handleGetIdentityRelationships lists every relationship card attesting
// a claim about the requested identity (spec.md §4.B).
func handleGetIdentityRelationships(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodeGetIdentityRelationshipsBody(req.Body)
	if err != nil {
		return nil, wrapProtoViolation("decode get-identity-relationships body", err)
	}
	id, ok := identity.IDFromBytes(body.IdentityID)
	if !ok {
		return nil, protoerr.InvalidValuef("identity_id", "must be 32 bytes")
	}

	rows, err := d.Store.ListRelatedIdentities(ctx, id)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Internal, "list related identities", err)
	}

	resp := &proto.GetIdentityRelationshipsResponseBody{Cards: make([]proto.RelatedIdentityCardBody, 0, len(rows))}
	for _, r := range rows {
		resp.Cards = append(resp.Cards, proto.RelatedIdentityCardBody{
			CardID:             r.CardID,
			ApplicationID:      r.ApplicationID,
			IssuerPublicKey:    r.IssuerPublicKey,
			RecipientPublicKey: r.RecipientPublicKey,
			IssuerSignature:    r.IssuerSignature,
			RecipientSignature: r.RecipientSignature,
			Type:               r.Type,
			ValidFromUnix:      r.ValidFrom.Unix(),
			ValidToUnix:        r.ValidTo.Unix(),
		})
	}
	return resp.Encode()
}

// handleCanStoreData is a pre-flight check gating whether the caller's
// identity may publish to the external CAN/IPFS collaborator: the only
// gate this server gives is that the hosting agreement is still active
// (spec.md §1, §9 open question: no numeric per-identity byte quota is
// tracked here).
func handleCanStoreData(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	if _, err := proto.DecodeCanStoreDataBody(req.Body); err != nil {
		return nil, wrapProtoViolation("decode can-store-data body", err)
	}
	h, err := d.Store.GetHostedIdentity(ctx, sess.IdentityID())
	if err != nil {
		if err == store.ErrHostedIdentityNotFound {
			return nil, protoerr.New(protoerr.NotFound, "no hosted identity for this session")
		}
		return nil, protoerr.Wrap(protoerr.Internal, "look up hosted identity", err)
	}
	return (&proto.CanStoreDataResponseBody{Allowed: !h.Cancelled}).Encode()
}

// handleCanPublishIpns is a pre-flight check for publishing an IPNS
// record. Per spec.md §9's open question, this specification does not
// check the record's validity window against the hosting-plan
// expiration, so it always allows.
func handleCanPublishIpns(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	if _, err := proto.DecodeCanPublishIpnsBody(req.Body); err != nil {
		return nil, wrapProtoViolation("decode can-publish-ipns body", err)
	}
	return (&proto.CanPublishIpnsResponseBody{Allowed: true}).Encode()
}

// handleProfileStats reports coarse population counters for this server
// (spec.md §4.B).
func handleProfileStats(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	if _, err := proto.DecodeProfileStatsBody(req.Body); err != nil {
		return nil, wrapProtoViolation("decode profile-stats body", err)
	}

	hostedCount, err := d.Store.CountActiveHostedIdentities(ctx)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Internal, "count hosted identities", err)
	}
	neighborIdentityCount, err := d.Store.CountNeighborIdentities(ctx)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Internal, "count neighbor identities", err)
	}
	neighborCount, err := d.Store.CountNeighbors(ctx)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Internal, "count neighbors", err)
	}
	followerCount, err := d.Store.CountFollowers(ctx)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Internal, "count followers", err)
	}

	return (&proto.ProfileStatsResponseBody{
		HostedIdentityCount:   uint32(hostedCount),
		NeighborIdentityCount: uint32(neighborIdentityCount),
		NeighborCount:         uint32(neighborCount),
		FollowerCount:         uint32(followerCount),
	}).Encode()
}
