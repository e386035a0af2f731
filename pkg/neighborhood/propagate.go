package neighborhood

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/blobstore"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/proto"
	"github.com/marmos91/profileserver/pkg/store"
)

// addProfileData is the AdditionalData payload an Add/Change/Remove
// action carries: the public key captured at enqueue time, used for the
// synthetic add-for-deleted-profile fallback when the HostedIdentity
// row is already gone by the time the action drains (§4.F.1).
type addProfileData struct {
	PublicKeyHex string `json:"public_key_hex"`
}

// EncodeAddProfileData is used by the handlers that enqueue
// Add/Change/Remove/RefreshNeighborStatus actions.
func EncodeAddProfileData(publicKey []byte) string {
	b, _ := json.Marshal(addProfileData{PublicKeyHex: hex.EncodeToString(publicKey)})
	return string(b)
}

// propagateProfileAction pushes one live profile mutation to the
// follower named by the action's ServerID (§4.F.1). A follower row that
// no longer exists means the action is stale (the follower diverged or
// was removed by something else); that's a no-op, not an error.
func (e *Engine) propagateProfileAction(ctx context.Context, a identity.NeighborhoodAction) error {
	follower, err := e.store.GetFollower(ctx, a.ServerID)
	if err != nil {
		if err == store.ErrFollowerNotFound {
			return nil
		}
		return fmt.Errorf("look up follower %s: %w", a.ServerID, err)
	}

	item, err := e.buildUpdateItem(ctx, a)
	if err != nil {
		return fmt.Errorf("build update item for %s: %w", a.ServerID, err)
	}
	if item == nil {
		return nil // nothing to propagate (e.g. refresh of an identity that no longer exists)
	}

	addr, err := e.resolveFollowerEndpoint(ctx, follower)
	if err != nil {
		return fmt.Errorf("resolve follower %s endpoint: %w", a.ServerID, err)
	}

	timeout := e.cfg.PeerReadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client, err := dialAndAuthenticate(ctx, addr, timeout, e.privateKey, e.publicKey, follower.PublicKey)
	if err != nil {
		if errors.Is(err, ErrPeerIdentityMismatch) {
			if delErr := e.store.DeleteFollower(ctx, a.ServerID); delErr != nil && delErr != store.ErrFollowerNotFound {
				return fmt.Errorf("delete follower %s after identity mismatch: %w", a.ServerID, delErr)
			}
			if delErr := e.store.DeleteActionsForServer(ctx, a.ServerID); delErr != nil {
				return fmt.Errorf("clear actions for %s after identity mismatch: %w", a.ServerID, delErr)
			}
			return nil
		}
		return fmt.Errorf("dial follower %s at %s: %w", a.ServerID, addr, err)
	}
	defer client.Close()

	body, err := (&proto.NeighborhoodSharedProfileUpdateBody{
		Items:          []proto.ProfileUpdateItem{*item},
		Initialization: false,
	}).Encode()
	if err != nil {
		return fmt.Errorf("encode shared-profile-update: %w", err)
	}

	resp, err := client.call(ctx, wire.ReqNeighborhoodSharedProfileUpdate, body, nil)
	if err != nil {
		return fmt.Errorf("send update to follower %s: %w", a.ServerID, err)
	}

	switch resp.Status {
	case wire.StatusOK:
		return nil
	case wire.StatusBadRole:
		// The cached sr_neighbor_port is stale; clear it so the next
		// attempt rediscovers via ListRoles.
		if updErr := e.store.UpdateFollower(ctx, a.ServerID, func(f *identity.Follower) error {
			f.SrNeighborPort = 0
			return nil
		}); updErr != nil {
			return fmt.Errorf("clear stale sr_neighbor_port for %s: %w", a.ServerID, updErr)
		}
		return fmt.Errorf("follower %s rejected our role, port cache cleared", a.ServerID)
	case wire.StatusNotFound, wire.StatusInvalidValue, wire.StatusRejected:
		// The follower has diverged beyond recovery: drop it and every
		// pending action targeting it.
		if delErr := e.store.DeleteFollower(ctx, a.ServerID); delErr != nil && delErr != store.ErrFollowerNotFound {
			return fmt.Errorf("delete diverged follower %s: %w", a.ServerID, delErr)
		}
		if delErr := e.store.DeleteActionsForServer(ctx, a.ServerID); delErr != nil {
			return fmt.Errorf("clear actions for diverged follower %s: %w", a.ServerID, delErr)
		}
		return nil
	default:
		return fmt.Errorf("follower %s returned status %v: %s", a.ServerID, resp.Status, resp.Message)
	}
}

// buildUpdateItem translates one NeighborhoodAction into the wire item
// to send. A nil item with a nil error means the action is a no-op
// (e.g. RefreshNeighborStatus against an identity that no longer
// exists — nothing to refresh).
func (e *Engine) buildUpdateItem(ctx context.Context, a identity.NeighborhoodAction) (*proto.ProfileUpdateItem, error) {
	if a.Type == identity.ActionRemoveProfile {
		if a.TargetIdentityID == nil {
			return nil, fmt.Errorf("remove-profile action missing target identity")
		}
		return &proto.ProfileUpdateItem{Op: proto.ProfileUpdateRemove, IdentityID: a.TargetIdentityID.Bytes()}, nil
	}

	if a.TargetIdentityID == nil {
		return nil, fmt.Errorf("%v action missing target identity", a.Type)
	}
	hosted, err := e.store.GetHostedIdentity(ctx, *a.TargetIdentityID)
	if err != nil {
		if err != store.ErrHostedIdentityNotFound {
			return nil, err
		}
		// Synthetic add-for-deleted-profile hack (§4.F.1): the identity
		// was deleted before this follower saw it at all. We still need
		// to give the follower a row it can remove cleanly once the
		// matching RemoveProfile action reaches it, so we synthesize a
		// minimal Add carrying only the identity's captured public key
		// and an internal-invalid type marker.
		if a.Type != identity.ActionAddProfile || a.AdditionalData == "" {
			return nil, nil
		}
		var extra addProfileData
		if jsonErr := json.Unmarshal([]byte(a.AdditionalData), &extra); jsonErr != nil || extra.PublicKeyHex == "" {
			return nil, nil
		}
		pub, hexErr := hex.DecodeString(extra.PublicKeyHex)
		if hexErr != nil {
			return nil, nil
		}
		return &proto.ProfileUpdateItem{
			Op:         proto.ProfileUpdateAdd,
			IdentityID: a.TargetIdentityID.Bytes(),
			Info: &proto.ProfileInformationBody{
				IdentityID: a.TargetIdentityID.Bytes(),
				PublicKey:  pub,
				Type:       "internal-invalid",
			},
		}, nil
	}
	if !hosted.Initialized {
		return nil, nil
	}

	op := proto.ProfileUpdateAdd
	if a.Type == identity.ActionChangeProfile || a.Type == identity.ActionRefreshNeighborStatus {
		op = proto.ProfileUpdateChange
	}

	info := &proto.ProfileInformationBody{
		IdentityID:         hosted.ID.Bytes(),
		PublicKey:          hosted.PublicKey,
		Version:            hosted.Version(),
		Name:               hosted.Name,
		Type:               hosted.Type,
		LatFixed:           hosted.LatFixed,
		LongFixed:          hosted.LongFixed,
		ExtraData:          hosted.ExtraData,
		ProfileImageHash:   hosted.ProfileImageHash,
		ThumbnailImageHash: hosted.ThumbnailImageHash,
	}
	item := &proto.ProfileUpdateItem{Op: op, IdentityID: hosted.ID.Bytes(), Info: info}

	if op == proto.ProfileUpdateAdd {
		if h, ok := blobstore.HashFromBytes(hosted.ProfileImageHash); ok {
			if data, readErr := e.blobs.Read(ctx, h); readErr == nil {
				item.ProfileImageData = data
			}
		}
		if h, ok := blobstore.HashFromBytes(hosted.ThumbnailImageHash); ok {
			if data, readErr := e.blobs.Read(ctx, h); readErr == nil {
				item.ThumbnailData = data
			}
		}
	}
	return item, nil
}

// resolveFollowerEndpoint returns the follower's sr_neighbor dial
// address, discovering and caching the port via ListRoles on its
// primary port the first time (§4.F.1: followers aren't required to
// advertise sr_neighbor_port up front).
func (e *Engine) resolveFollowerEndpoint(ctx context.Context, f *identity.Follower) (string, error) {
	if f.SrNeighborPort != 0 {
		return net.JoinHostPort(f.IPAddress, strconv.FormatUint(uint64(f.SrNeighborPort), 10)), nil
	}

	primaryAddr := net.JoinHostPort(f.IPAddress, strconv.FormatUint(uint64(f.PrimaryPort), 10))
	client, err := dialPeer(ctx, primaryAddr)
	if err != nil {
		return "", fmt.Errorf("dial primary port: %w", err)
	}
	defer client.Close()

	resp, err := client.call(ctx, wire.ReqListRoles, nil, nil)
	if err != nil {
		return "", fmt.Errorf("list-roles: %w", err)
	}
	if resp.Status != wire.StatusOK {
		return "", fmt.Errorf("list-roles rejected: %s", resp.Message)
	}
	roles, err := proto.DecodeListRolesBody(resp.Body)
	if err != nil {
		return "", fmt.Errorf("decode list-roles response: %w", err)
	}

	var port uint32
	for _, r := range roles.Roles {
		if r.Role == "sr_neighbor" {
			port = r.Port
			break
		}
	}
	if port == 0 {
		return "", fmt.Errorf("follower does not advertise a sr_neighbor role")
	}

	if err := e.store.UpdateFollower(ctx, f.ServerID, func(row *identity.Follower) error {
		row.SrNeighborPort = port
		return nil
	}); err != nil {
		return "", fmt.Errorf("cache discovered sr_neighbor_port: %w", err)
	}

	return net.JoinHostPort(f.IPAddress, strconv.FormatUint(uint64(port), 10)), nil
}
