package neighborhood

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/marmos91/profileserver/internal/logger"
	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/blobstore"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/proto"
	"github.com/marmos91/profileserver/pkg/store"
)

// addNeighborData is the AdditionalData payload an AddNeighbor action
// carries: the dial target and the neighbor's expected public key,
// captured at enqueue time since no Neighbor row exists yet to read
// them back from.
type addNeighborData struct {
	IPAddress    string `json:"ip_address"`
	PrimaryPort  uint32 `json:"primary_port"`
	PublicKeyHex string `json:"public_key_hex"`
}

// EncodeAddNeighborData is used by callers (the identity/neighbor CLI
// handler) enqueuing an AddNeighbor action.
func EncodeAddNeighborData(ipAddress string, primaryPort uint32, publicKey ed25519.PublicKey) string {
	b, _ := json.Marshal(addNeighborData{
		IPAddress:    ipAddress,
		PrimaryPort:  primaryPort,
		PublicKeyHex: hex.EncodeToString(publicKey),
	})
	return string(b)
}

// runInitializationAsNeighbor drives the initiating side of the
// initialization handshake (spec.md §4.F.2): we announce ourselves to
// the peer we want to mirror, then the peer drives the rest of the
// conversation, streaming its hosted profiles to us in batches. We
// stage them in memory and only commit to the NeighborIdentity store
// once the peer sends FinishNeighborhoodInitialization.
func (e *Engine) runInitializationAsNeighbor(ctx context.Context, a identity.NeighborhoodAction) error {
	var dial addNeighborData
	if a.AdditionalData != "" {
		if err := json.Unmarshal([]byte(a.AdditionalData), &dial); err != nil {
			return fmt.Errorf("decode add-neighbor additional data: %w", err)
		}
	}
	existing, existingErr := e.store.GetNeighbor(ctx, a.ServerID)
	if dial.IPAddress == "" || dial.PrimaryPort == 0 {
		if existingErr == nil {
			dial.IPAddress, dial.PrimaryPort = existing.IPAddress, existing.PrimaryPort
		} else {
			return fmt.Errorf("add-neighbor %s: no dial target recorded", a.ServerID)
		}
	}
	var expectedPublicKey ed25519.PublicKey
	if dial.PublicKeyHex != "" {
		key, hexErr := hex.DecodeString(dial.PublicKeyHex)
		if hexErr != nil {
			return fmt.Errorf("add-neighbor %s: malformed public key: %w", a.ServerID, hexErr)
		}
		expectedPublicKey = key
	} else if existingErr == nil && len(existing.PublicKey) > 0 {
		expectedPublicKey = existing.PublicKey
	}

	deadline := e.initializationDeadline(a)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	addr := net.JoinHostPort(dial.IPAddress, strconv.FormatUint(uint64(dial.PrimaryPort), 10))
	timeout := e.cfg.PeerReadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client, err := dialAndAuthenticate(ctx, addr, timeout, e.privateKey, e.publicKey, expectedPublicKey)
	if err != nil {
		if errors.Is(err, ErrPeerIdentityMismatch) {
			e.abortMismatchedNeighbor(ctx, a.ServerID)
			return fmt.Errorf("neighbor %s failed identity verification: %w", a.ServerID, err)
		}
		return fmt.Errorf("dial neighbor %s: %w", a.ServerID, err)
	}
	defer client.Close()

	startBody, err := (&proto.StartNeighborhoodInitializationBody{
		ServerID:       e.serverID,
		IPAddress:      e.advertiseIP,
		PrimaryPort:    e.primaryPort,
		SrNeighborPort: e.srNeighborPort,
	}).Encode()
	if err != nil {
		return fmt.Errorf("encode start-initialization body: %w", err)
	}
	resp, err := client.call(ctx, wire.ReqStartNeighborhoodInitialization, startBody, nil)
	if err != nil {
		return fmt.Errorf("send start-initialization: %w", err)
	}
	if resp.Status != wire.StatusOK {
		return fmt.Errorf("neighbor %s rejected initialization: %s", a.ServerID, resp.Message)
	}

	staged := newStagedInitialization()
	e.initMu.Lock()
	e.initStage[a.ServerID] = staged
	e.initMu.Unlock()
	defer func() {
		e.initMu.Lock()
		delete(e.initStage, a.ServerID)
		e.initMu.Unlock()
	}()

	for {
		req, err := client.readRequest(ctx)
		if err != nil {
			e.rollbackStaged(ctx, staged)
			return fmt.Errorf("await neighbor %s stream: %w", a.ServerID, err)
		}

		switch req.Type {
		case wire.ReqNeighborhoodSharedProfileUpdate:
			body, err := proto.DecodeNeighborhoodSharedProfileUpdateBody(req.Body)
			if err != nil {
				_ = client.respond(ctx, req.ID, req.Type, wire.StatusProtocolViolation, nil)
				e.rollbackStaged(ctx, staged)
				return fmt.Errorf("decode shared-profile-update from %s: %w", a.ServerID, err)
			}
			if err := e.stageUpdateItems(ctx, staged, body.Items); err != nil {
				_ = client.respond(ctx, req.ID, req.Type, wire.StatusInternal, nil)
				e.rollbackStaged(ctx, staged)
				return fmt.Errorf("stage items from %s: %w", a.ServerID, err)
			}
			if err := client.respond(ctx, req.ID, req.Type, wire.StatusOK, nil); err != nil {
				e.rollbackStaged(ctx, staged)
				return fmt.Errorf("ack shared-profile-update to %s: %w", a.ServerID, err)
			}

		case wire.ReqFinishNeighborhoodInitialization:
			if err := e.commitStaged(ctx, a.ServerID, dial.IPAddress, dial.PrimaryPort, expectedPublicKey, staged); err != nil {
				_ = client.respond(ctx, req.ID, req.Type, wire.StatusInternal, nil)
				e.rollbackStaged(ctx, staged)
				return fmt.Errorf("commit staged neighbor %s: %w", a.ServerID, err)
			}
			if err := client.respond(ctx, req.ID, req.Type, wire.StatusOK, nil); err != nil {
				logger.WarnCtx(ctx, "neighborhood: failed to ack finish, relationship already committed",
					"server_id", a.ServerID, "error", err)
			}
			logger.InfoCtx(ctx, "neighborhood: initialized as neighbor", "server_id", a.ServerID, "profiles", len(staged.items))
			return nil

		default:
			_ = client.respond(ctx, req.ID, req.Type, wire.StatusProtocolViolation, nil)
			e.rollbackStaged(ctx, staged)
			return fmt.Errorf("neighbor %s sent unexpected request %v during initialization", a.ServerID, req.Type)
		}
	}
}

// stageUpdateItems writes any new image bytes to the blob store (by
// hash, idempotent) and stages Add items in memory. Only Add items are
// expected during initialization; anything else is a protocol error.
func (e *Engine) stageUpdateItems(ctx context.Context, staged *stagedInitialization, items []proto.ProfileUpdateItem) error {
	for _, item := range items {
		if item.Op != proto.ProfileUpdateAdd || item.Info == nil {
			return fmt.Errorf("unexpected op %v during initialization staging", item.Op)
		}
		id, ok := identity.IDFromBytes(item.IdentityID)
		if !ok {
			return fmt.Errorf("invalid identity id in staged item")
		}
		if err := e.stageBlob(ctx, staged, item.Info.ProfileImageHash, item.ProfileImageData); err != nil {
			return err
		}
		if err := e.stageBlob(ctx, staged, item.Info.ThumbnailImageHash, item.ThumbnailData); err != nil {
			return err
		}
		staged.items[id] = item.Info
	}
	return nil
}

func (e *Engine) stageBlob(ctx context.Context, staged *stagedInitialization, hash, data []byte) error {
	if len(hash) == 0 || len(data) == 0 {
		return nil
	}
	h, ok := blobstore.HashFromBytes(hash)
	if !ok {
		return fmt.Errorf("malformed blob hash")
	}
	saved, err := e.blobs.Save(ctx, data)
	if err != nil {
		return fmt.Errorf("save staged blob: %w", err)
	}
	staged.writtenHashes[h.String()] = saved[:]
	return nil
}

// commitStaged atomically inserts every staged NeighborIdentity row and
// creates (or refreshes) the owning Neighbor row, under the
// NeighborIdentity+Neighbor locks (§4.F.2: "commits the whole set to the
// NeighborIdentity store at Finish").
func (e *Engine) commitStaged(ctx context.Context, serverID, ipAddress string, primaryPort uint32, publicKey ed25519.PublicKey, staged *stagedInitialization) error {
	now := nowFunc()
	err := e.store.ApplyNeighborIdentityBatch(ctx, serverID, func(tx *gorm.DB) error {
		for id, info := range staged.items {
			row := &identity.NeighborIdentity{
				IdentityID:         id,
				HostingServerID:    serverID,
				PublicKey:          info.PublicKey,
				VersionMajor:       info.Version.Major,
				VersionMinor:       info.Version.Minor,
				VersionPatch:       info.Version.Patch,
				Name:               info.Name,
				Type:               info.Type,
				LatFixed:           info.LatFixed,
				LongFixed:          info.LongFixed,
				ExtraData:          info.ExtraData,
				ProfileImageHash:   info.ProfileImageHash,
				ThumbnailImageHash: info.ThumbnailImageHash,
			}
			if err := store.InsertNeighborIdentityTx(tx, row); err != nil {
				return err
			}
		}

		var n identity.Neighbor
		err := tx.First(&n, "server_id = ?", serverID).Error
		switch {
		case err == nil:
			n.IPAddress, n.PrimaryPort = ipAddress, primaryPort
			if len(publicKey) > 0 {
				n.PublicKey = publicKey
			}
			n.LastRefreshTime = now
			n.Initialized = true
			n.SharedProfilesCount = int64(len(staged.items))
			return tx.Save(&n).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			n = identity.Neighbor{
				ServerID:            serverID,
				IPAddress:           ipAddress,
				PrimaryPort:         primaryPort,
				PublicKey:           publicKey,
				LastRefreshTime:     now,
				Initialized:         true,
				SharedProfilesCount: int64(len(staged.items)),
			}
			return tx.Create(&n).Error
		default:
			return err
		}
	})
	if err != nil {
		return err
	}
	e.Kick()
	return nil
}

// rollbackStaged dereferences every blob written speculatively while
// staging, undoing the refcount bump from stageBlob (§4.F.2: "on
// rollback, every newly written image hash is dereferenced").
func (e *Engine) rollbackStaged(ctx context.Context, staged *stagedInitialization) {
	for hex, raw := range staged.writtenHashes {
		h, ok := blobstore.HashFromBytes(raw)
		if !ok {
			continue
		}
		if err := e.blobs.RemoveReference(ctx, h); err != nil {
			logger.WarnCtx(ctx, "neighborhood: failed to roll back staged blob", "hash", hex, "error", err)
		}
	}
}

// abortMismatchedNeighbor tears down a Neighbor relationship whose dialed
// peer failed to prove the public key we expected of it (§4.F.1's
// mismatch handling, applied symmetrically to the initiating side):
// anything answering at the advertised address from here on is treated
// as untrusted, so any partial Neighbor row and every action still
// queued toward it are dropped.
func (e *Engine) abortMismatchedNeighbor(ctx context.Context, serverID string) {
	if err := e.store.DeleteNeighborCascade(ctx, serverID); err != nil && err != store.ErrNeighborNotFound {
		logger.WarnCtx(ctx, "neighborhood: failed to delete neighbor after identity mismatch",
			"server_id", serverID, "error", err)
	}
	if err := e.store.DeleteActionsForServer(ctx, serverID); err != nil {
		logger.WarnCtx(ctx, "neighborhood: failed to clear actions after identity mismatch",
			"server_id", serverID, "error", err)
	}
}

// initializationDeadline bounds how long the handshake may run: the
// action's lease minus a safety margin, so the worker yields well
// before the lease expires and a second worker could double-run it
// (spec.md §4.F.2).
func (e *Engine) initializationDeadline(a identity.NeighborhoodAction) time.Time {
	margin := e.cfg.InitializationSafetyMargin
	if margin <= 0 {
		margin = 90 * time.Second
	}
	if a.ExecuteAfter != nil {
		return a.ExecuteAfter.Add(-margin)
	}
	return nowFunc().Add(20*time.Minute - margin)
}
