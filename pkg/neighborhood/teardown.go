package neighborhood

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/marmos91/profileserver/internal/logger"
	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/proto"
	"github.com/marmos91/profileserver/pkg/store"
)

// stopUpdatesData snapshots a removed Neighbor's dial address so the
// best-effort StopNeighborhoodUpdates notification can still find it
// after the Neighbor row itself is gone (§4.F.4).
type stopUpdatesData struct {
	IPAddress      string `json:"ip_address"`
	SrNeighborPort uint32 `json:"sr_neighbor_port"`
	PrimaryPort    uint32 `json:"primary_port"`
}

// runRemoveNeighbor cascade-deletes the Neighbor and every
// NeighborIdentity row it contributed, then enqueues a best-effort
// StopNeighborhoodUpdates notification carrying a snapshot of the dial
// address, since the Neighbor row won't exist by the time that action
// runs (§4.F.4).
func (e *Engine) runRemoveNeighbor(ctx context.Context, a identity.NeighborhoodAction) error {
	n, err := e.store.GetNeighbor(ctx, a.ServerID)
	if err != nil {
		if err == store.ErrNeighborNotFound {
			return nil
		}
		return fmt.Errorf("look up neighbor %s: %w", a.ServerID, err)
	}

	snapshot, _ := json.Marshal(stopUpdatesData{
		IPAddress:      n.IPAddress,
		SrNeighborPort: n.SrNeighborPort,
		PrimaryPort:    n.PrimaryPort,
	})

	if err := e.store.DeleteNeighborCascade(ctx, a.ServerID); err != nil && err != store.ErrNeighborNotFound {
		return fmt.Errorf("cascade-delete neighbor %s: %w", a.ServerID, err)
	}

	now := nowFunc()
	stopAction := &identity.NeighborhoodAction{
		ServerID:       a.ServerID,
		Type:           identity.ActionStopNeighborhoodUpdates,
		Timestamp:      now,
		AdditionalData: string(snapshot),
	}
	if err := e.store.EnqueueActions(ctx, stopAction); err != nil {
		return fmt.Errorf("enqueue stop-updates for %s: %w", a.ServerID, err)
	}
	e.Kick()
	return nil
}

// runStopNeighborhoodUpdates makes a single best-effort attempt to tell
// the former neighbor we've stopped following it. Per §4.F.4 the action
// completes regardless of outcome: there's no Neighbor row left to
// retry against, and the peer will notice the silence on its own via
// its follower-side reaping.
func (e *Engine) runStopNeighborhoodUpdates(ctx context.Context, a identity.NeighborhoodAction) error {
	var snap stopUpdatesData
	if a.AdditionalData != "" {
		_ = json.Unmarshal([]byte(a.AdditionalData), &snap)
	}
	if snap.IPAddress == "" {
		return nil
	}

	port := snap.SrNeighborPort
	if port == 0 {
		port = snap.PrimaryPort
	}
	if port == 0 {
		return nil
	}
	addr := net.JoinHostPort(snap.IPAddress, strconv.FormatUint(uint64(port), 10))

	timeout := e.cfg.PeerReadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// The Neighbor row is already gone by the time this best-effort
	// notification runs, so there's nothing left to verify the peer's
	// identity against; any error here is swallowed regardless.
	client, err := dialAndAuthenticate(ctx, addr, timeout, e.privateKey, e.publicKey, nil)
	if err != nil {
		logger.InfoCtx(ctx, "neighborhood: stop-updates notification failed, dropping anyway",
			"server_id", a.ServerID, "error", err)
		return nil
	}
	defer client.Close()

	body, err := (&proto.StopNeighborhoodUpdatesBody{}).Encode()
	if err != nil {
		return nil
	}
	if _, err := client.call(ctx, wire.ReqStopNeighborhoodUpdates, body, nil); err != nil {
		logger.InfoCtx(ctx, "neighborhood: stop-updates notification failed, dropping anyway",
			"server_id", a.ServerID, "error", err)
	}
	return nil
}
