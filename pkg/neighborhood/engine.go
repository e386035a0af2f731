// Package neighborhood implements the replication engine that mirrors
// hosted identity profiles between peer servers: a bounded-concurrency
// action queue drains local mutations out to followers, an
// initialization handshake bootstraps a fresh follower or neighbor
// relationship, and live NeighborhoodSharedProfileUpdate batches keep
// both sides converged afterward.
package neighborhood

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/profileserver/internal/logger"
	"github.com/marmos91/profileserver/internal/telemetry"
	"github.com/marmos91/profileserver/pkg/blobstore"
	"github.com/marmos91/profileserver/pkg/config"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/metrics"
	"github.com/marmos91/profileserver/pkg/store"
)

// Engine owns the action-queue scheduling loop and the bounded worker
// pool that drains it, per spec.md §4.F and §5.
type Engine struct {
	store   *store.Store
	blobs   *blobstore.Store
	cfg     config.NeighborhoodConfig
	metrics *metrics.Metrics

	serverID    string
	advertiseIP string
	privateKey  ed25519.PrivateKey
	publicKey   ed25519.PublicKey

	primaryPort    uint32
	srNeighborPort uint32

	testMode bool // skips the reserved/local address check on inbound StartNeighborhoodInitialization

	sem chan struct{} // bounds concurrent workers, independent of per-target locks

	kick chan struct{} // signaled by handlers to trigger an immediate scan

	initMu    sync.Mutex
	initStage map[string]*stagedInitialization // keyed by neighbor server id, §4.F.2

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds an Engine. primaryPort/srNeighborPort are this server's own
// listening ports, advertised in outbound StartNeighborhoodInitialization
// requests.
func New(
	s *store.Store,
	blobs *blobstore.Store,
	cfg config.NeighborhoodConfig,
	serverID, advertiseIP string,
	priv ed25519.PrivateKey,
	pub ed25519.PublicKey,
	primaryPort, srNeighborPort uint32,
	testMode bool,
	m *metrics.Metrics,
) *Engine {
	workers := cfg.MaxConcurrentWorkers
	if workers <= 0 {
		workers = 5
	}
	return &Engine{
		store:          s,
		blobs:          blobs,
		cfg:            cfg,
		metrics:        m,
		serverID:       serverID,
		advertiseIP:    advertiseIP,
		privateKey:     priv,
		publicKey:      pub,
		primaryPort:    primaryPort,
		srNeighborPort: srNeighborPort,
		testMode:       testMode,
		sem:            make(chan struct{}, workers),
		kick:           make(chan struct{}, 1),
		initStage:      make(map[string]*stagedInitialization),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Kick requests an out-of-band scan, used by handlers that just
// enqueued an action and don't want to wait for the next tick.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run drives the scheduling loop until ctx is canceled or Stop is
// called, then drains in-flight workers before returning (spec.md §5:
// "workers drain in ≤65 s").
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)

	interval := e.cfg.ScanInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-e.stop:
			wg.Wait()
			return
		case <-ticker.C:
			e.scanOnce(ctx, &wg)
		case <-e.kick:
			e.scanOnce(ctx, &wg)
		}
	}
}

// Stop signals Run to drain and return; it does not block.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Wait blocks until Run has returned.
func (e *Engine) Wait() { <-e.done }

// scanOnce claims as many runnable actions as there are free worker
// slots and dispatches each to a goroutine, per the §4.F scheduling
// loop. It never blocks waiting for a free slot beyond the batch it
// just claimed, so a slow worker from a prior scan can't stall new
// ticks from firing.
func (e *Engine) scanOnce(ctx context.Context, wg *sync.WaitGroup) {
	free := cap(e.sem) - len(e.sem)
	if free <= 0 {
		return
	}

	actions, err := e.store.ListRunnableActions(ctx, nowFunc(), free)
	if err != nil {
		logger.ErrorCtx(ctx, "neighborhood: scan failed", "error", err)
		return
	}

	for i := range actions {
		action := actions[i]
		lease := e.cfg.ActionLease
		if lease <= 0 {
			lease = 600 * time.Second
		}
		if action.Type == identity.ActionInitializationProcessInProgress {
			if e.cfg.InitializationLease > 0 {
				lease = e.cfg.InitializationLease
			} else {
				lease = 20 * time.Minute
			}
		}

		leased, ok, err := e.store.LeaseAction(ctx, action.ID, nowFunc(), lease)
		if err != nil {
			logger.ErrorCtx(ctx, "neighborhood: lease failed", "action_id", action.ID, "error", err)
			continue
		}
		if !ok {
			continue // raced by another scan, or not actually runnable
		}

		select {
		case e.sem <- struct{}{}:
		default:
			continue // out of slots; this action's new lease lets it retry next scan
		}

		wg.Add(1)
		go func(a identity.NeighborhoodAction) {
			defer wg.Done()
			defer func() { <-e.sem }()
			e.runAction(ctx, a)
		}(*leased)
	}
}

// runAction dispatches one leased action to its handler and completes
// or leaves it leased for retry, per step 3 of §4.F's scheduling loop.
func (e *Engine) runAction(ctx context.Context, a identity.NeighborhoodAction) {
	ctx, span := telemetry.StartNeighborhoodActionSpan(ctx, a.Type.String(), a.ServerID)
	defer span.End()

	var err error
	switch a.Type {
	case identity.ActionAddProfile, identity.ActionChangeProfile, identity.ActionRemoveProfile, identity.ActionRefreshNeighborStatus:
		err = e.propagateProfileAction(ctx, a)
	case identity.ActionAddNeighbor:
		err = e.runInitializationAsNeighbor(ctx, a)
	case identity.ActionRemoveNeighbor:
		err = e.runRemoveNeighbor(ctx, a)
	case identity.ActionStopNeighborhoodUpdates:
		err = e.runStopNeighborhoodUpdates(ctx, a)
	case identity.ActionInitializationProcessInProgress:
		err = e.reapStaleInitialization(ctx, a)
	default:
		err = fmt.Errorf("unknown action type %v", a.Type)
	}

	if err != nil {
		logger.WarnCtx(ctx, "neighborhood: action failed, will retry on lease expiry",
			"action_id", a.ID, "type", a.Type, "server_id", a.ServerID, "error", err)
		telemetry.RecordError(ctx, err)
		e.metrics.RecordNeighborhoodAction(a.Type.String(), "failed")
		return
	}

	if err := e.store.CompleteAction(ctx, a.ID); err != nil {
		logger.ErrorCtx(ctx, "neighborhood: failed to complete action", "action_id", a.ID, "error", err)
		e.metrics.RecordNeighborhoodAction(a.Type.String(), "failed")
		return
	}
	e.metrics.RecordNeighborhoodAction(a.Type.String(), "completed")
	e.Kick()
}

// reapStaleInitialization handles an InitializationProcessInProgress
// blocking marker that became runnable again: the corresponding Finish
// never arrived within its lease, so the attempted follower never
// completed initialization and is dropped (§4.F.2: "exceeding that
// deadline aborts the conversation and retries later").
func (e *Engine) reapStaleInitialization(ctx context.Context, a identity.NeighborhoodAction) error {
	if err := e.store.DeleteFollower(ctx, a.ServerID); err != nil && err != store.ErrFollowerNotFound {
		return fmt.Errorf("delete stale follower %s: %w", a.ServerID, err)
	}
	logger.InfoCtx(ctx, "neighborhood: reaped stale initialization", "server_id", a.ServerID)
	return nil
}

// nowFunc is indirected so it can be swapped out in tests without
// reaching for a real clock dependency.
var nowFunc = time.Now
