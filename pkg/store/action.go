package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/marmos91/profileserver/pkg/identity"
)

// EnqueueActionTx inserts a NeighborhoodAction row within an
// already-held transaction, for callers that must enqueue actions
// atomically with the mutation that produced them.
func EnqueueActionTx(tx *gorm.DB, action *identity.NeighborhoodAction) error {
	return tx.Create(action).Error
}

// EnqueueActions enqueues one or more actions under the
// NeighborhoodAction lock alone, for callers that do not need to
// combine it with another domain's mutation in the same transaction.
func (s *Store) EnqueueActions(ctx context.Context, actions ...*identity.NeighborhoodAction) error {
	return s.Locks.WithLocks(ctx, s.db, func(tx *gorm.DB) error {
		for _, a := range actions {
			if err := tx.Create(a).Error; err != nil {
				return err
			}
		}
		return nil
	}, NeighborhoodActionLock)
}

// ListRunnableActions scans pending actions in ascending id order and
// returns, per (ServerID, class), the first action whose execute_after
// has passed and that is not blocked by an earlier same-target
// same-class action still in the future. The scan itself does not mark
// anything as leased; callers call LeaseAction to claim one atomically.
func (s *Store) ListRunnableActions(ctx context.Context, now time.Time, limit int) ([]identity.NeighborhoodAction, error) {
	var all []identity.NeighborhoodAction
	if err := s.db.WithContext(ctx).Order("id").Find(&all).Error; err != nil {
		return nil, err
	}

	type classKey struct {
		server string
		profileClass bool
	}
	blocked := make(map[classKey]bool)
	var runnable []identity.NeighborhoodAction

	for _, a := range all {
		key := classKey{server: a.ServerID, profileClass: a.Type.IsProfileClass()}
		if blocked[key] {
			continue
		}
		if !a.IsRunnable(now) {
			blocked[key] = true
			continue
		}
		runnable = append(runnable, a)
		blocked[key] = true // one runnable action per (target, class) per scan
		if limit > 0 && len(runnable) >= limit {
			break
		}
	}

	return runnable, nil
}

// LeaseAction bumps an action's execute_after by lease, claiming it for
// a worker. Returns false if the action no longer exists (raced by
// another scan) or is not currently runnable.
func (s *Store) LeaseAction(ctx context.Context, id uint64, now time.Time, lease time.Duration) (*identity.NeighborhoodAction, bool, error) {
	var leased *identity.NeighborhoodAction
	ok := false

	err := s.Locks.WithLocks(ctx, s.db, func(tx *gorm.DB) error {
		var a identity.NeighborhoodAction
		if err := tx.First(&a, "id = ?", id).Error; err != nil {
			return err
		}
		if !a.IsRunnable(now) {
			return nil
		}
		deadline := now.Add(lease)
		a.ExecuteAfter = &deadline
		if err := tx.Save(&a).Error; err != nil {
			return err
		}
		leased = &a
		ok = true
		return nil
	}, NeighborhoodActionLock)

	if err != nil {
		return nil, false, err
	}
	return leased, ok, nil
}

// CompleteAction deletes an action on success.
func (s *Store) CompleteAction(ctx context.Context, id uint64) error {
	return s.Locks.WithLocks(ctx, s.db, func(tx *gorm.DB) error {
		return tx.Delete(&identity.NeighborhoodAction{}, "id = ?", id).Error
	}, NeighborhoodActionLock)
}

// DeleteActionsForServer removes every pending action targeting
// serverID, used when a follower/neighbor is deleted for diverging.
func (s *Store) DeleteActionsForServer(ctx context.Context, serverID string) error {
	return s.Locks.WithLocks(ctx, s.db, func(tx *gorm.DB) error {
		return tx.Where("server_id = ?", serverID).Delete(&identity.NeighborhoodAction{}).Error
	}, NeighborhoodActionLock)
}

// CountPendingActions returns the number of queued NeighborhoodAction
// rows, reported as the queue depth gauge by pkg/metrics and the ops
// admin API.
func (s *Store) CountPendingActions(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&identity.NeighborhoodAction{}).Count(&count).Error
	return count, err
}

// ListPendingActionsForServer returns every queued action targeting
// serverID, in ascending id (FIFO) order, for operator inspection.
func (s *Store) ListPendingActionsForServer(ctx context.Context, serverID string) ([]identity.NeighborhoodAction, error) {
	var actions []identity.NeighborhoodAction
	err := s.db.WithContext(ctx).Order("id").Where("server_id = ?", serverID).Find(&actions).Error
	return actions, err
}

// EnqueueRefreshAction enqueues an ActionRefreshNeighborStatus for
// serverID to run immediately, used by the admin API's forced-refresh
// operator action.
func (s *Store) EnqueueRefreshAction(ctx context.Context, serverID string) error {
	return s.EnqueueActions(ctx, &identity.NeighborhoodAction{
		ServerID:  serverID,
		Type:      identity.ActionRefreshNeighborStatus,
		Timestamp: time.Now(),
	})
}
