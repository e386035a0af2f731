package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/marmos91/profileserver/pkg/identity"
)

// GetNeighbor fetches a Neighbor by server id.
func (s *Store) GetNeighbor(ctx context.Context, serverID string) (*identity.Neighbor, error) {
	var n identity.Neighbor
	err := s.db.WithContext(ctx).First(&n, "server_id = ?", serverID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNeighborNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// InsertNeighbor inserts a Neighbor row under the Neighbor lock.
func (s *Store) InsertNeighbor(ctx context.Context, n *identity.Neighbor) error {
	return s.Locks.WithLocks(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Create(n).Error; err != nil {
			if isUniqueConstraintError(err) {
				return ErrNeighborExists
			}
			return err
		}
		return nil
	}, NeighborLock)
}

// UpdateNeighbor mutates an existing Neighbor under the Neighbor lock.
func (s *Store) UpdateNeighbor(ctx context.Context, serverID string, mutate func(n *identity.Neighbor) error) error {
	return s.Locks.WithLocks(ctx, s.db, func(tx *gorm.DB) error {
		var n identity.Neighbor
		if err := tx.First(&n, "server_id = ?", serverID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNeighborNotFound
			}
			return err
		}
		if err := mutate(&n); err != nil {
			return err
		}
		return tx.Save(&n).Error
	}, NeighborLock)
}

// CountNeighbors returns the number of Neighbor rows, reported in
// profile stats.
func (s *Store) CountNeighbors(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&identity.Neighbor{}).Count(&count).Error
	return count, err
}

// ListNeighbors returns every Neighbor record.
func (s *Store) ListNeighbors(ctx context.Context) ([]identity.Neighbor, error) {
	var rows []identity.Neighbor
	err := s.db.WithContext(ctx).Order("server_id").Find(&rows).Error
	return rows, err
}

// DeleteNeighborCascade removes a Neighbor and all of its NeighborIdentity
// rows in one transaction, under the NeighborIdentity then Neighbor locks.
func (s *Store) DeleteNeighborCascade(ctx context.Context, serverID string) error {
	return s.Locks.WithLocks(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Where("hosting_server_id = ?", serverID).Delete(&identity.NeighborIdentity{}).Error; err != nil {
			return err
		}
		res := tx.Where("server_id = ?", serverID).Delete(&identity.Neighbor{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNeighborNotFound
		}
		return nil
	}, NeighborIdentityLock, NeighborLock)
}
