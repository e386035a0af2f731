package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/marmos91/profileserver/pkg/identity"
)

// GetFollower fetches a Follower by server id.
func (s *Store) GetFollower(ctx context.Context, serverID string) (*identity.Follower, error) {
	var f identity.Follower
	err := s.db.WithContext(ctx).First(&f, "server_id = ?", serverID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFollowerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// InsertFollower inserts a Follower row under the Follower lock.
func (s *Store) InsertFollower(ctx context.Context, f *identity.Follower) error {
	return s.Locks.WithLocks(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Create(f).Error; err != nil {
			if isUniqueConstraintError(err) {
				return ErrFollowerExists
			}
			return err
		}
		return nil
	}, FollowerLock)
}

// UpdateFollower mutates an existing Follower under the Follower lock.
func (s *Store) UpdateFollower(ctx context.Context, serverID string, mutate func(f *identity.Follower) error) error {
	return s.Locks.WithLocks(ctx, s.db, func(tx *gorm.DB) error {
		var f identity.Follower
		if err := tx.First(&f, "server_id = ?", serverID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrFollowerNotFound
			}
			return err
		}
		if err := mutate(&f); err != nil {
			return err
		}
		return tx.Save(&f).Error
	}, FollowerLock)
}

// DeleteFollower removes a Follower row under the Follower lock.
func (s *Store) DeleteFollower(ctx context.Context, serverID string) error {
	return s.Locks.WithLocks(ctx, s.db, func(tx *gorm.DB) error {
		res := tx.Where("server_id = ?", serverID).Delete(&identity.Follower{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrFollowerNotFound
		}
		return nil
	}, FollowerLock)
}

// ListFollowers returns every Follower record.
func (s *Store) ListFollowers(ctx context.Context) ([]identity.Follower, error) {
	var rows []identity.Follower
	err := s.db.WithContext(ctx).Order("server_id").Find(&rows).Error
	return rows, err
}

// CountFollowers returns the total number of Follower rows.
func (s *Store) CountFollowers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&identity.Follower{}).Count(&count).Error
	return count, err
}

// CountUninitializedFollowers returns the number of Follower rows with
// initialized=false, bounding concurrent initializations we serve.
func (s *Store) CountUninitializedFollowers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&identity.Follower{}).
		Where("initialized = ?", false).Count(&count).Error
	return count, err
}
