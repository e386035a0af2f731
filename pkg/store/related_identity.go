package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/marmos91/profileserver/pkg/identity"
)

// InsertRelatedIdentity inserts a RelatedIdentity card under the
// RelatedIdentity lock.
func (s *Store) InsertRelatedIdentity(ctx context.Context, card *identity.RelatedIdentity) error {
	return s.Locks.WithLocks(ctx, s.db, func(tx *gorm.DB) error {
		return tx.Create(card).Error
	}, RelatedIdentityLock)
}

// DeleteRelatedIdentity removes a card by its id under the
// RelatedIdentity lock.
func (s *Store) DeleteRelatedIdentity(ctx context.Context, cardID []byte) error {
	return s.Locks.WithLocks(ctx, s.db, func(tx *gorm.DB) error {
		res := tx.Where("card_id = ?", cardID).Delete(&identity.RelatedIdentity{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRelatedIdentityNotFound
		}
		return nil
	}, RelatedIdentityLock)
}

// ListRelatedIdentities returns every card attesting a relationship
// claim about the given hosted identity.
func (s *Store) ListRelatedIdentities(ctx context.Context, id identity.ID) ([]identity.RelatedIdentity, error) {
	var rows []identity.RelatedIdentity
	err := s.db.WithContext(ctx).
		Where("hosted_identity_id = ?", id[:]).
		Order("valid_from").
		Find(&rows).Error
	return rows, err
}

// CountRelatedIdentities returns the number of cards for a hosted
// identity, for the MaxIdentityRelations quota check.
func (s *Store) CountRelatedIdentities(ctx context.Context, id identity.ID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&identity.RelatedIdentity{}).
		Where("hosted_identity_id = ?", id[:]).Count(&count).Error
	return count, err
}
