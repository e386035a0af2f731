package store

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/marmos91/profileserver/pkg/identity"
)

// GetNeighborIdentity fetches one NeighborIdentity by its composite key.
func (s *Store) GetNeighborIdentity(ctx context.Context, id identity.ID, hostingServerID string) (*identity.NeighborIdentity, error) {
	var row identity.NeighborIdentity
	err := s.db.WithContext(ctx).
		First(&row, "identity_id = ? AND hosting_server_id = ?", id[:], hostingServerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNeighborIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetAnyNeighborIdentity fetches a NeighborIdentity by identity id alone,
// regardless of which hosting server mirrored it to us. Used by
// GetProfileInformation, which does not know in advance whether a
// requested identity (if not hosted locally) was mirrored from one
// neighbor or another.
func (s *Store) GetAnyNeighborIdentity(ctx context.Context, id identity.ID) (*identity.NeighborIdentity, error) {
	var row identity.NeighborIdentity
	err := s.db.WithContext(ctx).
		First(&row, "identity_id = ?", id[:]).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNeighborIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// CountNeighborIdentities returns the number of mirrored NeighborIdentity
// rows, reported in profile stats.
func (s *Store) CountNeighborIdentities(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&identity.NeighborIdentity{}).Count(&count).Error
	return count, err
}

// ApplyNeighborIdentityBatch applies a batch of neighbor-identity
// mutations under the NeighborIdentity and Neighbor locks together, as
// required when ingesting a NeighborhoodSharedProfileUpdate (the batch
// also adjusts the owning Neighbor's shared_profiles_count). apply is
// invoked once, inside a single transaction; if it returns an error,
// everything it did in that transaction is rolled back. Callers that
// must keep earlier items committed (testable property 8) call this
// once per item.
func (s *Store) ApplyNeighborIdentityBatch(ctx context.Context, hostingServerID string, apply func(tx *gorm.DB) error) error {
	return s.Locks.WithLocks(ctx, s.db, func(tx *gorm.DB) error {
		return apply(tx)
	}, NeighborIdentityLock, NeighborLock)
}

// InsertNeighborIdentityTx inserts a NeighborIdentity row within an
// already-held transaction (see ApplyNeighborIdentityBatch).
func InsertNeighborIdentityTx(tx *gorm.DB, row *identity.NeighborIdentity) error {
	if err := tx.Create(row).Error; err != nil {
		if isUniqueConstraintError(err) {
			return ErrNeighborIdentityExists
		}
		return err
	}
	return nil
}

// UpdateNeighborIdentityTx mutates an existing NeighborIdentity row
// within an already-held transaction. It saves whatever mutate sets and
// does not itself check that Type is unchanged; the live-update handler
// rejects a Change that alters type before calling it (§4.F.3).
func UpdateNeighborIdentityTx(tx *gorm.DB, id identity.ID, hostingServerID string, mutate func(row *identity.NeighborIdentity) error) error {
	var row identity.NeighborIdentity
	if err := tx.First(&row, "identity_id = ? AND hosting_server_id = ?", id[:], hostingServerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNeighborIdentityNotFound
		}
		return err
	}
	if err := mutate(&row); err != nil {
		return err
	}
	return tx.Save(&row).Error
}

// DeleteNeighborIdentityTx removes a NeighborIdentity row within an
// already-held transaction.
func DeleteNeighborIdentityTx(tx *gorm.DB, id identity.ID, hostingServerID string) error {
	res := tx.Where("identity_id = ? AND hosting_server_id = ?", id[:], hostingServerID).
		Delete(&identity.NeighborIdentity{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNeighborIdentityNotFound
	}
	return nil
}

// SearchNeighborIdentitiesBatch mirrors SearchHostedIdentitiesBatch for
// the NeighborIdentity store, used when a search needs to cover more
// than the local customer base.
func (s *Store) SearchNeighborIdentitiesBatch(ctx context.Context, afterKey string, limit int, typePrefix, namePrefix string) ([]identity.NeighborIdentity, error) {
	q := s.db.WithContext(ctx).
		Order("identity_id, hosting_server_id").
		Limit(limit)

	if idHex, serverID, ok := strings.Cut(afterKey, "|"); ok {
		if after, err := hex.DecodeString(idHex); err == nil {
			q = q.Where("(identity_id > ? OR (identity_id = ? AND hosting_server_id > ?))", after, after, serverID)
		}
	}
	if typePrefix != "" {
		q = q.Where("type LIKE ?", escapeLikePrefix(typePrefix)+"%")
	}
	if namePrefix != "" {
		q = q.Where("name LIKE ?", escapeLikePrefix(namePrefix)+"%")
	}

	var rows []identity.NeighborIdentity
	err := q.Find(&rows).Error
	return rows, err
}
