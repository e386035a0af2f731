package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/marmos91/profileserver/pkg/identity"
)

// InsertHostedIdentity inserts a new HostedIdentity row under the
// HostedIdentity lock. Returns ErrHostedIdentityExists on a duplicate
// primary key.
func (s *Store) InsertHostedIdentity(ctx context.Context, h *identity.HostedIdentity) error {
	return s.Locks.WithLocks(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Create(h).Error; err != nil {
			if isUniqueConstraintError(err) {
				return ErrHostedIdentityExists
			}
			return err
		}
		return nil
	}, HostedIdentityLock)
}

// GetHostedIdentity fetches a HostedIdentity by id.
func (s *Store) GetHostedIdentity(ctx context.Context, id identity.ID) (*identity.HostedIdentity, error) {
	var h identity.HostedIdentity
	err := s.db.WithContext(ctx).First(&h, "id = ?", id[:]).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrHostedIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// UpdateHostedIdentity persists mutations to an existing HostedIdentity
// under the HostedIdentity lock, invoking mutate inside the transaction
// so the caller can make the decision atomic with the read.
func (s *Store) UpdateHostedIdentity(ctx context.Context, id identity.ID, mutate func(h *identity.HostedIdentity) error) error {
	return s.Locks.WithLocks(ctx, s.db, func(tx *gorm.DB) error {
		var h identity.HostedIdentity
		if err := tx.First(&h, "id = ?", id[:]).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrHostedIdentityNotFound
			}
			return err
		}
		if err := mutate(&h); err != nil {
			return err
		}
		return tx.Save(&h).Error
	}, HostedIdentityLock)
}

// CountActiveHostedIdentities returns the number of non-cancelled
// HostedIdentity rows, used for the admission quota check.
func (s *Store) CountActiveHostedIdentities(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&identity.HostedIdentity{}).
		Where("cancelled = ?", false).Count(&count).Error
	return count, err
}

// ListInitializedHostedIdentities returns all initialized, non-cancelled
// identities, used to seed a neighborhood initialization snapshot.
func (s *Store) ListInitializedHostedIdentities(ctx context.Context) ([]identity.HostedIdentity, error) {
	var rows []identity.HostedIdentity
	err := s.db.WithContext(ctx).
		Where("initialized = ? AND cancelled = ?", true, false).
		Order("id").
		Find(&rows).Error
	return rows, err
}

// SearchHostedIdentitiesBatch pulls up to limit initialized, non-cancelled
// identities starting after afterID (exclusive), filtered at the SQL
// level by type and name wildcard prefixes where non-empty. Wildcards
// beyond a trailing "*" are applied by the caller in-process.
func (s *Store) SearchHostedIdentitiesBatch(ctx context.Context, afterID identity.ID, limit int, typePrefix, namePrefix string) ([]identity.HostedIdentity, error) {
	q := s.db.WithContext(ctx).
		Where("initialized = ? AND cancelled = ?", true, false).
		Order("id").
		Limit(limit)

	var zero identity.ID
	if afterID != zero {
		q = q.Where("id > ?", afterID[:])
	}
	if typePrefix != "" {
		q = q.Where("type LIKE ?", escapeLikePrefix(typePrefix)+"%")
	}
	if namePrefix != "" {
		q = q.Where("name LIKE ?", escapeLikePrefix(namePrefix)+"%")
	}

	var rows []identity.HostedIdentity
	err := q.Find(&rows).Error
	return rows, err
}

func escapeLikePrefix(s string) string {
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
