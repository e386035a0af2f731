package store

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

// Domain names one of the six coarse-grained named locks. The zero value
// is not a valid domain.
type Domain int

// Canonical lock ordering, enforced by WithLocks regardless of the
// order domains are passed in: HostedIdentity -> NeighborIdentity ->
// Neighbor -> Follower -> RelatedIdentity -> NeighborhoodAction.
const (
	HostedIdentityLock Domain = iota
	NeighborIdentityLock
	NeighborLock
	FollowerLock
	RelatedIdentityLock
	NeighborhoodActionLock

	domainCount
)

// LockManager holds one mutex per named domain. Handlers that need more
// than one domain acquire them together through WithLocks, which always
// locks in ascending Domain order so two callers requesting overlapping
// domain sets can never deadlock against each other.
type LockManager struct {
	mu [domainCount]sync.Mutex
}

func newLockManager() *LockManager {
	return &LockManager{}
}

// sortedUnique returns domains deduplicated and sorted ascending.
func sortedUnique(domains []Domain) []Domain {
	seen := make(map[Domain]struct{}, len(domains))
	out := make([]Domain, 0, len(domains))
	for _, d := range domains {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// WithLocks acquires the given domains in canonical order, opens a
// transaction on db, and invokes fn. The transaction commits if fn
// returns nil and rolls back otherwise; locks release on every exit path.
func (m *LockManager) WithLocks(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error, domains ...Domain) error {
	ordered := sortedUnique(domains)
	for _, d := range ordered {
		m.mu[d].Lock()
	}
	defer func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			m.mu[ordered[i]].Unlock()
		}
	}()

	return db.WithContext(ctx).Transaction(fn)
}
