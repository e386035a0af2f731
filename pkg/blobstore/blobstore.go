// Package blobstore is the content-addressed profile-image and
// thumbnail store: files named by their SHA-256 hash, saved
// idempotently, and removed only when their reference count (tracked
// in pkg/blobstore/refcount) reaches zero.
package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a hash has no backing blob.
var ErrNotFound = errors.New("blobstore: content not found")

// Hash is the SHA-256 content address of a blob.
type Hash [32]byte

func (h Hash) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range h {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// HashOf computes the content address of data.
func HashOf(data []byte) Hash {
	return sha256.Sum256(data)
}

// HashFromBytes validates and constructs a Hash from a 32-byte slice.
func HashFromBytes(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != 32 {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// Backend is the content-addressed byte store external collaborator:
// save by hash (idempotent) and read by hash. It does not itself track
// reference counts; see Store for that.
type Backend interface {
	Put(ctx context.Context, hash Hash, data []byte) error
	Get(ctx context.Context, hash Hash) ([]byte, error)
	Delete(ctx context.Context, hash Hash) error
}

// RefcountLedger tracks how many hosted/neighbor identities currently
// reference a given blob hash.
type RefcountLedger interface {
	Increment(hash Hash) (int64, error)
	Decrement(hash Hash) (int64, error)
	Count(hash Hash) (int64, error)
}

// Store composes a Backend with a RefcountLedger to implement the
// save/remove_reference contract from the wire protocol: Save is
// idempotent by hash and bumps the refcount; RemoveReference decrements
// and deletes the backing file once no identity references it.
type Store struct {
	backend Backend
	ledger  RefcountLedger
}

// New composes backend and ledger into a Store.
func New(backend Backend, ledger RefcountLedger) *Store {
	return &Store{backend: backend, ledger: ledger}
}

// Save writes data under its own content hash, incrementing its
// reference count. Idempotent: calling twice with identical data is a
// no-op besides the refcount bump.
func (s *Store) Save(ctx context.Context, data []byte) (Hash, error) {
	hash := HashOf(data)
	if err := s.backend.Put(ctx, hash, data); err != nil {
		return hash, fmt.Errorf("save blob %s: %w", hash, err)
	}
	if _, err := s.ledger.Increment(hash); err != nil {
		return hash, fmt.Errorf("increment refcount %s: %w", hash, err)
	}
	return hash, nil
}

// Read streams the blob for hash.
func (s *Store) Read(ctx context.Context, hash Hash) ([]byte, error) {
	data, err := s.backend.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// RemoveReference decrements hash's refcount and deletes the backing
// file once no identity references it (testable property 10).
func (s *Store) RemoveReference(ctx context.Context, hash Hash) error {
	count, err := s.ledger.Decrement(hash)
	if err != nil {
		return fmt.Errorf("decrement refcount %s: %w", hash, err)
	}
	if count > 0 {
		return nil
	}
	if err := s.backend.Delete(ctx, hash); err != nil {
		return fmt.Errorf("delete blob %s: %w", hash, err)
	}
	return nil
}

// AddReference increments hash's refcount without writing new bytes,
// used when an incoming update references an already-stored image.
func (s *Store) AddReference(hash Hash) error {
	_, err := s.ledger.Increment(hash)
	return err
}
