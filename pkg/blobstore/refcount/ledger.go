// Package refcount implements the blob reference-count ledger in an
// embedded badger store: one key per blob hash holding a big-endian
// uint64 counter, incremented on save and decremented on
// remove-reference, with deletion of the key (and, by the caller, of
// the backing blob) at zero.
package refcount

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/marmos91/profileserver/pkg/blobstore"
)

// Ledger is a badger-backed blobstore.RefcountLedger.
type Ledger struct {
	db *badger.DB
}

// Open opens (creating if absent) a badger database at dir.
func Open(dir string) (*Ledger, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger refcount ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// Increment bumps hash's refcount by one and returns the new value.
func (l *Ledger) Increment(hash blobstore.Hash) (int64, error) {
	var result int64
	err := l.db.Update(func(txn *badger.Txn) error {
		count, err := get(txn, hash)
		if err != nil {
			return err
		}
		count++
		result = count
		return set(txn, hash, count)
	})
	return result, err
}

// Decrement drops hash's refcount by one (floored at zero) and returns
// the new value. Once it reaches zero the key is deleted.
func (l *Ledger) Decrement(hash blobstore.Hash) (int64, error) {
	var result int64
	err := l.db.Update(func(txn *badger.Txn) error {
		count, err := get(txn, hash)
		if err != nil {
			return err
		}
		if count > 0 {
			count--
		}
		result = count
		if count == 0 {
			return txn.Delete(key(hash))
		}
		return set(txn, hash, count)
	})
	return result, err
}

// Count returns hash's current refcount, 0 if untracked.
func (l *Ledger) Count(hash blobstore.Hash) (int64, error) {
	var result int64
	err := l.db.View(func(txn *badger.Txn) error {
		count, err := get(txn, hash)
		result = count
		return err
	})
	return result, err
}

func key(hash blobstore.Hash) []byte {
	return append([]byte("refcount:"), hash[:]...)
}

func get(txn *badger.Txn, hash blobstore.Hash) (int64, error) {
	item, err := txn.Get(key(hash))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var count int64
	err = item.Value(func(val []byte) error {
		count = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return count, err
}

func set(txn *badger.Txn, hash blobstore.Hash, count int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(count))
	return txn.Set(key(hash), buf[:])
}
