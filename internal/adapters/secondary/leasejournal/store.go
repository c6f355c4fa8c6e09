// Package leasejournal persists the IDs of leases rotor has issued but not yet
// revoked, so a restarted process can revoke what a crashed one left behind.
package leasejournal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	"github.com/sufield/rotor/internal/core/domain"
	"github.com/sufield/rotor/internal/core/ports"
)

var _ ports.LeaseJournal = (*Store)(nil)

var bucketLeases = []byte("leases")

// entry is the on-disk form of a domain.LeaseRecord.
type entry struct {
	LeaseID   string    `cbor:"1,keyasint"`
	Resource  string    `cbor:"2,keyasint"`
	Username  string    `cbor:"3,keyasint"`
	IssuedAt  time.Time `cbor:"4,keyasint"`
	ExpiresAt time.Time `cbor:"5,keyasint"`
}

// Store is a bbolt-backed lease journal.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the journal file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open lease journal: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLeases)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create lease bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Record stores rec keyed by lease ID, replacing any previous entry.
func (s *Store) Record(rec domain.LeaseRecord) error {
	if rec.LeaseID == "" {
		return fmt.Errorf("lease record has no lease ID")
	}
	data, err := cbor.Marshal(entry(rec))
	if err != nil {
		return fmt.Errorf("marshal lease record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLeases).Put([]byte(rec.LeaseID), data)
	})
}

// Remove deletes the entry for leaseID. Removing an unknown ID is not an error.
func (s *Store) Remove(leaseID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLeases).Delete([]byte(leaseID))
	})
}

// Outstanding returns every recorded lease.
func (s *Store) Outstanding() ([]domain.LeaseRecord, error) {
	var out []domain.LeaseRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLeases).ForEach(func(k, v []byte) error {
			var e entry
			if err := cbor.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal lease %s: %w", k, err)
			}
			out = append(out, domain.LeaseRecord(e))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}
