// Package pairing implements trust establishment: the pairing state
// machine driven by kdeconnect.pair packets, and the persistent store of
// trusted peers and their pinned certificates.
package pairing

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"

	"github.com/lanlink/lanlinkd/internal/protoerr"
)

const trustedPeersBucket = "trusted_peers"

// TrustedPeerRecord is the persisted trust anchor for one paired device.
// CertDER round-trips through JSON as base64.
type TrustedPeerRecord struct {
	DeviceID      string    `json:"device_id"`
	Name          string    `json:"name"`
	DeviceType    string    `json:"device_type"`
	CertDER       []byte    `json:"cert_der_b64"`
	Fingerprint   string    `json:"fingerprint_hex"`
	FirstPairedAt time.Time `json:"first_paired_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// Store persists trusted peer records in a bbolt bucket.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (or creates) the trust database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open trust store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(trustedPeersBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Save writes or replaces a trusted peer record.
func (s *Store) Save(rec TrustedPeerRecord) error {
	if rec.DeviceID == "" || len(rec.CertDER) == 0 {
		return fmt.Errorf("%w: record needs device_id and certificate", protoerr.ErrInvalidState)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(trustedPeersBucket)).Put([]byte(rec.DeviceID), data)
	})
}

// Get returns the record for a device.
func (s *Store) Get(deviceID string) (TrustedPeerRecord, error) {
	var rec TrustedPeerRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(trustedPeersBucket)).Get([]byte(deviceID))
		if data == nil {
			return fmt.Errorf("%w: no trust record for %s", protoerr.ErrNotFound, deviceID)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// Delete removes the record for a device. Deleting an absent record is
// not an error.
func (s *Store) Delete(deviceID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(trustedPeersBucket)).Delete([]byte(deviceID))
	})
}

// All returns every trusted peer record.
func (s *Store) All() ([]TrustedPeerRecord, error) {
	var out []TrustedPeerRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(trustedPeersBucket)).ForEach(func(_, v []byte) error {
			var rec TrustedPeerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// TouchLastSeen updates the last_seen_at timestamp for a device, if a
// record exists.
func (s *Store) TouchLastSeen(deviceID string, at time.Time) error {
	rec, err := s.Get(deviceID)
	if err != nil {
		return nil
	}
	rec.LastSeenAt = at
	return s.Save(rec)
}

// ExportJSON writes the trusted peer list as a JSON array, the interop
// format other implementations can read.
func (s *Store) ExportJSON(path string) error {
	records, err := s.All()
	if err != nil {
		return err
	}
	if records == nil {
		records = []TrustedPeerRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trusted peers: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

// ImportJSON merges records from a JSON export into the store.
func (s *Store) ImportJSON(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read import: %w", err)
	}
	var records []TrustedPeerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, fmt.Errorf("parse import: %w", err)
	}
	imported := 0
	for _, rec := range records {
		if err := s.Save(rec); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}
