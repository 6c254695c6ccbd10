package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPackages     = []byte("packages")
	bucketImages       = []byte("images")
	bucketEvents       = []byte("events")
	bucketEmails       = []byte("emails")
	bucketCampaigns    = []byte("campaigns")
	bucketCompanies    = []byte("companies")
	bucketContacts     = []byte("contacts")
	bucketUnsubscribes = []byte("unsubscribes")
	bucketLandingKeys  = []byte("landing_keys")
)

var allBuckets = [][]byte{
	bucketPackages, bucketImages, bucketEvents, bucketEmails,
	bucketCampaigns, bucketCompanies, bucketContacts,
	bucketUnsubscribes, bucketLandingKeys,
}

// Store persists packages and their related entities in BoltDB. All package
// mutation goes through single Update transactions, which is what makes the
// session token a usable fence between concurrent workers.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the store at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying bolt handle for components that share the file.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// u64key encodes an ID as a big-endian key so bolt cursors iterate in ID
// order.
func u64key(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func parseU64Key(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[:8])
}

// childKey namespaces a child record under its parent package ID.
func childKey(packageID, id uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key, packageID)
	binary.BigEndian.PutUint64(key[8:], id)
	return key
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return b.Put(key, data)
}
