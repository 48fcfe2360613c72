package trie

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/contractvm/internal/types"
)

// Bucket names.
var (
	// bucketNodes stores encoded trie nodes keyed by hash.
	bucketNodes = []byte("nodes")

	// bucketMeta stores store metadata.
	bucketMeta = []byte("meta")

	keyHead = []byte("head")
)

// BoltStoreConfig contains configuration for BoltStore.
type BoltStoreConfig struct {
	// Path is the database file path.
	Path string

	// NoSync skips fsync after each commit.
	NoSync bool

	// Timeout is how long to wait for the file lock.
	Timeout time.Duration

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultBoltStoreConfig returns the default configuration.
func DefaultBoltStoreConfig(path string) BoltStoreConfig {
	return BoltStoreConfig{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// BoltStore is a bbolt-backed NodeStore: a single file, suited to small
// state directories and read-only inspection.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates or opens a bolt node store.
func NewBoltStore(cfg BoltStoreConfig) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{
		Timeout:  cfg.Timeout,
		NoSync:   cfg.NoSync,
		ReadOnly: cfg.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if !cfg.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketNodes, bucketMeta} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	return &BoltStore{db: db}, nil
}

// Get returns the node stored under h.
func (s *BoltStore) Get(h types.Hash) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b == nil {
			return ErrNodeNotFound
		}
		v := b.Get(h[:])
		if v == nil {
			return ErrNodeNotFound
		}
		// Bolt values are only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// Put stores a node.
func (s *BoltStore) Put(h types.Hash, data []byte) error {
	return s.PutBatch([]Entry{{Hash: h, Data: data}})
}

// PutBatch stores several nodes in one transaction.
func (s *BoltStore) PutBatch(entries []Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		for _, e := range entries {
			if err := b.Put(e.Hash[:], e.Data); err != nil {
				return fmt.Errorf("put node %s: %w", e.Hash, err)
			}
		}
		return nil
	})
}

// Head returns the stored head root, or EmptyRoot if none was set.
func (s *BoltStore) Head() (types.Hash, error) {
	var head types.Hash
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return nil
		}
		v := b.Get(keyHead)
		if v == nil {
			return nil
		}
		h, err := types.HashFromBytes(v)
		if err != nil {
			return err
		}
		head = h
		return nil
	})
	return head, err
}

// SetHead records root as the head.
func (s *BoltStore) SetHead(root types.Hash) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyHead, root.Bytes())
	})
}

// Count returns the number of stored nodes.
func (s *BoltStore) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketNodes); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
