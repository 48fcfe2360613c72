package trie

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fortiblox/contractvm/internal/types"
)

// Key prefixes for BadgerDB storage.
var (
	// prefixNode is the prefix for trie nodes.
	// Key format: prefixNode + hash (32 bytes)
	prefixNode = []byte{0x01}

	// prefixMeta is the prefix for metadata.
	prefixMeta = []byte{0x02}

	// metaHead is the key for the head root.
	metaHead = append(append([]byte(nil), prefixMeta...), []byte("head")...)
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("node store closed")

// BadgerStoreConfig contains configuration for BadgerStore.
type BadgerStoreConfig struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// NumMemtables is the number of memtables.
	NumMemtables int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// Logger receives badger's internal log output. Nil disables it.
	Logger *zap.Logger
}

// DefaultBadgerStoreConfig returns default configuration.
func DefaultBadgerStoreConfig(path string) BadgerStoreConfig {
	return BadgerStoreConfig{
		Path:             path,
		SyncWrites:       false,
		NumCompactors:    4,
		NumMemtables:     5,
		ValueLogFileSize: 256 << 20, // 256MB
	}
}

// BadgerStore is a BadgerDB-backed NodeStore. Nodes are written once and
// never updated, which suits badger's LSM layout.
type BadgerStore struct {
	db     *badger.DB
	closed atomic.Bool
}

// NewBadgerStore opens a badger-backed node store.
func NewBadgerStore(cfg BadgerStoreConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(cfg.NumCompactors).
		WithNumMemtables(cfg.NumMemtables).
		WithValueLogFileSize(cfg.ValueLogFileSize)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{cfg.Logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func nodeKey(h types.Hash) []byte {
	key := make([]byte, len(prefixNode)+types.HashSize)
	copy(key, prefixNode)
	copy(key[len(prefixNode):], h[:])
	return key
}

// Get returns the node stored under h.
func (b *BadgerStore) Get(h types.Hash) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrStoreClosed
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(h))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", h, err)
	}
	return data, nil
}

// Put stores a node.
func (b *BadgerStore) Put(h types.Hash, data []byte) error {
	if b.closed.Load() {
		return ErrStoreClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey(h), data)
	})
}

// PutBatch stores several nodes through a single write batch.
func (b *BadgerStore) PutBatch(entries []Entry) error {
	if b.closed.Load() {
		return ErrStoreClosed
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		if err := wb.Set(nodeKey(e.Hash), e.Data); err != nil {
			return fmt.Errorf("batch set: %w", err)
		}
	}
	return wb.Flush()
}

// Head returns the stored head root, or EmptyRoot if none was set.
func (b *BadgerStore) Head() (types.Hash, error) {
	var head types.Hash
	if b.closed.Load() {
		return head, ErrStoreClosed
	}
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaHead)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			h, err := types.HashFromBytes(val)
			if err != nil {
				return err
			}
			head = h
			return nil
		})
	})
	return head, err
}

// SetHead records root as the head.
func (b *BadgerStore) SetHead(root types.Hash) error {
	if b.closed.Load() {
		return ErrStoreClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaHead, root.Bytes())
	})
}

// Count returns the number of stored nodes.
func (b *BadgerStore) Count() (int, error) {
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixNode
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// RunGC runs value log garbage collection once.
func (b *BadgerStore) RunGC() error {
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
