package trie

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fortiblox/contractvm/internal/types"
)

// DefaultCacheSize is the default number of nodes held by a CachedStore.
const DefaultCacheSize = 16384

// CachedStore puts an LRU cache of encoded nodes in front of another
// NodeStore. Writes go through to the backing store.
type CachedStore struct {
	inner NodeStore
	cache *lru.Cache[types.Hash, []byte]
}

// NewCachedStore wraps inner with an LRU cache of the given size.
func NewCachedStore(inner NodeStore, size int) (*CachedStore, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[types.Hash, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("create node cache: %w", err)
	}
	return &CachedStore{inner: inner, cache: cache}, nil
}

// Get returns the node stored under h, consulting the cache first.
func (c *CachedStore) Get(h types.Hash) ([]byte, error) {
	if data, ok := c.cache.Get(h); ok {
		return data, nil
	}
	data, err := c.inner.Get(h)
	if err != nil {
		return nil, err
	}
	c.cache.Add(h, data)
	return data, nil
}

// Put stores a node.
func (c *CachedStore) Put(h types.Hash, data []byte) error {
	if err := c.inner.Put(h, data); err != nil {
		return err
	}
	c.cache.Add(h, data)
	return nil
}

// PutBatch stores several nodes.
func (c *CachedStore) PutBatch(entries []Entry) error {
	if err := c.inner.PutBatch(entries); err != nil {
		return err
	}
	for _, e := range entries {
		c.cache.Add(e.Hash, e.Data)
	}
	return nil
}

// Head forwards to the backing store when it supports heads.
func (c *CachedStore) Head() (types.Hash, error) {
	if hs, ok := c.inner.(HeadStore); ok {
		return hs.Head()
	}
	return EmptyRoot, nil
}

// SetHead forwards to the backing store when it supports heads.
func (c *CachedStore) SetHead(root types.Hash) error {
	if hs, ok := c.inner.(HeadStore); ok {
		return hs.SetHead(root)
	}
	return nil
}

// Inner returns the backing store.
func (c *CachedStore) Inner() NodeStore {
	return c.inner
}

// Close purges the cache and closes the backing store.
func (c *CachedStore) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}
