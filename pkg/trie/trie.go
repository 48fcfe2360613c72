// Package trie implements a persistent, content-addressed map from fixed
// 32-byte keys to byte values.
//
// The trie is radix-16 and hash-linked: a node is identified by the blake3
// hash of its encoding, and branch nodes refer to their children by hash.
// Nodes are immutable, so Insert and Delete return a new *Trie and leave the
// receiver untouched. Keeping an old *Trie (or just its root hash) is a
// snapshot.
//
// The shape of the trie depends only on its contents: a subtree holding a
// single key is always a leaf, and a subtree holding two or more keys is a
// branch. Equal contents therefore always produce equal root hashes.
//
// Node layout:
//   - Leaf:   0x00 | key (32 bytes) | value length (u32 LE) | value
//   - Branch: 0x01 | child bitmap (u16 LE) | child hashes (32 bytes each)
package trie

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fortiblox/contractvm/internal/types"
)

// KeySize is the fixed key width.
const KeySize = 32

var (
	// ErrNodeNotFound is returned when a referenced node is not in the store.
	ErrNodeNotFound = errors.New("trie node not found")

	// ErrCorruptNode is returned when a stored node does not decode or does
	// not match its hash.
	ErrCorruptNode = errors.New("corrupt trie node")

	// ErrStopIteration may be returned from an Iterate callback to stop early.
	ErrStopIteration = errors.New("stop iteration")
)

// Key is a trie key.
type Key [KeySize]byte

// EmptyRoot is the root hash of a trie with no entries.
var EmptyRoot = types.Hash{}

// Trie is an immutable view of the map at one root.
type Trie struct {
	root  node
	store NodeStore
}

// New creates an empty trie backed by store.
func New(store NodeStore) *Trie {
	return &Trie{store: store}
}

// Open returns the trie rooted at root. The root node must be present in
// store unless root is EmptyRoot.
func Open(store NodeStore, root types.Hash) (*Trie, error) {
	if root == EmptyRoot {
		return New(store), nil
	}
	n, err := resolve(store, hashNode(root))
	if err != nil {
		return nil, err
	}
	return &Trie{root: n, store: store}, nil
}

// Store returns the node store backing the trie.
func (t *Trie) Store() NodeStore {
	return t.store
}

// IsEmpty reports whether the trie has no entries.
func (t *Trie) IsEmpty() bool {
	return t.root == nil
}

func resolve(store NodeStore, n node) (node, error) {
	h, ok := n.(hashNode)
	if !ok {
		return n, nil
	}
	data, err := store.Get(types.Hash(h))
	if err != nil {
		return nil, err
	}
	return decodeNode(types.Hash(h), data)
}

// Get returns the value stored under key. The second result is false when
// the key is absent.
func (t *Trie) Get(key Key) ([]byte, bool, error) {
	n := t.root
	for depth := 0; n != nil; depth++ {
		var err error
		if n, err = resolve(t.store, n); err != nil {
			return nil, false, err
		}
		switch cur := n.(type) {
		case *leafNode:
			if cur.key != key {
				return nil, false, nil
			}
			return append([]byte(nil), cur.value...), true, nil
		case *branchNode:
			if depth >= maxDepth {
				return nil, false, errTooDeep(cur)
			}
			n = cur.children[nibble(key, depth)]
		}
	}
	return nil, false, nil
}

// Has reports whether key is present.
func (t *Trie) Has(key Key) (bool, error) {
	_, ok, err := t.Get(key)
	return ok, err
}

// Insert returns a trie with key set to value.
func (t *Trie) Insert(key Key, value []byte) (*Trie, error) {
	leaf := &leafNode{key: key, value: append([]byte(nil), value...)}
	root, err := t.insert(t.root, 0, leaf)
	if err != nil {
		return nil, err
	}
	return &Trie{root: root, store: t.store}, nil
}

func (t *Trie) insert(n node, depth int, leaf *leafNode) (node, error) {
	if n == nil {
		return leaf, nil
	}
	n, err := resolve(t.store, n)
	if err != nil {
		return nil, err
	}
	switch cur := n.(type) {
	case *leafNode:
		if cur.key == leaf.key {
			if bytes.Equal(cur.value, leaf.value) {
				return cur, nil
			}
			return leaf, nil
		}
		return split(cur, leaf, depth), nil
	case *branchNode:
		if depth >= maxDepth {
			return nil, errTooDeep(cur)
		}
		idx := nibble(leaf.key, depth)
		child, err := t.insert(cur.children[idx], depth+1, leaf)
		if err != nil {
			return nil, err
		}
		if child == cur.children[idx] {
			return cur, nil
		}
		out := cur.clone()
		out.children[idx] = child
		return out, nil
	}
	return nil, fmt.Errorf("unexpected node type %T", n)
}

// errTooDeep reports a branch below the deepest level a 32-byte key can
// address. Only a store holding crafted nodes produces one.
func errTooDeep(b *branchNode) error {
	if b.hash != nil {
		return fmt.Errorf("%w: %s: branch below key depth", ErrCorruptNode, *b.hash)
	}
	return fmt.Errorf("%w: branch below key depth", ErrCorruptNode)
}

// split builds the branch chain separating two distinct leaves from depth on.
func split(a, b *leafNode, depth int) node {
	br := &branchNode{}
	na, nb := nibble(a.key, depth), nibble(b.key, depth)
	if na == nb {
		br.children[na] = split(a, b, depth+1)
		return br
	}
	br.children[na] = a
	br.children[nb] = b
	return br
}

// Delete returns a trie without key. Deleting an absent key returns t.
func (t *Trie) Delete(key Key) (*Trie, error) {
	root, changed, err := t.delete(t.root, 0, key)
	if err != nil {
		return nil, err
	}
	if !changed {
		return t, nil
	}
	return &Trie{root: root, store: t.store}, nil
}

func (t *Trie) delete(n node, depth int, key Key) (node, bool, error) {
	if n == nil {
		return nil, false, nil
	}
	n, err := resolve(t.store, n)
	if err != nil {
		return nil, false, err
	}
	switch cur := n.(type) {
	case *leafNode:
		if cur.key != key {
			return cur, false, nil
		}
		return nil, true, nil
	case *branchNode:
		if depth >= maxDepth {
			return nil, false, errTooDeep(cur)
		}
		idx := nibble(key, depth)
		child, changed, err := t.delete(cur.children[idx], depth+1, key)
		if err != nil || !changed {
			return cur, false, err
		}
		out := cur.clone()
		out.children[idx] = child

		count, only := out.count()
		if count == 0 {
			return nil, true, nil
		}
		if count == 1 {
			// A lone leaf moves up; a lone branch still holds two keys.
			sole, err := resolve(t.store, out.children[only])
			if err != nil {
				return nil, false, err
			}
			if leaf, ok := sole.(*leafNode); ok {
				return leaf, true, nil
			}
		}
		return out, true, nil
	}
	return nil, false, fmt.Errorf("unexpected node type %T", n)
}

// Root hashes the trie, writes every node not yet stored to the node store,
// and returns the root hash.
func (t *Trie) Root() (types.Hash, error) {
	if t.root == nil {
		return EmptyRoot, nil
	}
	var hs hasher
	h := hs.hash(t.root)
	if len(hs.batch) > 0 {
		if err := t.store.PutBatch(hs.batch); err != nil {
			return types.Hash{}, fmt.Errorf("write trie nodes: %w", err)
		}
	}
	// Hashes are cached only once their nodes are stored, so a failed
	// write is retried in full.
	for _, fn := range hs.cache {
		fn()
	}
	return h, nil
}

// hasher collects the encodings of nodes not yet stored.
type hasher struct {
	batch []Entry
	cache []func()
}

func (hs *hasher) hash(n node) types.Hash {
	switch cur := n.(type) {
	case hashNode:
		return types.Hash(cur)
	case *leafNode:
		if cur.hash != nil {
			return *cur.hash
		}
		data := encodeLeaf(cur)
		h := types.HashBytes(data)
		hs.batch = append(hs.batch, Entry{Hash: h, Data: data})
		hs.cache = append(hs.cache, func() { cur.hash = &h })
		return h
	case *branchNode:
		if cur.hash != nil {
			return *cur.hash
		}
		var bitmap uint16
		hashes := make([]types.Hash, 0, 16)
		for i, c := range cur.children {
			if c == nil {
				continue
			}
			bitmap |= 1 << i
			hashes = append(hashes, hs.hash(c))
		}
		data := encodeBranch(bitmap, hashes)
		h := types.HashBytes(data)
		hs.batch = append(hs.batch, Entry{Hash: h, Data: data})
		hs.cache = append(hs.cache, func() { cur.hash = &h })
		return h
	}
	return types.Hash{}
}

// Iterate calls fn for every entry in ascending key order. Returning
// ErrStopIteration from fn ends iteration without error.
func (t *Trie) Iterate(fn func(key Key, value []byte) error) error {
	err := t.walk(t.root, 0, fn)
	if errors.Is(err, ErrStopIteration) {
		return nil
	}
	return err
}

func (t *Trie) walk(n node, depth int, fn func(Key, []byte) error) error {
	if n == nil {
		return nil
	}
	n, err := resolve(t.store, n)
	if err != nil {
		return err
	}
	switch cur := n.(type) {
	case *leafNode:
		return fn(cur.key, cur.value)
	case *branchNode:
		if depth >= maxDepth {
			return errTooDeep(cur)
		}
		for _, c := range cur.children {
			if err := t.walk(c, depth+1, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of entries.
func (t *Trie) Len() (int, error) {
	n := 0
	err := t.Iterate(func(Key, []byte) error {
		n++
		return nil
	})
	return n, err
}
