package trie

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/fortiblox/contractvm/internal/types"
)

// Node type tags.
const (
	tagLeaf   = byte(0x00)
	tagBranch = byte(0x01)
)

// Encoded sizes.
const (
	leafHeaderSize   = 1 + KeySize + 4
	branchHeaderSize = 1 + 2
	maxDepth         = KeySize * 2
)

// node is one of *leafNode, *branchNode or hashNode. Nodes are never
// modified after construction apart from caching their own hash.
type node interface {
	isNode()
}

type leafNode struct {
	key   Key
	value []byte
	hash  *types.Hash
}

type branchNode struct {
	children [16]node
	hash     *types.Hash
}

// hashNode is a child that has not been loaded from the node store.
type hashNode types.Hash

func (*leafNode) isNode()   {}
func (*branchNode) isNode() {}
func (hashNode) isNode()    {}

func nibble(k Key, depth int) byte {
	b := k[depth/2]
	if depth%2 == 0 {
		return b >> 4
	}
	return b & 0x0f
}

func (b *branchNode) count() (n int, only int) {
	only = -1
	for i, c := range b.children {
		if c != nil {
			n++
			only = i
		}
	}
	return n, only
}

func (b *branchNode) clone() *branchNode {
	return &branchNode{children: b.children}
}

// encodeLeaf returns 0x00 | key | u32 len | value.
func encodeLeaf(n *leafNode) []byte {
	buf := make([]byte, leafHeaderSize+len(n.value))
	buf[0] = tagLeaf
	copy(buf[1:], n.key[:])
	binary.LittleEndian.PutUint32(buf[1+KeySize:], uint32(len(n.value)))
	copy(buf[leafHeaderSize:], n.value)
	return buf
}

// encodeBranch returns 0x01 | u16 bitmap | child hashes in nibble order.
// Every child must already be hashed.
func encodeBranch(bitmap uint16, hashes []types.Hash) []byte {
	buf := make([]byte, branchHeaderSize, branchHeaderSize+len(hashes)*types.HashSize)
	buf[0] = tagBranch
	binary.LittleEndian.PutUint16(buf[1:], bitmap)
	for _, h := range hashes {
		buf = append(buf, h[:]...)
	}
	return buf
}

// decodeNode parses an encoded node. Branch children come back as
// unresolved hash nodes.
func decodeNode(h types.Hash, data []byte) (node, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s: empty", ErrCorruptNode, h)
	}
	switch data[0] {
	case tagLeaf:
		if len(data) < leafHeaderSize {
			return nil, fmt.Errorf("%w: %s: short leaf", ErrCorruptNode, h)
		}
		n := &leafNode{hash: &h}
		copy(n.key[:], data[1:1+KeySize])
		size := binary.LittleEndian.Uint32(data[1+KeySize:])
		if uint64(len(data)-leafHeaderSize) != uint64(size) {
			return nil, fmt.Errorf("%w: %s: leaf length %d, have %d", ErrCorruptNode, h, size, len(data)-leafHeaderSize)
		}
		n.value = append([]byte(nil), data[leafHeaderSize:]...)
		return n, nil

	case tagBranch:
		if len(data) < branchHeaderSize {
			return nil, fmt.Errorf("%w: %s: short branch", ErrCorruptNode, h)
		}
		bitmap := binary.LittleEndian.Uint16(data[1:])
		want := branchHeaderSize + bits.OnesCount16(bitmap)*types.HashSize
		if len(data) != want || bitmap == 0 {
			return nil, fmt.Errorf("%w: %s: bad branch layout", ErrCorruptNode, h)
		}
		n := &branchNode{hash: &h}
		off := branchHeaderSize
		for i := 0; i < 16; i++ {
			if bitmap&(1<<i) == 0 {
				continue
			}
			var child types.Hash
			copy(child[:], data[off:off+types.HashSize])
			n.children[i] = hashNode(child)
			off += types.HashSize
		}
		return n, nil

	default:
		return nil, fmt.Errorf("%w: %s: unknown tag %#x", ErrCorruptNode, h, data[0])
	}
}

// childHashes lists the hashes referenced by an encoded node.
func childHashes(data []byte) []types.Hash {
	if len(data) < branchHeaderSize || data[0] != tagBranch {
		return nil
	}
	rest := data[branchHeaderSize:]
	out := make([]types.Hash, 0, len(rest)/types.HashSize)
	for len(rest) >= types.HashSize {
		var h types.Hash
		copy(h[:], rest[:types.HashSize])
		out = append(out, h)
		rest = rest[types.HashSize:]
	}
	return out
}
