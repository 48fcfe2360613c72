package trie

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/contractvm/internal/types"
)

// Snapshot stream format version.
const persistVersion uint32 = 1

// Snapshot stream magic bytes for format validation.
var persistMagic = []byte{'C', 'V', 'M', 'S'}

// Maximum encoded node size accepted by Restore.
const maxNodeSize = 64 << 20

var (
	// ErrInvalidSnapshot is returned for a stream with a bad header.
	ErrInvalidSnapshot = errors.New("invalid trie snapshot")
)

// Persist writes every node reachable from roots to w.
//
// Stream format:
//   - Magic (4 bytes): "CVMS"
//   - Version (4 bytes, little-endian)
//   - RootCount (4 bytes, little-endian)
//   - Roots (32 bytes each)
//   - Nodes (zstd compressed), each:
//   - Hash (32 bytes)
//   - Size (4 bytes, little-endian)
//   - Data (encoded node)
//
// Nodes shared between roots are written once.
func Persist(w io.Writer, store NodeStore, roots ...types.Hash) (int, error) {
	header := make([]byte, 0, 12+len(roots)*types.HashSize)
	header = append(header, persistMagic...)
	header = binary.LittleEndian.AppendUint32(header, persistVersion)
	header = binary.LittleEndian.AppendUint32(header, uint32(len(roots)))
	for _, r := range roots {
		header = append(header, r[:]...)
	}
	if _, err := w.Write(header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	bw := bufio.NewWriter(enc)

	seen := make(map[types.Hash]struct{})
	stack := make([]types.Hash, 0, len(roots))
	for _, r := range roots {
		if r != EmptyRoot {
			stack = append(stack, r)
		}
	}

	var rec [types.HashSize + 4]byte
	count := 0
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}

		data, err := store.Get(h)
		if err != nil {
			enc.Close()
			return count, fmt.Errorf("read node %s: %w", h, err)
		}
		copy(rec[:], h[:])
		binary.LittleEndian.PutUint32(rec[types.HashSize:], uint32(len(data)))
		if _, err := bw.Write(rec[:]); err != nil {
			enc.Close()
			return count, err
		}
		if _, err := bw.Write(data); err != nil {
			enc.Close()
			return count, err
		}
		count++
		stack = append(stack, childHashes(data)...)
	}

	if err := bw.Flush(); err != nil {
		enc.Close()
		return count, fmt.Errorf("flush: %w", err)
	}
	if err := enc.Close(); err != nil {
		return count, fmt.Errorf("close zstd writer: %w", err)
	}
	return count, nil
}

// Restore reads a stream produced by Persist into store and returns its
// roots. Every node is checked against its hash before it is stored, and
// every root must be present once the stream ends.
func Restore(r io.Reader, store NodeStore) ([]types.Hash, error) {
	br := bufio.NewReader(r)

	var fixed [12]byte
	if _, err := io.ReadFull(br, fixed[:]); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrInvalidSnapshot, err)
	}
	if !bytes.Equal(fixed[:4], persistMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidSnapshot)
	}
	if v := binary.LittleEndian.Uint32(fixed[4:8]); v != persistVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, v)
	}
	n := binary.LittleEndian.Uint32(fixed[8:12])
	if n > 1<<20 {
		return nil, fmt.Errorf("%w: %d roots", ErrInvalidSnapshot, n)
	}
	roots := make([]types.Hash, n)
	for i := range roots {
		if _, err := io.ReadFull(br, roots[i][:]); err != nil {
			return nil, fmt.Errorf("%w: read root: %v", ErrInvalidSnapshot, err)
		}
	}

	dec, err := zstd.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	const batchSize = 1024
	batch := make([]Entry, 0, batchSize)
	var rec [types.HashSize + 4]byte
	for {
		if _, err := io.ReadFull(dec, rec[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read node header: %w", err)
		}
		var h types.Hash
		copy(h[:], rec[:types.HashSize])
		size := binary.LittleEndian.Uint32(rec[types.HashSize:])
		if size > maxNodeSize {
			return nil, fmt.Errorf("%w: %s: size %d", ErrCorruptNode, h, size)
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(dec, data); err != nil {
			return nil, fmt.Errorf("read node %s: %w", h, err)
		}
		if types.HashBytes(data) != h {
			return nil, fmt.Errorf("%w: %s: hash mismatch", ErrCorruptNode, h)
		}
		batch = append(batch, Entry{Hash: h, Data: data})
		if len(batch) == batchSize {
			if err := store.PutBatch(batch); err != nil {
				return nil, err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := store.PutBatch(batch); err != nil {
			return nil, err
		}
	}

	for _, root := range roots {
		if root == EmptyRoot {
			continue
		}
		if _, err := store.Get(root); err != nil {
			return nil, fmt.Errorf("root %s: %w", root, err)
		}
	}
	return roots, nil
}
