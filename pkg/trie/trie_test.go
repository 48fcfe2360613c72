package trie

import (
	"bytes"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortiblox/contractvm/internal/types"
)

func keyN(i int) Key {
	return Key(types.HashBytes([]byte(fmt.Sprintf("key-%d", i))))
}

func TestEmptyTrie(t *testing.T) {
	tr := New(NewMemoryStore())
	root, err := tr.Root()
	require.NoError(t, err)
	require.Equal(t, EmptyRoot, root)

	_, ok, err := tr.Get(keyN(0))
	require.NoError(t, err)
	require.False(t, ok)

	n, err := tr.Len()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestInsertGetDelete(t *testing.T) {
	store := NewMemoryStore()
	tr := New(store)

	var err error
	for i := 0; i < 200; i++ {
		tr, err = tr.Insert(keyN(i), []byte(fmt.Sprintf("value-%d", i)))
		require.NoError(t, err)
	}
	for i := 0; i < 200; i++ {
		v, ok, err := tr.Get(keyN(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte(fmt.Sprintf("value-%d", i)), v)
	}

	n, err := tr.Len()
	require.NoError(t, err)
	require.Equal(t, 200, n)

	for i := 0; i < 200; i += 2 {
		tr, err = tr.Delete(keyN(i))
		require.NoError(t, err)
	}
	for i := 0; i < 200; i++ {
		_, ok, err := tr.Get(keyN(i))
		require.NoError(t, err)
		require.Equal(t, i%2 == 1, ok, "key %d", i)
	}
}

func TestCopyOnWrite(t *testing.T) {
	tr := New(NewMemoryStore())
	v1, err := tr.Insert(keyN(1), []byte("one"))
	require.NoError(t, err)
	v2, err := v1.Insert(keyN(1), []byte("uno"))
	require.NoError(t, err)
	v3, err := v2.Delete(keyN(1))
	require.NoError(t, err)

	got, _, _ := v1.Get(keyN(1))
	require.Equal(t, []byte("one"), got)
	got, _, _ = v2.Get(keyN(1))
	require.Equal(t, []byte("uno"), got)
	require.True(t, v3.IsEmpty())
	require.True(t, tr.IsEmpty())
}

func TestCanonicalShape(t *testing.T) {
	keys := make([]int, 64)
	for i := range keys {
		keys[i] = i
	}

	build := func(order []int) types.Hash {
		tr := New(NewMemoryStore())
		var err error
		for _, i := range order {
			tr, err = tr.Insert(keyN(i), []byte{byte(i)})
			require.NoError(t, err)
		}
		root, err := tr.Root()
		require.NoError(t, err)
		return root
	}

	want := build(keys)
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 5; round++ {
		shuffled := append([]int(nil), keys...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		require.Equal(t, want, build(shuffled))
	}

	// Inserting extra keys and deleting them again restores the root.
	tr := New(NewMemoryStore())
	var err error
	for _, i := range keys {
		tr, err = tr.Insert(keyN(i), []byte{byte(i)})
		require.NoError(t, err)
	}
	for i := 100; i < 120; i++ {
		tr, err = tr.Insert(keyN(i), []byte("extra"))
		require.NoError(t, err)
	}
	for i := 100; i < 120; i++ {
		tr, err = tr.Delete(keyN(i))
		require.NoError(t, err)
	}
	root, err := tr.Root()
	require.NoError(t, err)
	require.Equal(t, want, root)
}

func TestSharedPrefixKeys(t *testing.T) {
	var a, b Key
	a[31] = 0x01
	b[31] = 0x02

	tr := New(NewMemoryStore())
	tr, err := tr.Insert(a, []byte("a"))
	require.NoError(t, err)
	tr, err = tr.Insert(b, []byte("b"))
	require.NoError(t, err)

	v, ok, err := tr.Get(b)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("b"), v)

	tr, err = tr.Delete(a)
	require.NoError(t, err)

	single := New(NewMemoryStore())
	single, err = single.Insert(b, []byte("b"))
	require.NoError(t, err)

	r1, err := tr.Root()
	require.NoError(t, err)
	r2, err := single.Root()
	require.NoError(t, err)
	require.Equal(t, r2, r1)
}

func TestIterateOrdered(t *testing.T) {
	tr := New(NewMemoryStore())
	var err error
	for i := 0; i < 50; i++ {
		tr, err = tr.Insert(keyN(i), nil)
		require.NoError(t, err)
	}

	var prev *Key
	count := 0
	err = tr.Iterate(func(k Key, _ []byte) error {
		if prev != nil && bytes.Compare(prev[:], k[:]) >= 0 {
			t.Fatalf("keys out of order: %x then %x", prev[:], k[:])
		}
		kk := k
		prev = &kk
		count++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 50, count)

	count = 0
	err = tr.Iterate(func(Key, []byte) error {
		count++
		if count == 3 {
			return ErrStopIteration
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestOpenFromRoot(t *testing.T) {
	store := NewMemoryStore()
	tr := New(store)
	var err error
	for i := 0; i < 20; i++ {
		tr, err = tr.Insert(keyN(i), []byte{byte(i)})
		require.NoError(t, err)
	}
	root, err := tr.Root()
	require.NoError(t, err)

	reopened, err := Open(store, root)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		v, ok, err := reopened.Get(keyN(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte{byte(i)}, v)
	}

	// Mutating a reopened trie resolves nodes lazily.
	next, err := reopened.Delete(keyN(3))
	require.NoError(t, err)
	ok, err := next.Has(keyN(3))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = Open(NewMemoryStore(), root)
	require.ErrorIs(t, err, ErrNodeNotFound)
}

func TestPersistRestore(t *testing.T) {
	src := NewMemoryStore()
	a := New(src)
	b := New(src)
	var err error
	for i := 0; i < 30; i++ {
		a, err = a.Insert(keyN(i), []byte("a"))
		require.NoError(t, err)
		b, err = b.Insert(keyN(i+1000), []byte("b"))
		require.NoError(t, err)
	}
	ra, err := a.Root()
	require.NoError(t, err)
	rb, err := b.Root()
	require.NoError(t, err)

	var buf bytes.Buffer
	written, err := Persist(&buf, src, ra, rb, EmptyRoot)
	require.NoError(t, err)
	require.Equal(t, src.Len(), written)

	dst := NewMemoryStore()
	roots, err := Restore(bytes.NewReader(buf.Bytes()), dst)
	require.NoError(t, err)
	require.Equal(t, []types.Hash{ra, rb, EmptyRoot}, roots)

	restored, err := Open(dst, ra)
	require.NoError(t, err)
	n, err := restored.Len()
	require.NoError(t, err)
	require.Equal(t, 30, n)
}

func TestRestoreRejectsCorruption(t *testing.T) {
	src := NewMemoryStore()
	tr, err := New(src).Insert(keyN(1), []byte("x"))
	require.NoError(t, err)
	root, err := tr.Root()
	require.NoError(t, err)

	// Store a node under the wrong hash.
	bad := NewMemoryStore()
	data, err := src.Get(root)
	require.NoError(t, err)
	data = append(append([]byte(nil), data...), 0xFF)
	require.NoError(t, bad.Put(root, data))

	var buf bytes.Buffer
	_, err = Persist(&buf, bad, root)
	require.NoError(t, err)
	_, err = Restore(&buf, NewMemoryStore())
	require.ErrorIs(t, err, ErrCorruptNode)

	_, err = Restore(bytes.NewReader([]byte("nope, not a snapshot")), NewMemoryStore())
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestBackends(t *testing.T) {
	dir := t.TempDir()

	badgerStore, err := NewBadgerStore(DefaultBadgerStoreConfig(filepath.Join(dir, "badger")))
	require.NoError(t, err)
	boltStore, err := NewBoltStore(DefaultBoltStoreConfig(filepath.Join(dir, "bolt", "nodes.db")))
	require.NoError(t, err)
	cached, err := NewCachedStore(NewMemoryStore(), 8)
	require.NoError(t, err)

	backends := map[string]NodeStore{
		"badger": badgerStore,
		"bolt":   boltStore,
		"cached": cached,
	}

	for name, store := range backends {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			tr := New(store)
			for i := 0; i < 40; i++ {
				tr, err = tr.Insert(keyN(i), []byte{byte(i)})
				require.NoError(t, err)
			}
			root, err := tr.Root()
			require.NoError(t, err)

			_, err = store.Get(types.HashBytes([]byte("missing")))
			require.ErrorIs(t, err, ErrNodeNotFound)

			hs, ok := store.(HeadStore)
			require.True(t, ok)
			head, err := hs.Head()
			require.NoError(t, err)
			require.Equal(t, EmptyRoot, head)
			require.NoError(t, hs.SetHead(root))
			head, err = hs.Head()
			require.NoError(t, err)
			require.Equal(t, root, head)

			reopened, err := Open(store, root)
			require.NoError(t, err)
			n, err := reopened.Len()
			require.NoError(t, err)
			require.Equal(t, 40, n)

			// Every backend counts, the cache by asking what it wraps.
			nodes, ok, err := NodeCount(store)
			require.NoError(t, err)
			require.True(t, ok)
			require.Greater(t, nodes, 40)
			require.NoError(t, RunGC(store))
		})
	}
}

func TestRejectsOverlongBranchChain(t *testing.T) {
	src := NewMemoryStore()
	var key Key
	leaf := encodeLeaf(&leafNode{key: key, value: []byte("v")})
	h := types.HashBytes(leaf)
	require.NoError(t, src.Put(h, leaf))
	for i := 0; i < 70; i++ {
		data := encodeBranch(1, []types.Hash{h})
		h = types.HashBytes(data)
		require.NoError(t, src.Put(h, data))
	}

	// Every node matches its hash, so the stream restores cleanly.
	var buf bytes.Buffer
	_, err := Persist(&buf, src, h)
	require.NoError(t, err)
	dst := NewMemoryStore()
	_, err = Restore(&buf, dst)
	require.NoError(t, err)

	tr, err := Open(dst, h)
	require.NoError(t, err)

	_, _, err = tr.Get(key)
	require.ErrorIs(t, err, ErrCorruptNode)
	_, err = tr.Insert(key, []byte("w"))
	require.ErrorIs(t, err, ErrCorruptNode)
	_, err = tr.Delete(key)
	require.ErrorIs(t, err, ErrCorruptNode)
	err = tr.Iterate(func(Key, []byte) error { return nil })
	require.ErrorIs(t, err, ErrCorruptNode)
}

// flakyStore fails the next PutBatch when fail is set.
type flakyStore struct {
	*MemoryStore
	fail bool
}

func (f *flakyStore) PutBatch(entries []Entry) error {
	if f.fail {
		f.fail = false
		return fmt.Errorf("disk full")
	}
	return f.MemoryStore.PutBatch(entries)
}

func TestRootRetriesFailedWrite(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), fail: true}
	tr := New(store)
	var err error
	for i := 0; i < 50; i++ {
		tr, err = tr.Insert(keyN(i), []byte{byte(i)})
		require.NoError(t, err)
	}

	_, err = tr.Root()
	require.Error(t, err)

	root, err := tr.Root()
	require.NoError(t, err)

	reopened, err := Open(store.MemoryStore, root)
	require.NoError(t, err)
	n, err := reopened.Len()
	require.NoError(t, err)
	if n != 50 {
		t.Fatalf("Len() = %d after retried write, want 50", n)
	}
}
