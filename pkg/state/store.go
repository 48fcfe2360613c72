package state

import (
	"fmt"
	"io"

	"github.com/fortiblox/contractvm/internal/types"
	"github.com/fortiblox/contractvm/pkg/contract"
	"github.com/fortiblox/contractvm/pkg/trie"
)

// Store maps contract ids to their state. It is backed by a trie keyed by
// ContractID whose leaves are encoded state records; each record carries
// the root of that contract's storage trie. All tries share one node store.
//
// A Store is not safe for concurrent use. One call tree owns it at a time.
type Store struct {
	nodes     trie.NodeStore
	contracts *trie.Trie
}

// Snapshot is a saved store position that Revert can return to.
type Snapshot struct {
	contracts *trie.Trie
}

// NewStore creates an empty store over nodes.
func NewStore(nodes trie.NodeStore) *Store {
	return &Store{
		nodes:     nodes,
		contracts: trie.New(nodes),
	}
}

// OpenStore opens the store at root.
func OpenStore(nodes trie.NodeStore, root types.Hash) (*Store, error) {
	contracts, err := trie.Open(nodes, root)
	if err != nil {
		return nil, fmt.Errorf("open contracts trie: %w", err)
	}
	return &Store{nodes: nodes, contracts: contracts}, nil
}

// Nodes returns the backing node store.
func (s *Store) Nodes() trie.NodeStore {
	return s.nodes
}

// NewState creates a fresh state for code in this store's node space.
func (s *Store) NewState(code contract.MeteredContract) ContractState {
	return New(code, s.nodes)
}

// Get returns the state of id. The second result is false when id is
// unknown, which is not an error.
func (s *Store) Get(id types.ContractID) (ContractState, bool, error) {
	data, ok, err := s.contracts.Get(trie.Key(id))
	if err != nil || !ok {
		return ContractState{}, false, err
	}
	st, err := decodeRecord(data, s.nodes)
	if err != nil {
		return ContractState{}, false, fmt.Errorf("contract %s: %w", id, err)
	}
	return st, true, nil
}

// Has reports whether id has a state entry.
func (s *Store) Has(id types.ContractID) (bool, error) {
	return s.contracts.Has(trie.Key(id))
}

// Put replaces the state of id.
func (s *Store) Put(id types.ContractID, st ContractState) error {
	if st.storage == nil {
		st.storage = trie.New(s.nodes)
	}
	data, err := encodeRecord(st)
	if err != nil {
		return fmt.Errorf("contract %s: %w", id, err)
	}
	next, err := s.contracts.Insert(trie.Key(id), data)
	if err != nil {
		return err
	}
	s.contracts = next
	return nil
}

// GetOrDefault returns the state of id, inserting a zero state with no
// code when id is unknown.
func (s *Store) GetOrDefault(id types.ContractID) (ContractState, error) {
	st, ok, err := s.Get(id)
	if err != nil {
		return ContractState{}, err
	}
	if ok {
		return st, nil
	}
	st = ContractState{storage: trie.New(s.nodes)}
	if err := s.Put(id, st); err != nil {
		return ContractState{}, err
	}
	return st, nil
}

// Mutate applies fn to the state of id and stores the result. It returns
// false without calling fn when id is unknown. Nothing is stored if fn
// fails.
func (s *Store) Mutate(id types.ContractID, fn func(*ContractState) error) (bool, error) {
	st, ok, err := s.Get(id)
	if err != nil || !ok {
		return false, err
	}
	if err := fn(&st); err != nil {
		return true, err
	}
	return true, s.Put(id, st)
}

// CommitImage merges a new balance and nonce into the stored state of id,
// keeping its code and current storage.
func (s *Store) CommitImage(id types.ContractID, img Image) error {
	found, err := s.Mutate(id, func(st *ContractState) error {
		return st.ApplyImage(img)
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Snapshot returns the current position. Snapshots are free: the trie is
// persistent.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{contracts: s.contracts}
}

// Revert returns the store to a snapshot.
func (s *Store) Revert(snap Snapshot) {
	if snap.contracts != nil {
		s.contracts = snap.contracts
	}
}

// Root writes all pending nodes and returns the root hash.
func (s *Store) Root() (types.Hash, error) {
	return s.contracts.Root()
}

// Iterate calls fn for each contract in id order.
func (s *Store) Iterate(fn func(id types.ContractID, st ContractState) error) error {
	return s.contracts.Iterate(func(k trie.Key, data []byte) error {
		id := types.ContractID(k)
		st, err := decodeRecord(data, s.nodes)
		if err != nil {
			return fmt.Errorf("contract %s: %w", id, err)
		}
		return fn(id, st)
	})
}

// Count returns the number of contracts.
func (s *Store) Count() (int, error) {
	return s.contracts.Len()
}

// Persist writes the whole store, including every contract's storage, to w.
// It returns the number of nodes written.
func (s *Store) Persist(w io.Writer) (int, error) {
	root, err := s.Root()
	if err != nil {
		return 0, err
	}
	roots := []types.Hash{root}
	err = s.contracts.Iterate(func(k trie.Key, data []byte) error {
		sr, err := storageRoot(data)
		if err != nil {
			return fmt.Errorf("contract %s: %w", types.ContractID(k), err)
		}
		if sr != trie.EmptyRoot {
			roots = append(roots, sr)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return trie.Persist(w, s.nodes, roots...)
}

// Restore loads a stream written by Persist and moves the store to its
// root.
func (s *Store) Restore(r io.Reader) error {
	roots, err := trie.Restore(r, s.nodes)
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		return fmt.Errorf("%w: no roots", trie.ErrInvalidSnapshot)
	}
	contracts, err := trie.Open(s.nodes, roots[0])
	if err != nil {
		return err
	}
	s.contracts = contracts
	return nil
}
