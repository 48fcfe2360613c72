// Package state holds per-contract state and the persistent contract store.
package state

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/fortiblox/contractvm/internal/types"
	"github.com/fortiblox/contractvm/pkg/codec"
	"github.com/fortiblox/contractvm/pkg/contract"
	"github.com/fortiblox/contractvm/pkg/trie"
)

// ImageSize is the size of the state image written into linear memory:
// balance (16 bytes LE) followed by nonce (8 bytes LE).
const ImageSize = codec.U128Size + codec.U64Size

var (
	// ErrBalanceOverflow is returned when a balance would exceed 128 bits.
	ErrBalanceOverflow = errors.New("balance exceeds 128 bits")

	// ErrInsufficientBalance is returned when subtracting more than the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNotFound is returned by operations that require an existing entry.
	ErrNotFound = errors.New("contract state not found")

	// ErrCodeAttached is returned when attaching code to a state that has some.
	ErrCodeAttached = errors.New("contract state already has code")
)

// Image is the part of a contract's state that crosses into the sandbox.
type Image struct {
	Balance uint256.Int
	Nonce   uint64
}

// EncodeTo implements codec.Encodable.
func (img Image) EncodeTo(e *codec.Encoder) error {
	if err := e.PutU128(&img.Balance); err != nil {
		return fmt.Errorf("%w: %v", ErrBalanceOverflow, err)
	}
	e.PutUint64(img.Nonce)
	return nil
}

// DecodeFrom implements codec.Decodable.
func (img *Image) DecodeFrom(d *codec.Decoder) error {
	bal, err := d.U128()
	if err != nil {
		return err
	}
	nonce, err := d.Uint64()
	if err != nil {
		return err
	}
	img.Balance = *bal
	img.Nonce = nonce
	return nil
}

// Bytes returns the 24-byte encoding.
func (img Image) Bytes() []byte {
	e := codec.NewEncoder(ImageSize)
	// Balances are kept within 128 bits by every setter.
	_ = img.EncodeTo(e)
	return e.Bytes()
}

// ContractState is one contract's balance, nonce, code and private storage.
// It has value semantics: the storage trie is immutable, so copies never
// observe each other's writes.
type ContractState struct {
	balance uint256.Int
	nonce   uint64
	code    contract.MeteredContract
	storage *trie.Trie
}

// New creates a zero-balance, zero-nonce state for code with empty storage
// in nodes.
func New(code contract.MeteredContract, nodes trie.NodeStore) ContractState {
	return ContractState{
		code:    code,
		storage: trie.New(nodes),
	}
}

// Balance returns a copy of the balance.
func (s ContractState) Balance() *uint256.Int {
	b := s.balance
	return &b
}

// SetBalance replaces the balance.
func (s *ContractState) SetBalance(v *uint256.Int) error {
	if v.BitLen() > 128 {
		return ErrBalanceOverflow
	}
	s.balance = *v
	return nil
}

// AddBalance increases the balance by v.
func (s *ContractState) AddBalance(v *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(&s.balance, v)
	if overflow || sum.BitLen() > 128 {
		return ErrBalanceOverflow
	}
	s.balance = *sum
	return nil
}

// SubBalance decreases the balance by v.
func (s *ContractState) SubBalance(v *uint256.Int) error {
	if s.balance.Lt(v) {
		return ErrInsufficientBalance
	}
	s.balance.Sub(&s.balance, v)
	return nil
}

// Nonce returns the nonce.
func (s ContractState) Nonce() uint64 {
	return s.nonce
}

// SetNonce replaces the nonce.
func (s *ContractState) SetNonce(n uint64) {
	s.nonce = n
}

// Code returns the contract's code.
func (s ContractState) Code() contract.MeteredContract {
	return s.code
}

// AttachCode gives a state created without code its code. Balance, nonce
// and storage are kept.
func (s *ContractState) AttachCode(code contract.MeteredContract) error {
	if !s.code.IsEmpty() {
		return ErrCodeAttached
	}
	s.code = code
	return nil
}

// Storage returns the contract's storage trie.
func (s ContractState) Storage() *trie.Trie {
	return s.storage
}

// StorageGet reads a storage slot.
func (s ContractState) StorageGet(key trie.Key) ([]byte, bool, error) {
	return s.storage.Get(key)
}

// StorageSet writes a storage slot. An empty value deletes the slot.
func (s *ContractState) StorageSet(key trie.Key, value []byte) error {
	var (
		next *trie.Trie
		err  error
	)
	if len(value) == 0 {
		next, err = s.storage.Delete(key)
	} else {
		next, err = s.storage.Insert(key, value)
	}
	if err != nil {
		return err
	}
	s.storage = next
	return nil
}

// Image returns the sandbox-visible part of the state.
func (s ContractState) Image() Image {
	return Image{Balance: s.balance, Nonce: s.nonce}
}

// ApplyImage replaces balance and nonce, keeping code and storage.
func (s *ContractState) ApplyImage(img Image) error {
	if img.Balance.BitLen() > 128 {
		return ErrBalanceOverflow
	}
	s.balance = img.Balance
	s.nonce = img.Nonce
	return nil
}

// Equal reports whether two states have the same image, code and storage
// root. Storage roots are computed (and written) as a side effect.
func (s ContractState) Equal(o ContractState) (bool, error) {
	if s.Image() != o.Image() || s.code.Schedule() != o.code.Schedule() ||
		string(s.code.Bytecode()) != string(o.code.Bytecode()) {
		return false, nil
	}
	r1, err := s.storage.Root()
	if err != nil {
		return false, err
	}
	r2, err := o.storage.Root()
	if err != nil {
		return false, err
	}
	return r1 == r2, nil
}

// encodeRecord returns image | code | schedule | storage root.
func encodeRecord(s ContractState) ([]byte, error) {
	root, err := s.storage.Root()
	if err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	e := codec.NewEncoder(ImageSize + codec.U32Size + s.code.Len() + codec.U32Size + codec.HashSize)
	if err := s.Image().EncodeTo(e); err != nil {
		return nil, err
	}
	if err := s.code.EncodeTo(e); err != nil {
		return nil, err
	}
	e.PutHash(root)
	return e.Bytes(), nil
}

func decodeRecord(data []byte, nodes trie.NodeStore) (ContractState, error) {
	d := codec.NewDecoder(data)
	var (
		img  Image
		code contract.MeteredContract
	)
	if err := img.DecodeFrom(d); err != nil {
		return ContractState{}, fmt.Errorf("decode state image: %w", err)
	}
	if err := code.DecodeFrom(d); err != nil {
		return ContractState{}, fmt.Errorf("decode state code: %w", err)
	}
	root, err := d.Hash()
	if err != nil {
		return ContractState{}, fmt.Errorf("decode storage root: %w", err)
	}
	storage, err := trie.Open(nodes, types.Hash(root))
	if err != nil {
		return ContractState{}, fmt.Errorf("open storage: %w", err)
	}
	return ContractState{
		balance: img.Balance,
		nonce:   img.Nonce,
		code:    code,
		storage: storage,
	}, nil
}

// storageRoot returns the storage root recorded in an encoded record
// without opening the storage trie.
func storageRoot(data []byte) (types.Hash, error) {
	d := codec.NewDecoder(data)
	var img Image
	if err := img.DecodeFrom(d); err != nil {
		return types.Hash{}, err
	}
	if _, err := d.Bytes(); err != nil {
		return types.Hash{}, err
	}
	if _, err := d.Uint32(); err != nil {
		return types.Hash{}, err
	}
	root, err := d.Hash()
	return types.Hash(root), err
}
