package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContractIDForCodeIsContentDerived(t *testing.T) {
	code := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	a := ContractIDForCode(code)
	b := ContractIDForCode(append([]byte(nil), code...))
	require.Equal(t, a, b)

	c := ContractIDForCode(append(code, 0x00))
	require.NotEqual(t, a, c)
}

func TestContractIDBase58RoundTrip(t *testing.T) {
	id := ContractIDForCode([]byte("contract"))

	parsed, err := ContractIDFromBase58(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	text, err := id.MarshalText()
	require.NoError(t, err)

	var back ContractID
	require.NoError(t, back.UnmarshalText(text))
	require.Equal(t, id, back)
}

func TestContractIDFromBytesRejectsWrongLength(t *testing.T) {
	_, err := ContractIDFromBytes(make([]byte, 31))
	require.ErrorIs(t, err, ErrInvalidContractID)

	_, err = HashFromBytes(make([]byte, 33))
	require.ErrorIs(t, err, ErrInvalidHash)
}

func TestReservedIDsAreDistinct(t *testing.T) {
	require.NotEqual(t, ReservedID("hash"), ReservedID("other"))
	require.Equal(t, HashModuleID, ReservedID("hash"))
	require.False(t, HashModuleID.IsZero())
}
