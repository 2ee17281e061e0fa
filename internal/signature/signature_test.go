package signature

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignatureRPCRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	digest := Keccak256([]byte("channel payment"))
	sig := Sign(key, digest)

	parsed, err := ParseRPC(sig.String())
	require.NoError(t, err)
	require.True(t, sig.Equal(parsed))
}

func TestParseRPCRejectsBadInput(t *testing.T) {
	_, err := ParseRPC("0xdeadbeef")
	require.Error(t, err)

	_, err = ParseRPC("not-hex")
	require.Error(t, err)
}

func TestRecoverSigner(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	digest := Keccak256([]byte("payload"))
	sig := Sign(key, digest)

	signer, err := RecoverSigner(digest, sig)
	require.NoError(t, err)
	require.True(t, AddressesEqual(signer, KeyAddress(key)))

	// A different digest must not recover the same account.
	other, err := RecoverSigner(Keccak256([]byte("other payload")), sig)
	if err == nil {
		require.False(t, AddressesEqual(other, KeyAddress(key)))
	}
}

func TestFromPartsValidatesLengths(t *testing.T) {
	_, err := FromParts(27, make([]byte, 31), make([]byte, 32))
	require.Error(t, err)

	sig, err := FromParts(28, make([]byte, 32), make([]byte, 32))
	require.NoError(t, err)
	require.Equal(t, byte(28), sig.V)
}

func TestParseKeyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	parsed, err := ParseKey(AddressPrefix + hex.EncodeToString(key.Serialize()))
	require.NoError(t, err)
	require.Equal(t, KeyAddress(key), KeyAddress(parsed))
}

func TestTokenDefined(t *testing.T) {
	require.False(t, TokenDefined(""))
	require.False(t, TokenDefined("0x0000000000000000000000000000000000000000"))
	require.False(t, TokenDefined("1234"))
	require.True(t, TokenDefined("0x9a1b2c3d4e5f60718293a4b5c6d7e8f901234567"))
}
