// Package signature provides the recoverable secp256k1 signature and keccak
// digest primitives that channel payments are authorized with.
package signature

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

const (
	// AddressPrefix is the canonical hex prefix for account and contract
	// addresses.
	AddressPrefix = "0x"

	// AddressLength is the byte length of an account address.
	AddressLength = 20

	rpcSigLength = 65
)

// Signature is a recoverable (v, r, s) signature over a payment digest.
// V carries the recovery id in its 27/28 form.
type Signature struct {
	V byte
	R [32]byte
	S [32]byte
}

// FromParts builds a Signature from raw v, r and s components. r and s must
// each be exactly 32 bytes.
func FromParts(v byte, r, s []byte) (Signature, error) {
	var sig Signature
	if len(r) != 32 || len(s) != 32 {
		return sig, fmt.Errorf("signature parts must be 32 bytes, got r=%d s=%d", len(r), len(s))
	}
	sig.V = v
	copy(sig.R[:], r)
	copy(sig.S[:], s)
	return sig, nil
}

// ParseRPC parses the concatenated RPC hex encoding: 0x || r(32) || s(32) || v(1).
func ParseRPC(raw string) (Signature, error) {
	var sig Signature
	trimmed := strings.TrimPrefix(strings.TrimPrefix(raw, AddressPrefix), "0X")
	data, err := hex.DecodeString(trimmed)
	if err != nil {
		return sig, fmt.Errorf("failed to decode signature hex: %w", err)
	}
	if len(data) != rpcSigLength {
		return sig, fmt.Errorf("signature must be %d bytes, got %d", rpcSigLength, len(data))
	}
	copy(sig.R[:], data[0:32])
	copy(sig.S[:], data[32:64])
	sig.V = data[64]
	return sig, nil
}

// String renders the canonical RPC hex encoding.
func (sig Signature) String() string {
	data := make([]byte, 0, rpcSigLength)
	data = append(data, sig.R[:]...)
	data = append(data, sig.S[:]...)
	data = append(data, sig.V)
	return AddressPrefix + hex.EncodeToString(data)
}

// Equal reports structural equality.
func (sig Signature) Equal(other Signature) bool {
	return sig.V == other.V && sig.R == other.R && sig.S == other.S
}

// IsZero reports whether the signature is the zero value.
func (sig Signature) IsZero() bool {
	return sig.Equal(Signature{})
}

// compact returns the [v || r || s] layout used by the secp256k1 compact
// signature routines.
func (sig Signature) compact() []byte {
	data := make([]byte, 0, rpcSigLength)
	data = append(data, sig.V)
	data = append(data, sig.R[:]...)
	data = append(data, sig.S[:]...)
	return data
}

// Sign produces a recoverable signature over a 32-byte digest.
func Sign(key *secp256k1.PrivateKey, digest []byte) Signature {
	compact := secpecdsa.SignCompact(key, digest, false)

	var sig Signature
	sig.V = compact[0]
	copy(sig.R[:], compact[1:33])
	copy(sig.S[:], compact[33:65])
	return sig
}

// RecoverSigner recovers the hex address that produced sig over digest.
func RecoverSigner(digest []byte, sig Signature) (string, error) {
	pub, _, err := secpecdsa.RecoverCompact(sig.compact(), digest)
	if err != nil {
		return "", fmt.Errorf("failed to recover signer: %w", err)
	}
	return PubKeyAddress(pub), nil
}

// Keccak256 hashes the concatenation of the given chunks with legacy
// keccak-256, the digest function the channel contracts verify against.
func Keccak256(chunks ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, chunk := range chunks {
		h.Write(chunk)
	}
	return h.Sum(nil)
}

// PubKeyAddress derives the hex account address for a public key: the last 20
// bytes of the keccak-256 hash of the uncompressed point.
func PubKeyAddress(pub *secp256k1.PublicKey) string {
	raw := pub.SerializeUncompressed()
	hash := Keccak256(raw[1:])
	return AddressPrefix + hex.EncodeToString(hash[len(hash)-AddressLength:])
}

// KeyAddress derives the hex account address for a private key.
func KeyAddress(key *secp256k1.PrivateKey) string {
	return PubKeyAddress(key.PubKey())
}

// GenerateKey creates a fresh secp256k1 account key.
func GenerateKey() (*secp256k1.PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}

// ParseKey parses a hex-encoded private key, with or without the 0x prefix.
func ParseKey(raw string) (*secp256k1.PrivateKey, error) {
	trimmed := strings.TrimPrefix(raw, AddressPrefix)
	data, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key hex: %w", err)
	}
	if len(data) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(data))
	}
	return secp256k1.PrivKeyFromBytes(data), nil
}

// ParseAddress decodes a hex account or contract address into its fixed-width
// byte form for digest packing.
func ParseAddress(addr string) ([AddressLength]byte, error) {
	var out [AddressLength]byte
	trimmed := strings.TrimPrefix(strings.TrimPrefix(addr, AddressPrefix), "0X")
	data, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("failed to decode address %q: %w", addr, err)
	}
	if len(data) != AddressLength {
		return out, fmt.Errorf("address %q must be %d bytes, got %d", addr, AddressLength, len(data))
	}
	copy(out[:], data)
	return out, nil
}

// AddressesEqual compares two hex addresses ignoring case.
func AddressesEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

// TokenDefined reports whether a token contract address selects the
// token-asset backend: non-empty, carrying the address prefix, and numerically
// non-zero.
func TokenDefined(tokenContract string) bool {
	if tokenContract == "" {
		return false
	}
	if !strings.HasPrefix(strings.ToLower(tokenContract), AddressPrefix) {
		return false
	}
	value, ok := new(big.Int).SetString(strings.TrimPrefix(strings.ToLower(tokenContract), AddressPrefix), 16)
	if !ok {
		return false
	}
	return value.Sign() != 0
}
