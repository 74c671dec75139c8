package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Hash is the 32-byte Keccak-256 digest used everywhere in the protocol.
type Hash = common.Hash

// HashSize is the size of a hash in bytes.
const HashSize = common.HashLength

// HashBytes computes the Keccak-256 hash of raw data.
func HashBytes(data []byte) Hash {
	return crypto.Keccak256Hash(data)
}

// RLPHash computes the Keccak-256 hash of the RLP encoding of v.
// Encoding our own types cannot fail; a failure here means a programming
// error in a consensus-critical path, so we panic like the encoder would.
func RLPHash(v interface{}) Hash {
	data, err := rlp.EncodeToBytes(v)
	if err != nil {
		panic("types: failed to RLP-encode value for hashing: " + err.Error())
	}
	return crypto.Keccak256Hash(data)
}

// IsHashEmpty reports whether h is nil or the zero hash.
func IsHashEmpty(h *Hash) bool {
	return h == nil || *h == (Hash{})
}

// HashEqual compares two hashes.
func HashEqual(a, b Hash) bool {
	return a == b
}

// CopyHash returns a copy of h, preserving nil.
func CopyHash(h *Hash) *Hash {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}
