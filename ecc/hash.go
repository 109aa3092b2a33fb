package ecc

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// HashSize of a Hash in bytes.
const HashSize = 32

// Hash is a blake2b-256 digest.
type Hash [HashSize]byte

// ZeroHash is the all-zeroes digest.
var ZeroHash Hash

// HashB computes the blake2b-256 digest of the concatenation of the given
// byte slices.
func HashB(data ...[]byte) Hash {
	h, _ := blake2b.New256(nil)
	for _, d := range data {
		h.Write(d)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// String returns the Hash as the hexadecimal string of the byte-reversed
// hash.
func (hash Hash) String() string {
	for i := 0; i < HashSize/2; i++ {
		hash[i], hash[HashSize-1-i] = hash[HashSize-1-i], hash[i]
	}
	return hex.EncodeToString(hash[:])
}

// IsEqual returns true if target is the same as hash.
func (hash *Hash) IsEqual(target *Hash) bool {
	if hash == nil && target == nil {
		return true
	}
	if hash == nil || target == nil {
		return false
	}
	return *hash == *target
}

// SetBytes sets the bytes which represent the hash. An error is returned if
// the number of bytes passed in is not HashSize.
func (hash *Hash) SetBytes(newHash []byte) error {
	if len(newHash) != HashSize {
		return errors.Errorf("invalid hash length of %d, want %d",
			len(newHash), HashSize)
	}
	copy(hash[:], newHash)
	return nil
}

// Less reports whether hash sorts before other in byte-lexicographic order.
func (hash *Hash) Less(other *Hash) bool {
	for i := 0; i < HashSize; i++ {
		if hash[i] != other[i] {
			return hash[i] < other[i]
		}
	}
	return false
}
