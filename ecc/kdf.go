package ecc

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/tyler-smith/go-bip39"
)

// KeyType selects the derivation domain of a key.
type KeyType byte

// Key derivation domains.
const (
	KeyTypeCommission KeyType = iota
	KeyTypeCoinbase
	KeyTypeKernel
)

// Kdf derives scalar keys from a single root secret.
type Kdf struct {
	root [32]byte
}

// NewKdf creates a Kdf from a 32-byte root secret.
func NewKdf(root [32]byte) *Kdf {
	return &Kdf{root: root}
}

// NewKdfFromMnemonic creates a Kdf whose root secret is derived from a BIP39
// mnemonic sentence and passphrase.
func NewKdfFromMnemonic(mnemonic, passphrase string) (*Kdf, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic sentence")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return NewKdf(HashB(seed)), nil
}

// GenerateKdf creates a Kdf with a random root secret and returns the
// mnemonic encoding it.
func GenerateKdf() (*Kdf, string, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return nil, "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", err
	}
	kdf, err := NewKdfFromMnemonic(mnemonic, "")
	if err != nil {
		return nil, "", err
	}
	return kdf, mnemonic, nil
}

// DeriveKey derives the scalar key for the given height, domain and index.
// Derivation is deterministic, so the owner can re-derive every key it ever
// used from the root secret alone.
func (kdf *Kdf) DeriveKey(height uint64, keyType KeyType, idx uint32) *Scalar {
	var buf [13]byte
	binary.LittleEndian.PutUint64(buf[:8], height)
	buf[8] = byte(keyType)
	binary.LittleEndian.PutUint32(buf[9:], idx)
	h := HashB(kdf.root[:], buf[:])
	return NewScalarFromBytes(h[:])
}
