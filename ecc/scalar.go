package ecc

import (
	"encoding/binary"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Scalar is a secret scalar on the secp256k1 group order.
type Scalar struct {
	n secp256k1.ModNScalar
}

// NewScalarFromBytes interprets b as a big-endian scalar, reduced mod the
// group order.
func NewScalarFromBytes(b []byte) *Scalar {
	s := &Scalar{}
	s.n.SetByteSlice(b)
	return s
}

// NewScalarFromUint64 returns the scalar holding the given small value.
func NewScalarFromUint64(v uint64) *Scalar {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return NewScalarFromBytes(b[:])
}

// Serialize returns the 32-byte big-endian encoding of the scalar.
func (s *Scalar) Serialize() [32]byte {
	return s.n.Bytes()
}

// Add returns s + t.
func (s *Scalar) Add(t *Scalar) *Scalar {
	r := &Scalar{n: s.n}
	r.n.Add(&t.n)
	return r
}

// Mul returns s * t.
func (s *Scalar) Mul(t *Scalar) *Scalar {
	r := &Scalar{n: s.n}
	r.n.Mul(&t.n)
	return r
}

// Negate returns -s.
func (s *Scalar) Negate() *Scalar {
	r := &Scalar{n: s.n}
	r.n.Negate()
	return r
}

// IsZero returns true if the scalar is zero.
func (s *Scalar) IsZero() bool {
	return s.n.IsZero()
}
