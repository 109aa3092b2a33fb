package core

import (
	"fmt"
	"math/big"

	"github.com/sablenet/sabled/ecc"
)

// powTag is the domain prefix of the proof-of-work hash.
var powTag = []byte("sable/pow")

// Header is the fixed-size system state record committed to by the chain.
// Its content hash is its identity.
type Header struct {
	// Height is the position of the state on its chain. The genesis
	// header has height 1.
	Height uint64

	// Prev is the content hash of the parent header. It is the zero hash
	// for genesis.
	Prev ecc.Hash

	// Timestamp is the block time in unix seconds.
	Timestamp int64

	// Bits is the compact difficulty target of this state's proof of work.
	Bits uint32

	// ChainWork is the cumulative work of the chain up to and including
	// this state.
	ChainWork *big.Int

	// UtxoRoot and KernelRoot commit to the authenticated trees after
	// this state's block is applied.
	UtxoRoot   ecc.Hash
	KernelRoot ecc.Hash

	// PowNonce is the proof-of-work solution.
	PowNonce uint64
}

// StateID identifies a state by height and content hash.
type StateID struct {
	Height uint64
	Hash   ecc.Hash
}

// String returns the state ID in height/hash form.
func (id StateID) String() string {
	return fmt.Sprintf("%d/%s", id.Height, id.Hash)
}

// Hash computes the content hash of the header.
func (h *Header) Hash() ecc.Hash {
	return ecc.HashB(SerializeHeader(h))
}

// ID returns the state identity of the header.
func (h *Header) ID() StateID {
	return StateID{Height: h.Height, Hash: h.Hash()}
}

// CheckProofOfWork verifies the header's proof of work: the pow hash must
// not exceed the target encoded in Bits, and the target must be positive and
// within powMax.
func (h *Header) CheckProofOfWork(powMax *big.Int) bool {
	target := CompactToBig(h.Bits)
	if target.Sign() <= 0 || target.Cmp(powMax) > 0 {
		return false
	}
	powHash := ecc.HashB(powTag, SerializeHeader(h))
	return hashToBig(&powHash).Cmp(target) <= 0
}

// SolveProofOfWork grinds PowNonce until CheckProofOfWork passes. It is used
// by tests and the simnet miner; production solving is external.
func (h *Header) SolveProofOfWork(powMax *big.Int) {
	for !h.CheckProofOfWork(powMax) {
		h.PowNonce++
	}
}

// hashToBig converts a hash into a big.Int treated as a big-endian value.
func hashToBig(hash *ecc.Hash) *big.Int {
	return new(big.Int).SetBytes(hash[:])
}
