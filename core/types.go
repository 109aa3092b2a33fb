package core

import (
	"bytes"
	"sort"

	"github.com/sablenet/sabled/ecc"
)

// Amount is a quantity of coins in the smallest unit.
type Amount = uint64

// Input spends an unspent output, identified explicitly by commitment and
// maturity. The node does not search across maturities.
type Input struct {
	Commitment ecc.Commitment
	Maturity   uint64
}

// Output creates an unspent output. Coinbase outputs carry their value in
// the clear so emission can be audited; regular outputs keep Value zero.
type Output struct {
	Commitment ecc.Commitment
	Maturity   uint64
	Coinbase   bool
	Value      Amount
	RangeProof ecc.RangeProof
}

// TxKernel authorizes a transaction: it carries the fee, the height window
// within which the transaction may be mined, the excess commitment and a
// signature under it.
type TxKernel struct {
	Excess    ecc.Commitment
	Fee       Amount
	MinHeight uint64
	MaxHeight uint64
	Signature ecc.Signature
}

// ID returns the kernel's identity, the hash of its excess commitment.
func (k *TxKernel) ID() ecc.Hash {
	return ecc.HashB(k.Excess[:])
}

// SigningHash is the message the kernel signature commits to.
func (k *TxKernel) SigningHash() ecc.Hash {
	return ecc.HashB([]byte("sable/kernel"), serializeKernelBody(k))
}

// Transaction is a loose transaction: inputs, outputs and kernels, balanced
// to zero plus fee.
type Transaction struct {
	Inputs  []*Input
	Outputs []*Output
	Kernels []*TxKernel
}

// Block is a block body, optionally paired with its header.
type Block struct {
	Header  *Header
	Inputs  []*Input
	Outputs []*Output
	Kernels []*TxKernel
}

// Body returns the block's body as a transaction-shaped view.
func (b *Block) Body() *Transaction {
	return &Transaction{Inputs: b.Inputs, Outputs: b.Outputs, Kernels: b.Kernels}
}

// TotalFee sums the fees of all kernels.
func (tx *Transaction) TotalFee() Amount {
	var fee Amount
	for _, k := range tx.Kernels {
		fee += k.Fee
	}
	return fee
}

// Expiry returns the lowest kernel MaxHeight, i.e. the height beyond which
// the transaction can never be mined. Returns ^uint64(0) when the
// transaction has no kernels.
func (tx *Transaction) Expiry() uint64 {
	expiry := ^uint64(0)
	for _, k := range tx.Kernels {
		if k.MaxHeight < expiry {
			expiry = k.MaxHeight
		}
	}
	return expiry
}

// Normalize sorts the transaction's element lists into canonical order.
func (tx *Transaction) Normalize() {
	sort.Slice(tx.Inputs, func(i, j int) bool { return inputKeyLess(tx.Inputs[i], tx.Inputs[j]) })
	sort.Slice(tx.Outputs, func(i, j int) bool { return outputKeyLess(tx.Outputs[i], tx.Outputs[j]) })
	sort.Slice(tx.Kernels, func(i, j int) bool { return kernelLess(tx.Kernels[i], tx.Kernels[j]) })
}

// Normalize sorts the block's element lists into canonical order.
func (b *Block) Normalize() {
	sort.Slice(b.Inputs, func(i, j int) bool { return inputKeyLess(b.Inputs[i], b.Inputs[j]) })
	sort.Slice(b.Outputs, func(i, j int) bool { return outputKeyLess(b.Outputs[i], b.Outputs[j]) })
	sort.Slice(b.Kernels, func(i, j int) bool { return kernelLess(b.Kernels[i], b.Kernels[j]) })
}

// inputKeyLess orders inputs by (commitment, maturity).
func inputKeyLess(a, b *Input) bool {
	if c := bytes.Compare(a.Commitment[:], b.Commitment[:]); c != 0 {
		return c < 0
	}
	return a.Maturity < b.Maturity
}

// outputKeyLess orders outputs by (commitment, maturity).
func outputKeyLess(a, b *Output) bool {
	if c := bytes.Compare(a.Commitment[:], b.Commitment[:]); c != 0 {
		return c < 0
	}
	return a.Maturity < b.Maturity
}

// kernelLess orders kernels by excess commitment.
func kernelLess(a, b *TxKernel) bool {
	return bytes.Compare(a.Excess[:], b.Excess[:]) < 0
}
