package core

import (
	"github.com/pkg/errors"

	"github.com/sablenet/sabled/ecc"
)

// sanityCheckBody runs the context-free checks shared by loose transactions
// and block bodies: element well-formedness, canonical ordering without
// duplicates, range proofs, kernel signatures, and the excess-sum identity
//
//	Σ(outputs) − Σ(inputs) + Σ(kernel excess) + fee·G = unbalanced·G
//
// where unbalanced is zero for a loose transaction and the block subsidy plus
// the total kernel fee for a block body.
func sanityCheckBody(inputs []*Input, outputs []*Output, kernels []*TxKernel,
	allowCoinbase bool, unbalanced Amount) error {

	if len(kernels) == 0 {
		return errors.New("body carries no kernels")
	}

	var sum ecc.PointSum
	var totalFee Amount

	for i, in := range inputs {
		if !in.Commitment.IsWellFormed() {
			return errors.Errorf("input %d commitment is not a curve point", i)
		}
		if i > 0 && !inputKeyLess(inputs[i-1], in) {
			return errors.Errorf("input %d out of order or duplicate", i)
		}
		if err := sum.Sub(&in.Commitment); err != nil {
			return err
		}
	}

	for i, out := range outputs {
		if !out.Commitment.IsWellFormed() {
			return errors.Errorf("output %d commitment is not a curve point", i)
		}
		if i > 0 && !outputKeyLess(outputs[i-1], out) {
			return errors.Errorf("output %d out of order or duplicate", i)
		}
		if out.Coinbase && !allowCoinbase {
			return errors.Errorf("output %d is coinbase outside a block", i)
		}
		if !out.Coinbase && out.Value != 0 {
			return errors.Errorf("output %d carries a public value without "+
				"the coinbase flag", i)
		}
		if !out.RangeProof.Verify(&out.Commitment) {
			return errors.Errorf("output %d range proof does not verify", i)
		}
		if err := sum.Add(&out.Commitment); err != nil {
			return err
		}
	}

	for i, k := range kernels {
		if !k.Excess.IsWellFormed() {
			return errors.Errorf("kernel %d excess is not a curve point", i)
		}
		if i > 0 && !kernelLess(kernels[i-1], k) {
			return errors.Errorf("kernel %d out of order or duplicate", i)
		}
		if k.MinHeight > k.MaxHeight {
			return errors.Errorf("kernel %d has inverted height window "+
				"[%d, %d]", i, k.MinHeight, k.MaxHeight)
		}
		if !k.Signature.Verify(&k.Excess, k.SigningHash()) {
			return errors.Errorf("kernel %d signature does not verify", i)
		}
		if err := sum.Add(&k.Excess); err != nil {
			return err
		}
		totalFee += k.Fee
	}

	sum.AddValue(totalFee)
	sum.SubValue(unbalanced)
	if !sum.IsZero() {
		return errors.New("excess sum identity does not hold")
	}
	return nil
}

// SanityCheck runs context-free validation of a loose transaction.
func (tx *Transaction) SanityCheck() error {
	return sanityCheckBody(tx.Inputs, tx.Outputs, tx.Kernels, false, 0)
}

// SanityCheck runs context-free validation of a block body. subsidy is the
// emission the block is allowed to create. A block is unbalanced by the
// subsidy plus the fees its coinbase collects back; coinbase value auditing
// against the same total is contextual and lives with the chain processor.
func (b *Block) SanityCheck(subsidy Amount) error {
	unbalanced := subsidy + b.Body().TotalFee()
	return sanityCheckBody(b.Inputs, b.Outputs, b.Kernels, true, unbalanced)
}
