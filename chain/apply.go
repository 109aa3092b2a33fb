package chain

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/sablenet/sabled/core"
	"github.com/sablenet/sabled/database"
	"github.com/sablenet/sabled/ecc"
	"github.com/sablenet/sabled/radix"
)

// treeApplier applies block elements onto a pair of commitment trees with
// contextual validation, undoing its partial work when a later element
// fails. It is used both by the processor (against the live trees, with the
// outputs index) and by the block builder (against clones, in-memory only).
type treeApplier struct {
	utxos   *radix.UtxoTree
	kernels *radix.KernelTree

	// getOutput fetches the full bytes of a consumed output; nil when the
	// caller only simulates and doesn't need rollback data.
	getOutput func(utxoKey []byte) (*core.Output, error)

	// onOutputCreated and onOutputConsumed maintain the outputs index;
	// both may be nil for simulation.
	onOutputCreated  func(utxoKey []byte, out *core.Output) error
	onOutputConsumed func(utxoKey []byte, gone bool) error

	// undo log of the current apply.
	addedOutputs   []*core.Output
	consumedInputs []*core.Output
	addedKernels   []ecc.Hash
}

// applyOutput validates and inserts one created output.
func (a *treeApplier) applyOutput(out *core.Output, height uint64, incubation uint64) error {
	wantMaturity := height
	if out.Coinbase {
		wantMaturity = height + incubation
	}
	if out.Maturity != wantMaturity {
		return ruleError(ErrBadMaturity, fmt.Sprintf(
			"output %x maturity %d, want %d", out.Commitment[:4], out.Maturity, wantMaturity))
	}
	if err := a.utxos.Add(&out.Commitment, out.Maturity); err != nil {
		return err
	}
	a.addedOutputs = append(a.addedOutputs, out)
	if a.onOutputCreated != nil {
		key := radix.UtxoKey(&out.Commitment, out.Maturity)
		if err := a.onOutputCreated(key, out); err != nil {
			return err
		}
	}
	return nil
}

// applyInput validates and consumes one spent output.
func (a *treeApplier) applyInput(in *core.Input, height uint64) error {
	if in.Maturity > height {
		return ruleError(ErrUtxoMissing, fmt.Sprintf(
			"input %x not mature until height %d", in.Commitment[:4], in.Maturity))
	}
	if a.utxos.Contains(&in.Commitment, in.Maturity) == 0 {
		return ruleError(ErrUtxoMissing, fmt.Sprintf(
			"input %x/%d not in the UTXO tree", in.Commitment[:4], in.Maturity))
	}

	key := radix.UtxoKey(&in.Commitment, in.Maturity)
	var consumed *core.Output
	if a.getOutput != nil {
		out, err := a.getOutput(key)
		if err != nil {
			return err
		}
		consumed = out
	} else {
		consumed = &core.Output{Commitment: in.Commitment, Maturity: in.Maturity}
	}

	if err := a.utxos.Remove(&in.Commitment, in.Maturity); err != nil {
		return err
	}
	a.consumedInputs = append(a.consumedInputs, consumed)
	if a.onOutputConsumed != nil {
		gone := a.utxos.Contains(&in.Commitment, in.Maturity) == 0
		if err := a.onOutputConsumed(key, gone); err != nil {
			return err
		}
	}
	return nil
}

// applyKernel validates and inserts one kernel.
func (a *treeApplier) applyKernel(k *core.TxKernel, height uint64) error {
	if height < k.MinHeight || height > k.MaxHeight {
		return ruleError(ErrKernelWindow, fmt.Sprintf(
			"height %d outside kernel window [%d, %d]", height, k.MinHeight, k.MaxHeight))
	}
	id := k.ID()
	if a.kernels.Contains(&id) {
		return ruleError(ErrKernelDuplicate, fmt.Sprintf(
			"kernel %s already in the kernel tree", id))
	}
	if err := a.kernels.Add(&id); err != nil {
		return err
	}
	a.addedKernels = append(a.addedKernels, id)
	return nil
}

// apply runs the contextual validation and application of a body's elements
// at the given height: outputs first so the block's own outputs are
// spendable by its inputs, then inputs, then kernels. On error the trees
// are restored to their pre-apply content.
func (a *treeApplier) apply(inputs []*core.Input, outputs []*core.Output,
	kernels []*core.TxKernel, height, incubation uint64) error {

	do := func() error {
		for _, out := range outputs {
			if err := a.applyOutput(out, height, incubation); err != nil {
				return err
			}
		}
		for _, in := range inputs {
			if err := a.applyInput(in, height); err != nil {
				return err
			}
		}
		for _, k := range kernels {
			if err := a.applyKernel(k, height); err != nil {
				return err
			}
		}
		return nil
	}

	if err := do(); err != nil {
		if undoErr := a.undo(); undoErr != nil {
			return errors.Wrapf(undoErr, "undo after %s", err)
		}
		return err
	}
	return nil
}

// undo reverses everything the applier did, in reverse order.
func (a *treeApplier) undo() error {
	for i := len(a.addedKernels) - 1; i >= 0; i-- {
		if err := a.kernels.Remove(&a.addedKernels[i]); err != nil {
			return err
		}
	}
	for i := len(a.consumedInputs) - 1; i >= 0; i-- {
		out := a.consumedInputs[i]
		if err := a.utxos.Add(&out.Commitment, out.Maturity); err != nil {
			return err
		}
		if a.onOutputCreated != nil {
			key := radix.UtxoKey(&out.Commitment, out.Maturity)
			if err := a.onOutputCreated(key, out); err != nil {
				return err
			}
		}
	}
	for i := len(a.addedOutputs) - 1; i >= 0; i-- {
		out := a.addedOutputs[i]
		if err := a.utxos.Remove(&out.Commitment, out.Maturity); err != nil {
			return err
		}
		if a.onOutputConsumed != nil {
			key := radix.UtxoKey(&out.Commitment, out.Maturity)
			gone := a.utxos.Contains(&out.Commitment, out.Maturity) == 0
			if err := a.onOutputConsumed(key, gone); err != nil {
				return err
			}
		}
	}
	a.addedKernels = nil
	a.consumedInputs = nil
	a.addedOutputs = nil
	return nil
}

// checkCoinbaseSum verifies that the block's coinbase outputs create
// exactly the subsidy plus the fees its kernels collect.
func checkCoinbaseSum(block *core.Block, subsidy core.Amount) error {
	var coinbaseSum core.Amount
	for _, out := range block.Outputs {
		if out.Coinbase {
			coinbaseSum += out.Value
		}
	}
	want := subsidy + block.Body().TotalFee()
	if coinbaseSum != want {
		return ruleError(ErrBadCoinbaseSum, fmt.Sprintf(
			"coinbase sum %d, want subsidy+fees %d", coinbaseSum, want))
	}
	return nil
}

// ApplyTransactionToTrees contextually validates a loose transaction
// against the given trees at the given height, leaving its effects applied
// on success. It is the simulated apply the block builder uses against
// cloned trees. On failure the trees are unchanged.
func ApplyTransactionToTrees(utxos *radix.UtxoTree, kernels *radix.KernelTree,
	tx *core.Transaction, height uint64) error {

	applier := &treeApplier{utxos: utxos, kernels: kernels}
	return applier.apply(tx.Inputs, tx.Outputs, tx.Kernels, height, 0)
}

// SimulateBlockApply contextually validates a full block body against the
// given trees at the given height, leaving its effects applied on success.
// The block builder uses it against cloned trees to compute the roots its
// new header must commit to.
func SimulateBlockApply(utxos *radix.UtxoTree, kernels *radix.KernelTree,
	block *core.Block, height, incubation uint64, subsidy core.Amount) error {

	if err := checkCoinbaseSum(block, subsidy); err != nil {
		return err
	}
	applier := &treeApplier{utxos: utxos, kernels: kernels}
	return applier.apply(block.Inputs, block.Outputs, block.Kernels, height, incubation)
}

// applyBlock applies a block's effects to the live trees at the given
// height, maintaining the outputs index through dbc and returning the
// rollback data. On failure trees and undo hooks are restored.
func (p *Processor) applyBlock(dbc database.DataAccessor, block *core.Block,
	height uint64) (*rollbackData, error) {

	if err := checkCoinbaseSum(block, p.cfg.Params.BlockSubsidy(height)); err != nil {
		return nil, err
	}

	// Outputs created earlier in this same block are visible to its own
	// inputs before the database transaction can serve them.
	inBlock := make(map[string]*core.Output)

	applier := &treeApplier{
		utxos:   p.utxos,
		kernels: p.kernels,
		getOutput: func(utxoKey []byte) (*core.Output, error) {
			if out, ok := inBlock[string(utxoKey)]; ok {
				return out, nil
			}
			outBytes, err := p.sdb.GetOutput(dbc, utxoKey)
			if err != nil {
				return nil, errors.Wrapf(err, "consumed output %x has no stored bytes", utxoKey)
			}
			return core.DeserializeOutput(outBytes)
		},
		onOutputCreated: func(utxoKey []byte, out *core.Output) error {
			inBlock[string(utxoKey)] = out
			return p.sdb.PutOutput(dbc, utxoKey, core.SerializeOutput(out))
		},
		onOutputConsumed: func(utxoKey []byte, gone bool) error {
			if !gone {
				return nil
			}
			delete(inBlock, string(utxoKey))
			return p.sdb.DeleteOutput(dbc, utxoKey)
		},
	}

	err := applier.apply(block.Inputs, block.Outputs, block.Kernels,
		height, p.cfg.Params.CoinbaseIncubation)
	if err != nil {
		return nil, err
	}
	return &rollbackData{consumed: applier.consumedInputs}, nil
}

// unapplyBlock reverses a block's effects on the live trees using its
// rollback data, maintaining the outputs index through dbc. Errors here
// mean the store and trees disagree, which is corruption.
func (p *Processor) unapplyBlock(dbc database.DataAccessor, block *core.Block,
	rb *rollbackData) error {

	if len(rb.consumed) != len(block.Inputs) {
		return errors.Errorf("rollback record has %d outputs for %d inputs",
			len(rb.consumed), len(block.Inputs))
	}

	for i := len(block.Kernels) - 1; i >= 0; i-- {
		id := block.Kernels[i].ID()
		if err := p.kernels.Remove(&id); err != nil {
			return err
		}
	}
	for i := len(rb.consumed) - 1; i >= 0; i-- {
		out := rb.consumed[i]
		if err := p.utxos.Add(&out.Commitment, out.Maturity); err != nil {
			return err
		}
		key := radix.UtxoKey(&out.Commitment, out.Maturity)
		if err := p.sdb.PutOutput(dbc, key, core.SerializeOutput(out)); err != nil {
			return err
		}
	}
	for i := len(block.Outputs) - 1; i >= 0; i-- {
		out := block.Outputs[i]
		if err := p.utxos.Remove(&out.Commitment, out.Maturity); err != nil {
			return err
		}
		if p.utxos.Contains(&out.Commitment, out.Maturity) == 0 {
			key := radix.UtxoKey(&out.Commitment, out.Maturity)
			if err := p.sdb.DeleteOutput(dbc, key); err != nil {
				return err
			}
		}
	}
	return nil
}
