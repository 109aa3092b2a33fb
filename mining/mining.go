package mining

import (
	"math/big"
	"time"

	"github.com/pkg/errors"

	"github.com/sablenet/sabled/chain"
	"github.com/sablenet/sabled/core"
	"github.com/sablenet/sabled/ecc"
	"github.com/sablenet/sabled/mempool"
)

// Policy houses the policy (configuration parameters) which is used to
// control the generation of block templates.
type Policy struct {
	// BlockMaxSize is the maximum serialized size of a generated block
	// body. Zero falls back to the network's consensus maximum.
	BlockMaxSize int
}

// BlkTmplGenerator provides a type that can be used to generate block
// templates atop the current tip: it drains the mempool in fee-rate order,
// simulates each candidate against working copies of the commitment trees,
// and produces a new candidate block plus header for the external solver.
type BlkTmplGenerator struct {
	policy    Policy
	processor *chain.Processor
	txPool    *mempool.TxPool
	kdf       *ecc.Kdf
}

// BlockTemplate houses a block that has yet to be solved.
type BlockTemplate struct {
	// Block is the assembled block, its header filled except for the
	// proof-of-work solution.
	Block *core.Block

	// Fees is the total fee collected from the included transactions.
	Fees core.Amount
}

// NewBlkTmplGenerator returns a new block template generator.
func NewBlkTmplGenerator(policy *Policy, processor *chain.Processor,
	txPool *mempool.TxPool, kdf *ecc.Kdf) *BlkTmplGenerator {

	return &BlkTmplGenerator{
		policy:    *policy,
		processor: processor,
		txPool:    txPool,
		kdf:       kdf,
	}
}

// NewBlockTemplate produces a candidate block atop the current tip. It
// walks the mempool's profit index once; transactions that fail contextual
// validation at the new height, or would push the block over the size
// limit, are skipped but not removed: the pool is only cleaned when blocks
// confirm.
func (g *BlkTmplGenerator) NewBlockTemplate() (*BlockTemplate, error) {
	params := g.processor.Params()
	tip, err := g.processor.CurrentState()
	if err != nil {
		return nil, err
	}
	height := tip.Height + 1
	subsidy := params.BlockSubsidy(height)

	maxSize := g.policy.BlockMaxSize
	if maxSize == 0 || maxSize > params.MaxBlockSize {
		maxSize = params.MaxBlockSize
	}

	utxos, kernels := g.processor.CloneTrees()

	// Select transactions in fee-rate order. Selected transactions stay
	// applied on the working trees so later candidates see their outputs.
	var selected []*mempool.TxDesc
	var fees core.Amount
	blockSize := 12 + 2*core.OutputSize // list prefixes, coinbase and fee outputs

	for _, desc := range g.txPool.MiningDescs() {
		if blockSize+desc.Size > maxSize {
			log.Tracef("Skipping transaction: size %d overflows block limit", desc.Size)
			continue
		}
		if err := chain.ApplyTransactionToTrees(utxos, kernels, desc.Tx, height); err != nil {
			log.Tracef("Skipping transaction: %s", err)
			continue
		}
		selected = append(selected, desc)
		fees += desc.Fee
		blockSize += desc.Size
	}

	block, err := g.assembleBlock(selected, height, subsidy, fees)
	if err != nil {
		return nil, err
	}

	// The roots the header must commit to come from simulating the whole
	// assembled block, coinbase elements included, on fresh clones of the
	// tip; this also checks that the block applies as one unit.
	checkUtxos, checkKernels := g.processor.CloneTrees()
	err = chain.SimulateBlockApply(checkUtxos, checkKernels, block, height,
		params.CoinbaseIncubation, subsidy)
	if err != nil {
		return nil, errors.Wrap(err, "assembled block does not apply")
	}

	block.Header = &core.Header{
		Height:     height,
		Prev:       tip.Hash(),
		Timestamp:  time.Now().Unix(),
		Bits:       tip.Bits,
		ChainWork:  new(big.Int).Add(tip.ChainWork, core.CalcWork(tip.Bits)),
		UtxoRoot:   checkUtxos.Root(),
		KernelRoot: checkKernels.Root(),
	}

	log.Infof("Created new block template (height %d, %d transactions, %d in fees)",
		height, len(selected), fees)
	return &BlockTemplate{Block: block, Fees: fees}, nil
}

// assembleBlock merges the selected transactions with the coinbase elements
// into a canonical block body.
func (g *BlkTmplGenerator) assembleBlock(selected []*mempool.TxDesc,
	height uint64, subsidy, fees core.Amount) (*core.Block, error) {

	block := &core.Block{}
	for _, desc := range selected {
		block.Inputs = append(block.Inputs, desc.Tx.Inputs...)
		block.Outputs = append(block.Outputs, desc.Tx.Outputs...)
		block.Kernels = append(block.Kernels, desc.Tx.Kernels...)
	}

	params := g.processor.Params()
	maturity := height + params.CoinbaseIncubation

	coinbaseBlind := g.kdf.DeriveKey(height, ecc.KeyTypeCoinbase, 0)
	coinbaseOut, err := buildCoinbaseOutput(coinbaseBlind, subsidy, maturity)
	if err != nil {
		return nil, err
	}
	block.Outputs = append(block.Outputs, coinbaseOut)

	// The block kernel's blind must cancel the blinds of the outputs the
	// miner creates. With fees to collect, the commission output is keyed
	// from the commission domain and the kernel blind cancels both keys;
	// without, the kernel blind is pinned by the coinbase alone.
	var kernelBlind *ecc.Scalar
	if fees > 0 {
		feeBlind := g.kdf.DeriveKey(height, ecc.KeyTypeCommission, 0)
		kernelBlind = coinbaseBlind.Add(feeBlind).Negate()
		feeOut, err := buildCoinbaseOutput(feeBlind, fees, maturity)
		if err != nil {
			return nil, err
		}
		block.Outputs = append(block.Outputs, feeOut)
	} else {
		kernelBlind = coinbaseBlind.Negate()
	}

	kernel := &core.TxKernel{
		Excess:    ecc.BlindGenerator(kernelBlind),
		MinHeight: height,
		MaxHeight: height,
	}
	sig, err := ecc.KernelSign(kernelBlind, kernel.SigningHash())
	if err != nil {
		return nil, err
	}
	kernel.Signature = sig
	block.Kernels = append(block.Kernels, kernel)

	block.Normalize()
	return block, nil
}

// buildCoinbaseOutput creates a public-value output under the given blind.
func buildCoinbaseOutput(blind *ecc.Scalar, value core.Amount, maturity uint64) (*core.Output, error) {
	proof, err := ecc.CreateRangeProof(blind, value)
	if err != nil {
		return nil, err
	}
	return &core.Output{
		Commitment: ecc.CommitValue(blind, value),
		Maturity:   maturity,
		Coinbase:   true,
		Value:      value,
		RangeProof: proof,
	}, nil
}
