package chain

import (
	"math/big"
	"testing"

	"github.com/sablenet/sabled/chaincfg"
	"github.com/sablenet/sabled/core"
	"github.com/sablenet/sabled/database/ldb"
	"github.com/sablenet/sabled/ecc"
	"github.com/sablenet/sabled/radix"
)

// requestRecord is one RequestData emission captured by the harness.
type requestRecord struct {
	id        core.StateID
	wantBlock bool
	preferred *PeerID
}

// testHarness runs a processor against a temporary database and records
// every callback emission.
type testHarness struct {
	t      *testing.T
	params *chaincfg.Params
	proc   *Processor

	requests  []requestRecord
	insane    []PeerID
	newStates int
}

// newTestHarness spins up a processor on the simulation network with the
// given horizon (zero means the simnet default).
func newTestHarness(t *testing.T, horizon chaincfg.Horizon) *testHarness {
	t.Helper()

	db, err := ldb.NewLevelDB(t.TempDir())
	if err != nil {
		t.Fatalf("NewLevelDB: unexpected error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &testHarness{t: t, params: &chaincfg.SimNetParams}
	proc, err := New(&Config{
		Params:  h.params,
		DB:      db,
		Horizon: horizon,
		RequestData: func(id core.StateID, wantBlock bool, preferred *PeerID) {
			h.requests = append(h.requests, requestRecord{id, wantBlock, preferred})
		},
		OnPeerInsane: func(peer PeerID) {
			h.insane = append(h.insane, peer)
		},
		OnNewState: func() {
			h.newStates++
		},
		OnCorrupted: func(err error) {
			t.Fatalf("chain state corrupted: %+v", err)
		},
	})
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	h.proc = proc
	return h
}

// testBlock is a block the test built itself, with everything needed to
// deliver it and to build descendants on top of it.
type testBlock struct {
	header *core.Header
	body   []byte

	// trees as of this block, for building children.
	utxos   *radix.UtxoTree
	kernels *radix.KernelTree

	// spendables tracks outputs this chain created together with their
	// opening, so tests can build spends.
	spendables []testSpendable
}

type testSpendable struct {
	out   core.Output
	blind *ecc.Scalar
	value core.Amount
}

var testBlindSeed uint64 = 0xb11d

func nextTestBlind() *ecc.Scalar {
	testBlindSeed++
	return ecc.NewScalarFromUint64(testBlindSeed)
}

// genesisBlock wraps the pinned genesis state into a testBlock root.
func (h *testHarness) genesisBlock() *testBlock {
	return &testBlock{
		header:  h.params.GenesisHeader(),
		utxos:   radix.NewUtxoTree(),
		kernels: radix.NewKernelTree(),
	}
}

// buildCoinbaseOutput mirrors the miner: a public-value output.
func (h *testHarness) buildCoinbaseOutput(blind *ecc.Scalar, value core.Amount,
	maturity uint64) *core.Output {

	h.t.Helper()
	proof, err := ecc.CreateRangeProof(blind, value)
	if err != nil {
		h.t.Fatalf("CreateRangeProof: unexpected error: %v", err)
	}
	return &core.Output{
		Commitment: ecc.CommitValue(blind, value),
		Maturity:   maturity,
		Coinbase:   true,
		Value:      value,
		RangeProof: proof,
	}
}

// extend builds a valid child block of parent containing the given
// transactions plus its coinbase. timeTweak separates sibling blocks on
// different branches.
func (h *testHarness) extend(parent *testBlock, txs []*core.Transaction, timeTweak int64) *testBlock {
	h.t.Helper()

	height := parent.header.Height + 1
	subsidy := h.params.BlockSubsidy(height)
	maturity := height + h.params.CoinbaseIncubation

	block := &core.Block{}
	var fees core.Amount
	for _, tx := range txs {
		block.Inputs = append(block.Inputs, tx.Inputs...)
		block.Outputs = append(block.Outputs, tx.Outputs...)
		block.Kernels = append(block.Kernels, tx.Kernels...)
		fees += tx.TotalFee()
	}

	coinbaseBlind := nextTestBlind()
	coinbaseOut := h.buildCoinbaseOutput(coinbaseBlind, subsidy, maturity)
	block.Outputs = append(block.Outputs, coinbaseOut)

	var kernelBlind *ecc.Scalar
	child := &testBlock{
		utxos:   parent.utxos.Clone(),
		kernels: parent.kernels.Clone(),
	}
	child.spendables = append(child.spendables, parent.spendables...)
	child.spendables = append(child.spendables,
		testSpendable{out: *coinbaseOut, blind: coinbaseBlind, value: subsidy})

	if fees > 0 {
		kernelBlind = nextTestBlind()
		feeBlind := coinbaseBlind.Add(kernelBlind).Negate()
		feeOut := h.buildCoinbaseOutput(feeBlind, fees, maturity)
		block.Outputs = append(block.Outputs, feeOut)
		child.spendables = append(child.spendables,
			testSpendable{out: *feeOut, blind: feeBlind, value: fees})
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
		h.t.Fatalf("KernelSign: unexpected error: %v", err)
	}
	kernel.Signature = sig
	block.Kernels = append(block.Kernels, kernel)
	block.Normalize()

	err = SimulateBlockApply(child.utxos, child.kernels, block, height,
		h.params.CoinbaseIncubation, subsidy)
	if err != nil {
		h.t.Fatalf("extend: block does not apply at height %d: %v", height, err)
	}

	header := &core.Header{
		Height:     height,
		Prev:       parent.header.Hash(),
		Timestamp:  parent.header.Timestamp + 600 + timeTweak,
		Bits:       parent.header.Bits,
		ChainWork:  new(big.Int).Add(parent.header.ChainWork, core.CalcWork(parent.header.Bits)),
		UtxoRoot:   child.utxos.Root(),
		KernelRoot: child.kernels.Root(),
	}
	header.SolveProofOfWork(h.params.PowMax)

	child.header = header
	child.body = core.SerializeBlockBody(block)
	return child
}

// makeSpend builds a transaction consuming the given spendable into one
// change output, paying the given fee, valid at the given height.
func (h *testHarness) makeSpend(sp testSpendable, fee core.Amount, height uint64) *core.Transaction {
	h.t.Helper()
	if sp.value <= fee {
		h.t.Fatalf("makeSpend: value %d cannot cover fee %d", sp.value, fee)
	}

	changeBlind := nextTestBlind()
	changeValue := sp.value - fee
	proof, err := ecc.CreateRangeProof(changeBlind, changeValue)
	if err != nil {
		h.t.Fatalf("CreateRangeProof: unexpected error: %v", err)
	}
	change := &core.Output{
		Commitment: ecc.CommitValue(changeBlind, changeValue),
		Maturity:   height,
		RangeProof: proof,
	}

	kernelBlind := sp.blind.Add(changeBlind.Negate())
	kernel := &core.TxKernel{
		Excess:    ecc.BlindGenerator(kernelBlind),
		Fee:       fee,
		MinHeight: height,
		MaxHeight: height + 16,
	}
	sig, err := ecc.KernelSign(kernelBlind, kernel.SigningHash())
	if err != nil {
		h.t.Fatalf("KernelSign: unexpected error: %v", err)
	}
	kernel.Signature = sig

	tx := &core.Transaction{
		Inputs:  []*core.Input{{Commitment: sp.out.Commitment, Maturity: sp.out.Maturity}},
		Outputs: []*core.Output{change},
		Kernels: []*core.TxKernel{kernel},
	}
	tx.Normalize()
	return tx
}

// deliverState feeds one header into the processor.
func (h *testHarness) deliverState(b *testBlock, peer PeerID) bool {
	h.t.Helper()
	added, err := h.proc.OnState(b.header, peer)
	if err != nil {
		h.t.Fatalf("OnState(%s): unexpected error: %v", b.header.ID(), err)
	}
	return added
}

// deliverBlock feeds one body into the processor.
func (h *testHarness) deliverBlock(b *testBlock, peer PeerID) bool {
	h.t.Helper()
	added, err := h.proc.OnBlock(b.header.ID(), b.body, peer)
	if err != nil {
		h.t.Fatalf("OnBlock(%s): unexpected error: %v", b.header.ID(), err)
	}
	return added
}

// deliverAll feeds a message sequence, retrying bodies that arrived before
// their headers until no delivery makes progress.
func (h *testHarness) deliverAll(blocks []*testBlock, order []int, peer PeerID) {
	h.t.Helper()

	// Even indices address headers, odd indices bodies of blocks[i/2].
	pending := append([]int(nil), order...)
	for len(pending) > 0 {
		var stuck []int
		for _, msg := range pending {
			b := blocks[msg/2]
			if msg%2 == 0 {
				h.deliverState(b, peer)
				continue
			}
			if !h.deliverBlock(b, peer) {
				// Unknown state so far; retry after its header lands.
				if known, _ := h.proc.sdb.HasState(h.proc.sdb.Accessor(), b.header.ID()); !known {
					stuck = append(stuck, msg)
				}
			}
		}
		if len(stuck) == len(pending) {
			h.t.Fatalf("delivery made no progress with %d messages pending", len(stuck))
		}
		pending = stuck
	}
}

// tipRoot fetches the UTXO root committed by the active tip.
func (h *testHarness) tipRoot() ecc.Hash {
	h.t.Helper()
	tip, err := h.proc.CurrentState()
	if err != nil {
		h.t.Fatalf("CurrentState: unexpected error: %v", err)
	}
	return tip.UtxoRoot
}
