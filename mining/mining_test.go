package mining

import (
	"testing"

	"github.com/sablenet/sabled/chain"
	"github.com/sablenet/sabled/chaincfg"
	"github.com/sablenet/sabled/core"
	"github.com/sablenet/sabled/database/ldb"
	"github.com/sablenet/sabled/ecc"
	"github.com/sablenet/sabled/mempool"
)

// testNode wires a processor, pool and generator over a temporary database;
// tests mine blocks on it as they need them.
type testNode struct {
	t         *testing.T
	params    *chaincfg.Params
	kdf       *ecc.Kdf
	processor *chain.Processor
	pool      *mempool.TxPool
	generator *BlkTmplGenerator

	// coinbases tracks the mined coinbase outputs by height so tests can
	// spend them with the shared kdf.
	coinbases map[uint64]*core.Output
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()

	db, err := ldb.NewLevelDB(t.TempDir())
	if err != nil {
		t.Fatalf("NewLevelDB: unexpected error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	params := &chaincfg.SimNetParams
	processor, err := chain.New(&chain.Config{
		Params: params,
		DB:     db,
		OnCorrupted: func(err error) {
			t.Fatalf("chain state corrupted: %+v", err)
		},
	})
	if err != nil {
		t.Fatalf("chain.New: unexpected error: %v", err)
	}

	kdf := ecc.NewKdf(ecc.HashB([]byte("mining test seed")))
	pool := mempool.New(&mempool.Config{Params: params})
	generator := NewBlkTmplGenerator(&Policy{}, processor, pool, kdf)

	return &testNode{
		t:         t,
		params:    params,
		kdf:       kdf,
		processor: processor,
		pool:      pool,
		generator: generator,
		coinbases: make(map[uint64]*core.Output),
	}
}

// mineBlock generates, solves and submits one block atop the tip.
func (n *testNode) mineBlock() *BlockTemplate {
	n.t.Helper()

	template, err := n.generator.NewBlockTemplate()
	if err != nil {
		n.t.Fatalf("NewBlockTemplate: unexpected error: %v", err)
	}
	header := template.Block.Header
	header.SolveProofOfWork(n.params.PowMax)

	added, err := n.processor.OnState(header, "self")
	if err != nil || !added {
		n.t.Fatalf("OnState of own block: added=%t err=%v", added, err)
	}
	added, err = n.processor.OnBlock(header.ID(), core.SerializeBlockBody(template.Block), "self")
	if err != nil || !added {
		n.t.Fatalf("OnBlock of own block: added=%t err=%v", added, err)
	}
	if tip := n.processor.TipID(); tip != header.ID() {
		n.t.Fatalf("own block not activated: tip %s, want %s", tip, header.ID())
	}

	for _, out := range template.Block.Outputs {
		if out.Coinbase && out.Value == n.params.BlockSubsidy(header.Height) {
			n.coinbases[header.Height] = out
		}
	}
	n.pool.RemoveConfirmed(template.Block)
	return template
}

// spendCoinbase builds a transaction consuming the coinbase mined at the
// given height, targeted at the given inclusion height.
func (n *testNode) spendCoinbase(minedAt uint64, fee core.Amount, height uint64,
	numOutputs int) *core.Transaction {

	n.t.Helper()
	coinbase := n.coinbases[minedAt]
	if coinbase == nil {
		n.t.Fatalf("no coinbase tracked at height %d", minedAt)
	}
	blind := n.kdf.DeriveKey(minedAt, ecc.KeyTypeCoinbase, 0)

	total := coinbase.Value - fee
	share := total / core.Amount(numOutputs)

	kernelBlind := blind
	var outputs []*core.Output
	for i := 0; i < numOutputs; i++ {
		value := share
		if i == numOutputs-1 {
			value = total - share*core.Amount(numOutputs-1)
		}
		outBlind := n.kdf.DeriveKey(height, ecc.KeyTypeKernel, uint32(i+100))
		proof, err := ecc.CreateRangeProof(outBlind, value)
		if err != nil {
			n.t.Fatalf("CreateRangeProof: unexpected error: %v", err)
		}
		outputs = append(outputs, &core.Output{
			Commitment: ecc.CommitValue(outBlind, value),
			Maturity:   height,
			RangeProof: proof,
		})
		kernelBlind = kernelBlind.Add(outBlind.Negate())
	}

	kernel := &core.TxKernel{
		Excess:    ecc.BlindGenerator(kernelBlind),
		Fee:       fee,
		MinHeight: height,
		MaxHeight: height + 8,
	}
	sig, err := ecc.KernelSign(kernelBlind, kernel.SigningHash())
	if err != nil {
		n.t.Fatalf("KernelSign: unexpected error: %v", err)
	}
	kernel.Signature = sig

	tx := &core.Transaction{
		Inputs:  []*core.Input{{Commitment: coinbase.Commitment, Maturity: coinbase.Maturity}},
		Outputs: outputs,
		Kernels: []*core.TxKernel{kernel},
	}
	tx.Normalize()
	return tx
}

func TestMineEmptyBlocks(t *testing.T) {
	n := newTestNode(t)
	for i := 0; i < 3; i++ {
		template := n.mineBlock()
		if template.Fees != 0 {
			t.Errorf("empty block collected fees %d", template.Fees)
		}
		if len(template.Block.Kernels) != 1 {
			t.Errorf("empty block carries %d kernels, want 1", len(template.Block.Kernels))
		}
	}
	if tip := n.processor.TipID(); tip.Height != 4 {
		t.Fatalf("tip height after mining: got %d, want 4", tip.Height)
	}
}

func TestBlockTemplateSelection(t *testing.T) {
	n := newTestNode(t)

	// Mine until the first two coinbases have incubated.
	for n.processor.TipID().Height < 2+n.params.CoinbaseIncubation {
		n.mineBlock()
	}
	tipHeight := n.processor.TipID().Height
	nextHeight := tipHeight + 1

	// T1 pays a better fee rate than T2; T3 is contextually invalid at
	// the next height (its kernel window opens too late).
	t1 := n.spendCoinbase(2, 5000, nextHeight, 1)
	t2 := n.spendCoinbase(3, 3000, nextHeight, 4)
	t3 := n.spendCoinbase(2, 1000, nextHeight+5, 1)

	poolHeight := n.processor.TipID().Height
	for _, tx := range []*core.Transaction{t1, t2, t3} {
		if _, err := n.pool.MaybeAcceptTransaction(tx, poolHeight); err != nil {
			t.Fatalf("MaybeAcceptTransaction: unexpected error: %v", err)
		}
	}

	descs := n.pool.MiningDescs()
	if len(descs) != 3 || descs[0].Tx != t1 || descs[1].Tx != t2 {
		t.Fatalf("profit order wrong: got fees %d, %d, %d",
			descs[0].Fee, descs[1].Fee, descs[2].Fee)
	}

	template, err := n.generator.NewBlockTemplate()
	if err != nil {
		t.Fatalf("NewBlockTemplate: unexpected error: %v", err)
	}

	if template.Fees != 8000 {
		t.Errorf("template fees: got %d, want 8000", template.Fees)
	}
	kernelIDs := make(map[ecc.Hash]bool)
	for _, k := range template.Block.Kernels {
		kernelIDs[k.ID()] = true
	}
	if !kernelIDs[t1.Kernels[0].ID()] || !kernelIDs[t2.Kernels[0].ID()] {
		t.Error("template misses an includable transaction")
	}
	if kernelIDs[t3.Kernels[0].ID()] {
		t.Error("template includes a contextually invalid transaction")
	}

	// The coinbase creates subsidy and the commission output collects the
	// fees back.
	var coinbaseSum core.Amount
	for _, out := range template.Block.Outputs {
		if out.Coinbase {
			coinbaseSum += out.Value
		}
	}
	want := n.params.BlockSubsidy(nextHeight) + 8000
	if coinbaseSum != want {
		t.Errorf("coinbase sum: got %d, want %d", coinbaseSum, want)
	}

	// The block must satisfy context-free validation and, once solved,
	// activate cleanly; skipped T3 must survive in the pool.
	if err := template.Block.SanityCheck(n.params.BlockSubsidy(nextHeight)); err != nil {
		t.Fatalf("template fails sanity check: %v", err)
	}
	template.Block.Header.SolveProofOfWork(n.params.PowMax)
	header := template.Block.Header
	if added, err := n.processor.OnState(header, "self"); err != nil || !added {
		t.Fatalf("OnState: added=%t err=%v", added, err)
	}
	if added, err := n.processor.OnBlock(header.ID(),
		core.SerializeBlockBody(template.Block), "self"); err != nil || !added {
		t.Fatalf("OnBlock: added=%t err=%v", added, err)
	}
	if tip := n.processor.TipID(); tip != header.ID() {
		t.Fatalf("template block not activated: tip %s", tip)
	}

	n.pool.RemoveConfirmed(template.Block)
	if n.pool.Count() != 1 {
		t.Fatalf("pool count after confirm: got %d, want 1", n.pool.Count())
	}
	if !n.pool.HaveKernel(kernelIDOf(t3)) {
		t.Error("skipped transaction evicted from the pool")
	}
}

func kernelIDOf(tx *core.Transaction) *ecc.Hash {
	id := tx.Kernels[0].ID()
	return &id
}

func TestTemplateRespectsSizeLimit(t *testing.T) {
	n := newTestNode(t)
	for n.processor.TipID().Height < 2+n.params.CoinbaseIncubation {
		n.mineBlock()
	}
	nextHeight := n.processor.TipID().Height + 1

	big := n.spendCoinbase(2, 5000, nextHeight, 8)
	small := n.spendCoinbase(3, 50, nextHeight, 1)
	poolHeight := n.processor.TipID().Height
	for _, tx := range []*core.Transaction{big, small} {
		if _, err := n.pool.MaybeAcceptTransaction(tx, poolHeight); err != nil {
			t.Fatalf("MaybeAcceptTransaction: unexpected error: %v", err)
		}
	}

	// A limit below the big transaction's size forces the generator to
	// skip it while still taking the small one.
	n.generator.policy.BlockMaxSize = 12 + 2*core.OutputSize + small.SerializedSize()
	template, err := n.generator.NewBlockTemplate()
	if err != nil {
		t.Fatalf("NewBlockTemplate: unexpected error: %v", err)
	}
	if template.Fees != 50 {
		t.Errorf("template fees under size pressure: got %d, want 50", template.Fees)
	}
	if n.pool.Count() != 2 {
		t.Errorf("pool mutated by template generation: count %d, want 2", n.pool.Count())
	}
}
