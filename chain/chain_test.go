package chain

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/sablenet/sabled/chaincfg"
	"github.com/sablenet/sabled/core"
	"github.com/sablenet/sabled/database/ldb"
	"github.com/sablenet/sabled/ecc"
)

func TestLinearGrowth(t *testing.T) {
	h := newTestHarness(t, chaincfg.Horizon{})
	g := h.genesisBlock()

	a := h.extend(g, nil, 0)
	b := h.extend(a, nil, 0)
	c := h.extend(b, nil, 0)
	blocks := []*testBlock{a, b, c}

	// Bodies first, then headers, is as good as any order.
	h.deliverAll(blocks, []int{1, 3, 5, 4, 2, 0}, "peer1")

	if tip := h.proc.TipID(); tip != c.header.ID() {
		t.Fatalf("tip: got %s, want %s", tip, c.header.ID())
	}
	if root := h.tipRoot(); root != c.utxos.Root() {
		t.Fatalf("tip UTXO root: got %s, want %s", root, c.utxos.Root())
	}
	if h.newStates == 0 {
		t.Error("no OnNewState notification fired")
	}

	// Ingest is idempotent: everything returns false the second time.
	for _, blk := range blocks {
		if h.deliverState(blk, "peer2") {
			t.Errorf("re-delivered header %s reported added", blk.header.ID())
		}
		if h.deliverBlock(blk, "peer2") {
			t.Errorf("re-delivered body %s reported added", blk.header.ID())
		}
	}
	if len(h.insane) != 0 {
		t.Errorf("%d peers reported insane on a clean chain", len(h.insane))
	}
}

func TestDeterminismUnderPermutation(t *testing.T) {
	// Build one set of blocks, feed permutations of the same deliveries
	// into fresh processors, and demand identical outcomes.
	seedHarness := newTestHarness(t, chaincfg.Horizon{})
	g := seedHarness.genesisBlock()
	a := seedHarness.extend(g, nil, 0)
	b := seedHarness.extend(a, nil, 0)
	x := seedHarness.extend(g, nil, 7)
	y := seedHarness.extend(x, nil, 7)
	z := seedHarness.extend(y, nil, 7)
	blocks := []*testBlock{a, b, x, y, z}

	order := make([]int, 2*len(blocks))
	for i := range order {
		order[i] = i
	}

	var wantTip core.StateID
	var wantRoot ecc.Hash
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 6; trial++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		h := newTestHarness(t, chaincfg.Horizon{})
		h.deliverAll(blocks, order, "peer1")

		tip := h.proc.TipID()
		root := h.tipRoot()
		if trial == 0 {
			wantTip = tip
			wantRoot = root
			if tip != z.header.ID() {
				t.Fatalf("tip: got %s, want %s", tip, z.header.ID())
			}
			continue
		}
		if tip != wantTip || root != wantRoot {
			t.Fatalf("trial %d diverged: tip %s root %x, want %s %x",
				trial, tip, root, wantTip, wantRoot)
		}
	}
}

func TestReorg(t *testing.T) {
	h := newTestHarness(t, chaincfg.Horizon{})
	g := h.genesisBlock()

	// Active chain G -> A -> B.
	a := h.extend(g, nil, 0)
	b := h.extend(a, nil, 0)
	h.deliverAll([]*testBlock{a, b}, []int{0, 1, 2, 3}, "peer1")
	if tip := h.proc.TipID(); tip != b.header.ID() {
		t.Fatalf("tip before reorg: got %s, want %s", tip, b.header.ID())
	}

	// A longer fork G -> X -> Y -> Z with more cumulative work.
	x := h.extend(g, nil, 3)
	y := h.extend(x, nil, 3)
	z := h.extend(y, nil, 3)
	h.deliverAll([]*testBlock{x, y, z}, []int{0, 1, 2, 3, 4, 5}, "peer2")

	if tip := h.proc.TipID(); tip != z.header.ID() {
		t.Fatalf("tip after reorg: got %s, want %s", tip, z.header.ID())
	}
	if root := h.tipRoot(); root != z.utxos.Root() {
		t.Fatalf("UTXO root after reorg: got %s, want %s", root, z.utxos.Root())
	}
	if len(h.insane) != 0 {
		t.Errorf("%d peers reported insane during a clean reorg", len(h.insane))
	}

	// The displaced chain's states are Reachable but no longer Active.
	flags, err := h.proc.sdb.GetFlags(h.proc.sdb.Accessor(), b.header.ID())
	if err != nil {
		t.Fatalf("GetFlags: unexpected error: %v", err)
	}
	if flags.IsActive() {
		t.Error("displaced tip still flagged Active")
	}
	if !flags.IsReachable() {
		t.Error("displaced tip lost Reachable")
	}

	// Reorg round trip: rolling the fork away again replays A and B; two
	// further blocks on the old branch outweigh the fork.
	c := h.extend(b, nil, 0)
	d := h.extend(c, nil, 0)
	h.deliverAll([]*testBlock{c, d}, []int{0, 1, 2, 3}, "peer1")
	if tip := h.proc.TipID(); tip != d.header.ID() {
		t.Fatalf("tip after counter-reorg: got %s, want %s", tip, d.header.ID())
	}
	if root := h.tipRoot(); root != d.utxos.Root() {
		t.Fatalf("UTXO root after counter-reorg: got %s, want %s", root, d.utxos.Root())
	}
}

func TestReorgWithSpends(t *testing.T) {
	h := newTestHarness(t, chaincfg.Horizon{})
	g := h.genesisBlock()

	// Grow until the first coinbase incubated: spendable at its maturity.
	chain := []*testBlock{h.extend(g, nil, 0)}
	for len(chain) < 6 {
		chain = append(chain, h.extend(chain[len(chain)-1], nil, 0))
	}
	tip := chain[len(chain)-1]
	spendHeight := tip.header.Height + 1
	sp := tip.spendables[0]
	if sp.out.Maturity > spendHeight {
		t.Fatalf("test setup: first coinbase matures at %d, spend height %d",
			sp.out.Maturity, spendHeight)
	}

	spend := h.makeSpend(sp, 25, spendHeight)
	withSpend := h.extend(tip, []*core.Transaction{spend}, 0)
	chain = append(chain, withSpend)

	var order []int
	for i := range chain {
		order = append(order, 2*i, 2*i+1)
	}
	h.deliverAll(chain, order, "peer1")
	if got := h.proc.TipID(); got != withSpend.header.ID() {
		t.Fatalf("tip: got %s, want %s", got, withSpend.header.ID())
	}

	// A competing branch from the same parent undoes the spend, then the
	// original branch plus one wins it back. The spent output must
	// survive both transitions bit-for-bit.
	alt1 := h.extend(tip, nil, 9)
	alt2 := h.extend(alt1, nil, 9)
	h.deliverAll([]*testBlock{alt1, alt2}, []int{0, 1, 2, 3}, "peer2")
	if got := h.proc.TipID(); got != alt2.header.ID() {
		t.Fatalf("tip after fork: got %s, want %s", got, alt2.header.ID())
	}
	if root := h.tipRoot(); root != alt2.utxos.Root() {
		t.Fatalf("UTXO root after undoing a spend: got %s, want %s",
			root, alt2.utxos.Root())
	}

	more1 := h.extend(withSpend, nil, 0)
	more2 := h.extend(more1, nil, 0)
	h.deliverAll([]*testBlock{more1, more2}, []int{0, 1, 2, 3}, "peer1")
	if got := h.proc.TipID(); got != more2.header.ID() {
		t.Fatalf("tip after re-reorg: got %s, want %s", got, more2.header.ID())
	}
	if root := h.tipRoot(); root != more2.utxos.Root() {
		t.Fatalf("UTXO root after replaying the spend: got %s, want %s",
			root, more2.utxos.Root())
	}
}

func TestMissingBody(t *testing.T) {
	h := newTestHarness(t, chaincfg.Horizon{})
	g := h.genesisBlock()

	a := h.extend(g, nil, 0)
	b := h.extend(a, nil, 0)

	h.deliverState(a, "peer1")
	h.deliverState(b, "peer1")
	h.deliverBlock(b, "peer1")

	if tip := h.proc.TipID(); tip != g.header.ID() {
		t.Fatalf("tip with missing body: got %s, want genesis %s", tip, g.header.ID())
	}

	h.proc.EnumCongestions()
	if len(h.requests) == 0 {
		t.Fatal("EnumCongestions emitted no request")
	}
	req := h.requests[len(h.requests)-1]
	if req.id != a.header.ID() || !req.wantBlock {
		t.Fatalf("requested %s (block=%t), want body of %s", req.id, req.wantBlock, a.header.ID())
	}
	if req.preferred == nil || *req.preferred != "peer1" {
		t.Error("request did not prefer the branch's supplying peer")
	}

	// Supplying the missing body unblocks both applies.
	h.deliverBlock(a, "peer2")
	if tip := h.proc.TipID(); tip != b.header.ID() {
		t.Fatalf("tip after supplying body: got %s, want %s", tip, b.header.ID())
	}
}

func TestMissingHeaderCongestion(t *testing.T) {
	h := newTestHarness(t, chaincfg.Horizon{})
	g := h.genesisBlock()

	a := h.extend(g, nil, 0)
	b := h.extend(a, nil, 0)
	c := h.extend(b, nil, 0)

	// Only the far descendant is known; the gap is headers.
	h.deliverState(c, "peer1")
	h.proc.EnumCongestions()

	if len(h.requests) == 0 {
		t.Fatal("EnumCongestions emitted no request")
	}
	req := h.requests[len(h.requests)-1]
	if req.id != b.header.ID() || req.wantBlock {
		t.Fatalf("requested %s (block=%t), want header of %s", req.id, req.wantBlock, b.header.ID())
	}
}

func TestInvalidBlockDemotesAndReportsPeer(t *testing.T) {
	h := newTestHarness(t, chaincfg.Horizon{})
	g := h.genesisBlock()

	a := h.extend(g, nil, 0)
	// Corrupt the UTXO commitment and re-solve so the header itself is
	// fine but the body can never reproduce it.
	a.header.UtxoRoot[0] ^= 0xff
	a.header.SolveProofOfWork(h.params.PowMax)

	h.deliverState(a, "peer1")
	h.deliverBlock(a, "peer1")

	if tip := h.proc.TipID(); tip != g.header.ID() {
		t.Fatalf("tip after invalid block: got %s, want genesis", tip)
	}
	if len(h.insane) != 1 || h.insane[0] != "peer1" {
		t.Fatalf("insane peers: got %v, want [peer1]", h.insane)
	}
	flags, err := h.proc.sdb.GetFlags(h.proc.sdb.Accessor(), a.header.ID())
	if err != nil {
		t.Fatalf("GetFlags: unexpected error: %v", err)
	}
	if flags.IsFunctional() || flags.IsReachable() {
		t.Errorf("invalid state kept flags %08b", flags)
	}

	// Re-delivery from another peer is a no-op, not a crash or a retry.
	if h.deliverBlock(a, "peer2") {
		t.Error("re-delivered invalid body reported added")
	}
	if tip := h.proc.TipID(); tip != g.header.ID() {
		t.Error("tip moved on re-delivered invalid body")
	}
}

func TestContextualFailureIsPolite(t *testing.T) {
	h := newTestHarness(t, chaincfg.Horizon{})
	g := h.genesisBlock()

	// Build a block whose kernel window excludes its own height. Its
	// roots are computed honestly over its actual content, so it fails
	// on the window check alone: a contextual failure that does not
	// implicate the peer.
	height := g.header.Height + 1
	subsidy := h.params.BlockSubsidy(height)
	maturity := height + h.params.CoinbaseIncubation

	coinbaseBlind := nextTestBlind()
	block := &core.Block{
		Outputs: []*core.Output{h.buildCoinbaseOutput(coinbaseBlind, subsidy, maturity)},
	}
	kernelBlind := coinbaseBlind.Negate()
	kernel := &core.TxKernel{
		Excess:    ecc.BlindGenerator(kernelBlind),
		MinHeight: height + 1,
		MaxHeight: height + 1,
	}
	sig, err := ecc.KernelSign(kernelBlind, kernel.SigningHash())
	if err != nil {
		t.Fatalf("KernelSign: unexpected error: %v", err)
	}
	kernel.Signature = sig
	block.Kernels = []*core.TxKernel{kernel}
	block.Normalize()

	utxos, kernels := h.proc.CloneTrees()
	if err := utxos.Add(&block.Outputs[0].Commitment, maturity); err != nil {
		t.Fatal(err)
	}
	kernelID := kernel.ID()
	if err := kernels.Add(&kernelID); err != nil {
		t.Fatal(err)
	}

	header := &core.Header{
		Height:     height,
		Prev:       g.header.Hash(),
		Timestamp:  g.header.Timestamp + 600,
		Bits:       g.header.Bits,
		ChainWork:  new(big.Int).Add(g.header.ChainWork, core.CalcWork(g.header.Bits)),
		UtxoRoot:   utxos.Root(),
		KernelRoot: kernels.Root(),
	}
	header.SolveProofOfWork(h.params.PowMax)

	bad := &testBlock{header: header, body: core.SerializeBlockBody(block)}
	h.deliverState(bad, "peer1")
	h.deliverBlock(bad, "peer1")

	if tip := h.proc.TipID(); tip != g.header.ID() {
		t.Fatalf("tip after contextual failure: got %s, want genesis", tip)
	}
	if len(h.insane) != 0 {
		t.Errorf("polite contextual failure reported peers insane: %v", h.insane)
	}
	flags, err := h.proc.sdb.GetFlags(h.proc.sdb.Accessor(), header.ID())
	if err != nil {
		t.Fatalf("GetFlags: unexpected error: %v", err)
	}
	if flags.IsFunctional() {
		t.Error("contextually failed state kept Functional")
	}
}

func TestReachabilityCascade(t *testing.T) {
	h := newTestHarness(t, chaincfg.Horizon{})
	g := h.genesisBlock()

	a := h.extend(g, nil, 0)
	b := h.extend(a, nil, 0)
	c := h.extend(b, nil, 0)

	// Children arrive before their parent: Functional but unreachable.
	h.deliverState(b, "peer1")
	h.deliverState(c, "peer1")

	dbc := h.proc.sdb.Accessor()
	for _, blk := range []*testBlock{b, c} {
		flags, err := h.proc.sdb.GetFlags(dbc, blk.header.ID())
		if err != nil {
			t.Fatalf("GetFlags: unexpected error: %v", err)
		}
		if !flags.IsFunctional() {
			t.Errorf("state %s not Functional", blk.header.ID())
		}
		if flags.IsReachable() {
			t.Errorf("orphan state %s marked Reachable", blk.header.ID())
		}
	}

	// The missing parent cascades reachability to both descendants.
	h.deliverState(a, "peer1")
	for _, blk := range []*testBlock{a, b, c} {
		flags, err := h.proc.sdb.GetFlags(dbc, blk.header.ID())
		if err != nil {
			t.Fatalf("GetFlags: unexpected error: %v", err)
		}
		if !flags.IsReachable() {
			t.Errorf("state %s not Reachable after cascade", blk.header.ID())
		}
	}
}

func TestHorizonPruning(t *testing.T) {
	h := newTestHarness(t, chaincfg.Horizon{Branching: 4, Erase: 8})
	g := h.genesisBlock()

	chain := []*testBlock{h.extend(g, nil, 0)}
	for len(chain) < 9 {
		chain = append(chain, h.extend(chain[len(chain)-1], nil, 0))
	}

	// A stale sibling branch forking early; its tip will fall behind the
	// branching horizon.
	stale := h.extend(chain[1], nil, 5)

	var order []int
	for i := range chain {
		order = append(order, 2*i, 2*i+1)
	}
	h.deliverAll(chain, order, "peer1")
	h.deliverState(stale, "peer1")
	h.deliverBlock(stale, "peer1")

	// Tip 10; keep extending to height 20.
	for chain[len(chain)-1].header.Height < 20 {
		next := h.extend(chain[len(chain)-1], nil, 0)
		chain = append(chain, next)
		h.deliverState(next, "peer1")
		h.deliverBlock(next, "peer1")
	}
	if tip := h.proc.TipID(); tip.Height != 20 {
		t.Fatalf("tip height: got %d, want 20", tip.Height)
	}

	dbc := h.proc.sdb.Accessor()

	// Schwarzschild horizon: bodies at heights 2..12 erased, headers kept.
	for _, blk := range chain {
		flags, err := h.proc.sdb.GetFlags(dbc, blk.header.ID())
		if err != nil {
			t.Fatalf("GetFlags(%s): unexpected error: %v", blk.header.ID(), err)
		}
		height := blk.header.Height
		if height <= 12 && flags.HasBody() {
			t.Errorf("body at height %d not fossilized", height)
		}
		if height > 12 && !flags.HasBody() {
			t.Errorf("body at height %d erased too early", height)
		}
	}

	// Branching horizon: the stale branch is gone entirely.
	known, err := h.proc.sdb.HasState(dbc, stale.header.ID())
	if err != nil {
		t.Fatalf("HasState: unexpected error: %v", err)
	}
	if known {
		t.Error("stale branch survived the branching horizon")
	}

	// A pruned state is no longer needed; a fresh one near the tip is.
	if h.proc.IsStateNeeded(stale.header.ID()) {
		t.Error("state behind the branching horizon reported needed")
	}
}

func TestRecoverFromRestart(t *testing.T) {
	dir := t.TempDir()
	db, err := ldb.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("NewLevelDB: unexpected error: %v", err)
	}

	params := &chaincfg.SimNetParams
	cfg := &Config{
		Params: params,
		DB:     db,
		OnCorrupted: func(err error) {
			t.Fatalf("chain state corrupted: %+v", err)
		},
	}
	proc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}

	// Borrow the harness block builder against this processor.
	h := &testHarness{t: t, params: params, proc: proc}
	g := h.genesisBlock()
	a := h.extend(g, nil, 0)
	b := h.extend(a, nil, 0)
	h.deliverAll([]*testBlock{a, b}, []int{0, 1, 2, 3}, "peer1")
	tipBefore := proc.TipID()
	rootBefore := h.tipRoot()

	if err := db.Close(); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}

	// Reopen: the trees must be rebuilt from their persisted leaves and
	// agree with the stored tip bit-for-bit.
	db, err = ldb.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("NewLevelDB: unexpected error: %v", err)
	}
	defer db.Close()
	cfg.DB = db
	reopened, err := New(cfg)
	if err != nil {
		t.Fatalf("New after restart: unexpected error: %v", err)
	}

	if tip := reopened.TipID(); tip != tipBefore {
		t.Fatalf("tip after restart: got %s, want %s", tip, tipBefore)
	}
	h.proc = reopened
	if root := h.tipRoot(); root != rootBefore {
		t.Fatalf("UTXO root after restart: got %s, want %s", root, rootBefore)
	}

	// The reopened processor keeps working: extend the chain once more.
	c := h.extend(b, nil, 0)
	h.deliverAll([]*testBlock{c}, []int{0, 1}, "peer1")
	if tip := reopened.TipID(); tip != c.header.ID() {
		t.Fatalf("tip after post-restart extend: got %s, want %s", tip, c.header.ID())
	}
}

func TestFossilReorgRefused(t *testing.T) {
	h := newTestHarness(t, chaincfg.Horizon{Branching: 4, Erase: 6})
	g := h.genesisBlock()

	chain := []*testBlock{h.extend(g, nil, 0)}
	for chain[len(chain)-1].header.Height < 16 {
		next := h.extend(chain[len(chain)-1], nil, 0)
		chain = append(chain, next)
	}
	var order []int
	for i := range chain {
		order = append(order, 2*i, 2*i+1)
	}
	h.deliverAll(chain, order, "peer1")
	tipBefore := h.proc.TipID()
	if tipBefore.Height != 16 {
		t.Fatalf("tip height: got %d, want 16", tipBefore.Height)
	}

	// A heavier fork branching at height 2, far behind the erase horizon.
	// Its activation would need rolling back fossilized blocks, so it is
	// refused no matter its work.
	fork := []*testBlock{h.extend(chain[0], nil, 11)}
	for len(fork) < 17 {
		fork = append(fork, h.extend(fork[len(fork)-1], nil, 11))
	}
	order = order[:0]
	for i := range fork {
		order = append(order, 2*i, 2*i+1)
	}
	h.deliverAll(fork, order, "peer2")

	if tip := h.proc.TipID(); tip != tipBefore {
		t.Fatalf("fossil-crossing reorg was not refused: tip %s", tip)
	}
}
