package chain

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/sablenet/sabled/chaincfg"
	"github.com/sablenet/sabled/core"
	"github.com/sablenet/sabled/database"
	"github.com/sablenet/sabled/radix"
	"github.com/sablenet/sabled/statedb"
	"github.com/sablenet/sabled/util/panics"
)

// PeerID identifies the peer a header or body arrived from.
type PeerID string

// Config is the capability set the processor is parameterized by. The three
// event sinks are the processor's only escape to the outside world.
type Config struct {
	// Params defines the network the processor validates against.
	Params *chaincfg.Params

	// DB is the backing key-value database.
	DB database.Database

	// Horizon bounds how much history is kept. Zero values fall back to
	// the params' defaults.
	Horizon chaincfg.Horizon

	// RequestData asks the transport layer to fetch a header
	// (wantBlock=false) or body (wantBlock=true) from the network.
	// preferredPeer, when non-nil, last supplied an ancestor on the same
	// candidate branch.
	RequestData func(id core.StateID, wantBlock bool, preferredPeer *PeerID)

	// OnPeerInsane reports a peer that supplied provably bad data.
	OnPeerInsane func(peer PeerID)

	// OnNewState fires once per tip advance.
	OnNewState func()

	// OnCorrupted is invoked on unrecoverable store corruption. When nil
	// the processor aborts the process.
	OnCorrupted func(err error)
}

// Processor is the node chain processor: it validates incoming headers and
// bodies, maintains the canonical chain under reorganizations, keeps the
// UTXO and kernel trees consistent with the chosen tip, enumerates missing
// data, and prunes history behind the horizon.
//
// The processor is single-threaded cooperative: all entry points run to
// completion under one lock, and the same set of valid deliveries produces
// the same final tip in any order.
type Processor struct {
	lock sync.Mutex

	cfg     Config
	horizon chaincfg.Horizon
	sdb     *statedb.StateDB

	utxos   *radix.UtxoTree
	kernels *radix.KernelTree

	// suppliers remembers which peer last provided each state's header
	// or body, to steer RequestData at the right peer.
	suppliers map[core.StateID]PeerID
}

// New creates a Processor over the given database, initializing the genesis
// state on first run and recovering the commitment trees otherwise.
func New(cfg *Config) (*Processor, error) {
	horizon := cfg.Horizon
	if horizon.Branching == 0 && horizon.Erase == 0 {
		horizon = cfg.Params.DefaultHorizon
	}
	if horizon.Branching > horizon.Erase {
		return nil, errors.Errorf("branching horizon %d exceeds erase horizon %d",
			horizon.Branching, horizon.Erase)
	}

	p := &Processor{
		cfg:       *cfg,
		horizon:   horizon,
		sdb:       statedb.New(cfg.DB),
		suppliers: make(map[core.StateID]PeerID),
	}

	_, hasGenesis, err := p.sdb.Genesis(p.sdb.Accessor())
	if err != nil {
		return nil, err
	}
	if !hasGenesis {
		if err := p.initGenesis(); err != nil {
			return nil, err
		}
	} else if err := p.recover(); err != nil {
		return nil, err
	}
	return p, nil
}

// initGenesis seeds the store with the pinned genesis state and empty trees.
func (p *Processor) initGenesis() error {
	genesis := p.cfg.Params.GenesisHeader()
	id := genesis.ID()
	log.Infof("Initializing chain state with genesis %s", id)

	dbTx, err := p.sdb.Begin()
	if err != nil {
		return err
	}
	defer dbTx.RollbackUnlessClosed()

	flags := statedb.FlagFunctional | statedb.FlagReachable
	if _, _, err := p.sdb.PutState(dbTx, genesis, flags); err != nil {
		return err
	}
	if err := p.sdb.SetGenesis(dbTx, id); err != nil {
		return err
	}
	if err := p.sdb.SetActive(dbTx, id); err != nil {
		return err
	}
	if err := p.sdb.SetTip(dbTx, id); err != nil {
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return err
	}

	p.utxos = radix.NewUtxoTree()
	p.kernels = radix.NewKernelTree()
	return nil
}

// recover reloads the commitment trees from their persisted leaves and
// verifies the store's structural integrity and the tip's roots.
func (p *Processor) recover() error {
	dbc := p.sdb.Accessor()
	if err := p.sdb.VerifyIntegrity(dbc); err != nil {
		return errors.Wrap(err, "state store failed integrity check")
	}

	utxos, err := radix.LoadUtxoTree(dbc, p.sdb.UtxoBucket())
	if err != nil {
		return err
	}
	kernels, err := radix.LoadKernelTree(dbc, p.sdb.KernelBucket())
	if err != nil {
		return err
	}
	p.utxos = utxos
	p.kernels = kernels

	tip, ok, err := p.sdb.Tip(dbc)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("state store has genesis but no tip")
	}
	tipHeader, err := p.sdb.GetState(dbc, tip)
	if err != nil {
		return err
	}
	if utxoRoot := p.utxos.Root(); utxoRoot != tipHeader.UtxoRoot {
		return errors.Errorf("recovered UTXO root %s disagrees with tip %s", utxoRoot, tip)
	}
	if kernelRoot := p.kernels.Root(); kernelRoot != tipHeader.KernelRoot {
		return errors.Errorf("recovered kernel root %s disagrees with tip %s", kernelRoot, tip)
	}
	log.Infof("Recovered chain state at tip %s", tip)
	return nil
}

// onCorrupted reports unrecoverable corruption and aborts.
func (p *Processor) onCorrupted(err error) {
	if p.cfg.OnCorrupted != nil {
		p.cfg.OnCorrupted(err)
		return
	}
	panics.Exit(log, errors.Wrap(err, "chain state corrupted").Error())
}

func (p *Processor) requestData(id core.StateID, wantBlock bool, preferredPeer *PeerID) {
	if p.cfg.RequestData != nil {
		p.cfg.RequestData(id, wantBlock, preferredPeer)
	}
}

func (p *Processor) onPeerInsane(peer PeerID) {
	log.Warnf("Peer %s reported insane", peer)
	if p.cfg.OnPeerInsane != nil {
		p.cfg.OnPeerInsane(peer)
	}
}

func (p *Processor) onNewState() {
	if p.cfg.OnNewState != nil {
		p.cfg.OnNewState()
	}
}

// TipID returns the ID of the active tip.
func (p *Processor) TipID() core.StateID {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.tipIDNoLock()
}

func (p *Processor) tipIDNoLock() core.StateID {
	tip, ok, err := p.sdb.Tip(p.sdb.Accessor())
	if err != nil {
		p.onCorrupted(errors.Wrap(err, "tip lookup failed"))
	} else if !ok {
		p.onCorrupted(errors.New("store has no tip"))
	}
	return tip
}

// CurrentState returns the header of the active tip.
func (p *Processor) CurrentState() (*core.Header, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.sdb.GetState(p.sdb.Accessor(), p.tipIDNoLock())
}

// IsStateNeeded returns whether the given state is unknown and still within
// the horizon where it could matter.
func (p *Processor) IsStateNeeded(id core.StateID) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	tip := p.tipIDNoLock()
	if tip.Height > p.horizon.Branching && id.Height < tip.Height-p.horizon.Branching {
		return false
	}
	known, err := p.sdb.HasState(p.sdb.Accessor(), id)
	if err != nil {
		p.onCorrupted(err)
	}
	return !known
}

// StateDB exposes the store for read-only peer serving. Readers must handle
// "not found" gracefully: records may be pruned at any time.
func (p *Processor) StateDB() *statedb.StateDB {
	return p.sdb
}

// Params returns the network parameters the processor runs under.
func (p *Processor) Params() *chaincfg.Params {
	return p.cfg.Params
}

// CloneTrees returns independent copies of the commitment trees at the
// current tip, for simulated applies by the block builder.
func (p *Processor) CloneTrees() (*radix.UtxoTree, *radix.KernelTree) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.utxos.Clone(), p.kernels.Clone()
}
