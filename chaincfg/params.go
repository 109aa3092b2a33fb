package chaincfg

import (
	"math/big"

	"github.com/sablenet/sabled/core"
)

// Coin is the number of base units in one coin.
const Coin = 100000000

var (
	// bigOne is 1 represented as a big.Int. It is defined here to avoid
	// the overhead of creating it multiple times.
	bigOne = big.NewInt(1)

	// mainPowMax is the highest proof of work value a sable block can
	// have for the main network. It is the value 2^239 - 1.
	mainPowMax = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 239), bigOne)

	// simNetPowMax is the highest proof of work value a sable block can
	// have for the simulation test network. It is the value 2^255 - 1.
	simNetPowMax = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 255), bigOne)
)

// Horizon bounds how much history the node keeps.
type Horizon struct {
	// Branching is the depth behind the tip beyond which non-active
	// branches are pruned and can no longer become reorg targets.
	Branching uint64

	// Erase is the depth behind the tip beyond which the bodies and
	// rollback data of active states are erased, keeping headers only.
	Erase uint64
}

// Params defines a sable network by its consensus parameters.
type Params struct {
	// Name defines a human-readable identifier for the network.
	Name string

	// PowMax defines the highest allowed proof of work value for a block
	// as a uint256.
	PowMax *big.Int

	// GenesisBits is the compact difficulty target of the genesis state.
	GenesisBits uint32

	// GenesisTimestamp is the genesis block time in unix seconds.
	GenesisTimestamp int64

	// SubsidyHalvingInterval is the number of blocks between each
	// halving of the block subsidy.
	SubsidyHalvingInterval uint64

	// InitialSubsidy is the block subsidy before the first halving.
	InitialSubsidy core.Amount

	// CoinbaseIncubation is the number of blocks a coinbase output must
	// incubate beyond its creation height before it may be spent.
	CoinbaseIncubation uint64

	// MaxBlockSize is the maximum serialized size of a block body.
	MaxBlockSize int

	// MaxTxSize is the maximum serialized size of a loose transaction
	// accepted into the mempool.
	MaxTxSize int

	// DefaultHorizon is the pruning horizon applied unless overridden by
	// configuration.
	DefaultHorizon Horizon

	genesisHeader *core.Header
}

// BlockSubsidy returns the emission a block at the given height is allowed
// to create.
func (p *Params) BlockSubsidy(height uint64) core.Amount {
	halvings := (height - 1) / p.SubsidyHalvingInterval
	if halvings >= 64 {
		return 0
	}
	return p.InitialSubsidy >> halvings
}

// GenesisHeader returns the network's genesis state. The genesis is pinned
// by configuration rather than by proof of work.
func (p *Params) GenesisHeader() *core.Header {
	if p.genesisHeader == nil {
		p.genesisHeader = &core.Header{
			Height:    1,
			Timestamp: p.GenesisTimestamp,
			Bits:      p.GenesisBits,
			ChainWork: core.CalcWork(p.GenesisBits),
			// Genesis carries no body: both trees are empty.
		}
	}
	return p.genesisHeader
}

// GenesisID returns the state identity of the genesis header.
func (p *Params) GenesisID() core.StateID {
	return p.GenesisHeader().ID()
}

// MainNetParams defines the network parameters for the main sable network.
var MainNetParams = Params{
	Name:                   "mainnet",
	PowMax:                 mainPowMax,
	GenesisBits:            0x1e00ffff,
	GenesisTimestamp:       1567296000,
	SubsidyHalvingInterval: 1 << 18,
	InitialSubsidy:         80 * Coin,
	CoinbaseIncubation:     60,
	MaxBlockSize:           1 << 20,
	MaxTxSize:              1 << 18,
	DefaultHorizon:         Horizon{Branching: 1440, Erase: 2880},
}

// SimNetParams defines the network parameters for the simulation test
// network. Difficulty is trivial so blocks can be solved inline.
var SimNetParams = Params{
	Name:                   "simnet",
	PowMax:                 simNetPowMax,
	GenesisBits:            0x207fffff,
	GenesisTimestamp:       1567296000,
	SubsidyHalvingInterval: 1 << 18,
	InitialSubsidy:         80 * Coin,
	CoinbaseIncubation:     4,
	MaxBlockSize:           1 << 20,
	MaxTxSize:              1 << 18,
	DefaultHorizon:         Horizon{Branching: 8, Erase: 16},
}
