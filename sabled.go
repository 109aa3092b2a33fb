package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sablenet/sabled/chain"
	"github.com/sablenet/sabled/chaincfg"
	"github.com/sablenet/sabled/config"
	"github.com/sablenet/sabled/core"
	"github.com/sablenet/sabled/database/ldb"
	"github.com/sablenet/sabled/ecc"
	"github.com/sablenet/sabled/logger"
	"github.com/sablenet/sabled/mempool"
	"github.com/sablenet/sabled/mining"
	"github.com/sablenet/sabled/signal"
	"github.com/sablenet/sabled/util/panics"
	"github.com/sablenet/sabled/version"
)

// sabled is a wrapper for the node services.
type sabled struct {
	processor *chain.Processor
	txPool    *mempool.TxPool
	generator *mining.BlkTmplGenerator
	db        *ldb.LevelDB
}

// newSabled wires the chain processor, mempool and template generator over
// a freshly opened database.
func newSabled(cfg *config.Config) (*sabled, error) {
	db, err := ldb.NewLevelDB(cfg.DataDir())
	if err != nil {
		return nil, err
	}

	kdf, err := resolveKdf(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	processor, err := chain.New(&chain.Config{
		Params: cfg.NetParams(),
		DB:     db,
		Horizon: chaincfg.Horizon{
			Branching: cfg.HorizonBranching,
			Erase:     cfg.HorizonErase,
		},
		RequestData: func(id core.StateID, wantBlock bool, preferredPeer *chain.PeerID) {
			// The transport layer subscribes here once the p2p stack
			// attaches; a standalone node only logs the congestion.
			log.Debugf("Missing %s (block=%t)", id, wantBlock)
		},
		OnPeerInsane: func(peer chain.PeerID) {
			log.Warnf("Peer %s supplied provably bad data", peer)
		},
		OnNewState: func() {},
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	txPool := mempool.New(&mempool.Config{Params: cfg.NetParams()})
	generator := mining.NewBlkTmplGenerator(&mining.Policy{}, processor, txPool, kdf)

	return &sabled{
		processor: processor,
		txPool:    txPool,
		generator: generator,
		db:        db,
	}, nil
}

// resolveKdf builds the mining key derivation root from the configured
// mnemonic, generating and printing a fresh one when none is given.
func resolveKdf(cfg *config.Config) (*ecc.Kdf, error) {
	if cfg.MiningMnemonic != "" {
		return ecc.NewKdfFromMnemonic(cfg.MiningMnemonic, cfg.SeedPassphrase)
	}
	kdf, mnemonic, err := ecc.GenerateKdf()
	if err != nil {
		return nil, err
	}
	log.Infof("Generated mining seed mnemonic: %s", mnemonic)
	return kdf, nil
}

func (s *sabled) stop() {
	if err := s.db.Close(); err != nil {
		log.Errorf("Error closing the database: %s", err)
	}
}

// sabledMain is the real main function for sabled. It is invoked from main
// so the defers run before os.Exit.
func sabledMain() error {
	cfg, err := config.Parse()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile()), 0700); err != nil {
		return err
	}
	if err := logger.InitLogDir(cfg.LogFile()); err != nil {
		return err
	}
	if !logger.SetLogLevels(cfg.LogLevel) {
		return fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}

	defer panics.HandlePanic(log, nil)

	interrupt := signal.InterruptListener()

	log.Infof("Version %s", version.Version())
	log.Infof("Loading chain state from %s", cfg.DataDir())

	s, err := newSabled(cfg)
	if err != nil {
		log.Errorf("Unable to start sabled: %+v", err)
		return err
	}
	defer s.stop()

	tip := s.processor.TipID()
	log.Infof("Chain tip is %s", tip)

	<-interrupt
	return nil
}

func main() {
	if err := sabledMain(); err != nil {
		os.Exit(1)
	}
}
