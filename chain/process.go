package chain

import (
	"fmt"
	"math/big"

	"github.com/pkg/errors"

	"github.com/sablenet/sabled/core"
	"github.com/sablenet/sabled/database"
	"github.com/sablenet/sabled/statedb"
)

// OnState ingests a header from a peer. The header is persisted and marked
// Functional if its proof of work verifies; reachability cascades to the
// record and its already-known descendants, and the processor attempts to
// advance the tip. The return value reports whether the header was new.
func (p *Processor) OnState(h *core.Header, peer PeerID) (bool, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	id := h.ID()
	log.Tracef("Processing header %s from peer %s", id, peer)

	if err := p.checkHeaderSanity(h, id); err != nil {
		var ruleErr RuleError
		if errors.As(err, &ruleErr) && ruleErr.reportsPeerInsane() {
			p.onPeerInsane(peer)
			return false, nil
		}
		return false, err
	}

	dbTx, err := p.sdb.Begin()
	if err != nil {
		return false, err
	}
	defer dbTx.RollbackUnlessClosed()

	_, added, err := p.sdb.PutState(dbTx, h, statedb.FlagFunctional)
	if err != nil {
		return false, err
	}
	if !added {
		if err := dbTx.Rollback(); err != nil {
			return false, err
		}
		log.Tracef("Header %s is a duplicate", id)
		return false, nil
	}

	// If the parent is known, its cumulative work pins this header's.
	parentID := core.StateID{Height: h.Height - 1, Hash: h.Prev}
	parentKnown, err := p.sdb.HasState(dbTx, parentID)
	if err != nil {
		return false, err
	}
	if parentKnown {
		parent, err := p.sdb.GetState(dbTx, parentID)
		if err != nil {
			return false, err
		}
		if err := checkChainWorkLink(parent, h); err != nil {
			// The header is recorded but never becomes Functional, so
			// it can't pollute tip selection.
			if flagErr := p.sdb.SetFlags(dbTx, id, statedb.FlagFunctional, false); flagErr != nil {
				return false, flagErr
			}
			if err := dbTx.Commit(); err != nil {
				return false, err
			}
			p.onPeerInsane(peer)
			return false, nil
		}
	}

	if err := p.cascadeReachable(dbTx, id); err != nil {
		return false, err
	}
	if err := dbTx.Commit(); err != nil {
		return false, err
	}

	p.suppliers[id] = peer
	p.tryGoUp()
	return true, nil
}

// checkHeaderSanity runs the context-free header checks: height, proof of
// work, and the genesis pin.
func (p *Processor) checkHeaderSanity(h *core.Header, id core.StateID) error {
	if h.Height == 0 {
		return ruleError(ErrMalformed, "header height 0 is not valid")
	}
	if h.Height == 1 {
		// Genesis is pinned by configuration, not by proof of work.
		if id != p.cfg.Params.GenesisID() {
			return ruleError(ErrMalformed, fmt.Sprintf(
				"header %s claims height 1 but is not the genesis state", id))
		}
		return nil
	}
	if h.ChainWork == nil || h.ChainWork.Sign() <= 0 {
		return ruleError(ErrBadChainWork, fmt.Sprintf(
			"header %s carries no cumulative work", id))
	}
	if !h.CheckProofOfWork(p.cfg.Params.PowMax) {
		return ruleError(ErrPowInvalid, fmt.Sprintf(
			"header %s proof of work does not verify", id))
	}
	return nil
}

// checkChainWorkLink verifies that a child's cumulative work equals its
// parent's plus the work of the child's own difficulty.
func checkChainWorkLink(parent, child *core.Header) error {
	expected := new(big.Int).Add(parent.ChainWork, core.CalcWork(child.Bits))
	if child.ChainWork == nil || child.ChainWork.Cmp(expected) != 0 {
		return ruleError(ErrBadChainWork, fmt.Sprintf(
			"header %s cumulative work %v, want %v",
			child.ID(), child.ChainWork, expected))
	}
	return nil
}

// cascadeReachable marks the state Reachable if its parent is, then walks
// already-known descendants breadth-first extending the property. Children
// whose cumulative work does not line up lose Functional instead.
func (p *Processor) cascadeReachable(dbc database.DataAccessor, id core.StateID) error {
	flags, err := p.sdb.GetFlags(dbc, id)
	if err != nil {
		return err
	}
	if !flags.IsFunctional() || flags.IsReachable() {
		return nil
	}

	genesis, _, err := p.sdb.Genesis(dbc)
	if err != nil {
		return err
	}
	if id != genesis {
		parentID, err := p.sdb.Parent(dbc, id)
		if err != nil {
			return err
		}
		parentKnown, err := p.sdb.HasState(dbc, parentID)
		if err != nil {
			return err
		}
		if !parentKnown {
			return nil
		}
		parentFlags, err := p.sdb.GetFlags(dbc, parentID)
		if err != nil {
			return err
		}
		if !parentFlags.IsReachable() {
			return nil
		}
	}

	queue := []core.StateID{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		if err := p.sdb.SetFlags(dbc, next, statedb.FlagReachable, true); err != nil {
			return err
		}
		nextHeader, err := p.sdb.GetState(dbc, next)
		if err != nil {
			return err
		}

		children, err := p.sdb.Children(dbc, next)
		if err != nil {
			return err
		}
		for _, child := range children {
			childFlags, err := p.sdb.GetFlags(dbc, child)
			if err != nil {
				return err
			}
			if !childFlags.IsFunctional() || childFlags.IsReachable() {
				continue
			}
			childHeader, err := p.sdb.GetState(dbc, child)
			if err != nil {
				return err
			}
			if err := checkChainWorkLink(nextHeader, childHeader); err != nil {
				log.Debugf("Dropping descendant %s: %s", child, err)
				if err := p.sdb.SetFlags(dbc, child, statedb.FlagFunctional, false); err != nil {
					return err
				}
				continue
			}
			queue = append(queue, child)
		}
	}
	return nil
}

// OnBlock ingests a block body for a known state. Bodies for unknown or
// already-bodied states are rejected; a body failing context-free checks
// reports the peer insane. The return value reports whether the body was
// new and stored.
func (p *Processor) OnBlock(id core.StateID, body []byte, peer PeerID) (bool, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	log.Tracef("Processing body for %s from peer %s", id, peer)

	dbc := p.sdb.Accessor()
	known, err := p.sdb.HasState(dbc, id)
	if err != nil {
		return false, err
	}
	if !known {
		log.Debugf("Body for unknown state %s rejected", id)
		return false, nil
	}
	flags, err := p.sdb.GetFlags(dbc, id)
	if err != nil {
		return false, err
	}
	if flags.HasBody() {
		log.Tracef("Body for %s is a duplicate", id)
		return false, nil
	}

	block, err := core.DeserializeBlockBody(body)
	if err != nil {
		p.onPeerInsane(peer)
		return false, nil
	}
	if err := block.SanityCheck(p.cfg.Params.BlockSubsidy(id.Height)); err != nil {
		log.Debugf("Body for %s failed sanity check: %s", id, err)
		p.onPeerInsane(peer)
		return false, nil
	}

	dbTx, err := p.sdb.Begin()
	if err != nil {
		return false, err
	}
	defer dbTx.RollbackUnlessClosed()
	if err := p.sdb.SetBody(dbTx, id, body, nil); err != nil {
		return false, err
	}
	if err := dbTx.Commit(); err != nil {
		return false, err
	}

	p.suppliers[id] = peer
	p.tryGoUp()
	return true, nil
}
