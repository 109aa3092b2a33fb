package chain

import (
	"github.com/pkg/errors"

	"github.com/sablenet/sabled/core"
	"github.com/sablenet/sabled/statedb"
)

// betterTip reports whether a beats b under the tip-selection order:
// strictly more cumulative work, ties broken by lower header hash.
func (p *Processor) betterTip(a, b *core.Header) bool {
	switch a.ChainWork.Cmp(b.ChainWork) {
	case 1:
		return true
	case -1:
		return false
	}
	aHash, bHash := a.Hash(), b.Hash()
	return aHash.Less(&bHash)
}

// findBestTip returns the Reachable state with maximum cumulative work,
// ignoring refused candidates.
func (p *Processor) findBestTip(refused map[core.StateID]bool) (core.StateID, *core.Header, error) {
	dbc := p.sdb.Accessor()
	var bestID core.StateID
	var best *core.Header

	err := p.sdb.ForEachState(dbc, func(id core.StateID, flags statedb.Flags) error {
		if !flags.IsReachable() || refused[id] {
			return nil
		}
		h, err := p.sdb.GetState(dbc, id)
		if err != nil {
			return err
		}
		if best == nil || p.betterTip(h, best) {
			bestID, best = id, h
		}
		return nil
	})
	if err != nil {
		return core.StateID{}, nil, err
	}
	if best == nil {
		return core.StateID{}, nil, errors.New("no reachable states")
	}
	return bestID, best, nil
}

// findForkPoint walks a and b back to their lowest common ancestor.
func (p *Processor) findForkPoint(a, b core.StateID) (core.StateID, error) {
	dbc := p.sdb.Accessor()
	for a != b {
		if a.Height >= b.Height && a.Height > 0 {
			parent, err := p.sdb.Parent(dbc, a)
			if err != nil {
				return core.StateID{}, err
			}
			a = parent
			continue
		}
		if b.Height > 0 {
			parent, err := p.sdb.Parent(dbc, b)
			if err != nil {
				return core.StateID{}, err
			}
			b = parent
			continue
		}
		return core.StateID{}, errors.Errorf("states %s and %s share no ancestor", a, b)
	}
	return a, nil
}

// pathFromTo returns the states strictly above fork on the way to target,
// lowest first.
func (p *Processor) pathFromTo(fork, target core.StateID) ([]core.StateID, error) {
	dbc := p.sdb.Accessor()
	var path []core.StateID
	for cur := target; cur != fork; {
		path = append(path, cur)
		parent, err := p.sdb.Parent(dbc, cur)
		if err != nil {
			return nil, err
		}
		cur = parent
	}
	// Reverse into lowest-first order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// canRollBackTo reports whether every active block above fork still has its
// body and rollback data. A reorg crossing the erase horizon is refused:
// fossilized bodies are gone and rollback is impossible.
func (p *Processor) canRollBackTo(tip, fork core.StateID) (bool, error) {
	dbc := p.sdb.Accessor()
	for cur := tip; cur != fork; {
		flags, err := p.sdb.GetFlags(dbc, cur)
		if err != nil {
			return false, err
		}
		if !flags.HasBody() {
			return false, nil
		}
		parent, err := p.sdb.Parent(dbc, cur)
		if err != nil {
			return false, err
		}
		cur = parent
	}
	return true, nil
}

// tryGoUp advances the active chain toward the best Reachable state: it
// rolls the active chain back to the fork point and applies forward as far
// as stored bodies allow. Candidates that fail validation are demoted and
// the selection restarts. Fires OnNewState and prunes when the tip moved.
//
// This function MUST be called with the processor lock held.
func (p *Processor) tryGoUp() {
	progressed := false
	refused := make(map[core.StateID]bool)

	for {
		tip := p.tipIDNoLock()
		tipHeader, err := p.sdb.GetState(p.sdb.Accessor(), tip)
		if err != nil {
			p.onCorrupted(err)
			return
		}

		best, bestHeader, err := p.findBestTip(refused)
		if err != nil {
			p.onCorrupted(err)
			return
		}
		if best == tip || !p.betterTip(bestHeader, tipHeader) {
			break
		}

		fork, err := p.findForkPoint(tip, best)
		if err != nil {
			p.onCorrupted(err)
			return
		}

		ok, err := p.canRollBackTo(tip, fork)
		if err != nil {
			p.onCorrupted(err)
			return
		}
		if !ok {
			log.Warnf("Refusing reorg to %s: rollback data behind the erase horizon", best)
			refused[best] = true
			continue
		}

		// Roll the active chain back down to the fork point.
		for cur := tip; cur != fork; {
			parent, err := p.sdb.Parent(p.sdb.Accessor(), cur)
			if err != nil {
				p.onCorrupted(err)
				return
			}
			if err := p.goBackward(cur, parent); err != nil {
				p.onCorrupted(err)
				return
			}
			progressed = true
			cur = parent
		}

		// Walk forward toward best as far as bodies allow.
		path, err := p.pathFromTo(fork, best)
		if err != nil {
			p.onCorrupted(err)
			return
		}
		stopped := false
		for _, id := range path {
			flags, err := p.sdb.GetFlags(p.sdb.Accessor(), id)
			if err != nil {
				p.onCorrupted(err)
				return
			}
			if !flags.HasBody() {
				// Missing body: stay at the partial progress and let
				// EnumCongestions fetch it.
				stopped = true
				break
			}
			err = p.goForward(id)
			if err == nil {
				progressed = true
				continue
			}
			var ruleErr RuleError
			if errors.As(err, &ruleErr) {
				log.Infof("Block %s failed contextual validation: %s", id, ruleErr)
				if err := p.demote(id, ruleErr); err != nil {
					p.onCorrupted(err)
					return
				}
				stopped = false
				break
			}
			p.onCorrupted(err)
			return
		}
		if stopped {
			break
		}
	}

	if progressed {
		log.Debugf("Active tip is now %s", p.tipIDNoLock())
		p.onNewState()
		if err := p.pruneOld(); err != nil {
			p.onCorrupted(err)
		}
	}
}

// goForward applies one block and activates its state, atomically with its
// rollback data. A returned RuleError means the block is bad and the trees
// are unchanged; any other error is corruption.
func (p *Processor) goForward(id core.StateID) error {
	dbTx, err := p.sdb.Begin()
	if err != nil {
		return err
	}
	defer dbTx.RollbackUnlessClosed()

	header, err := p.sdb.GetState(dbTx, id)
	if err != nil {
		return err
	}
	bodyBytes, _, err := p.sdb.GetBody(dbTx, id)
	if err != nil {
		return err
	}
	block, err := core.DeserializeBlockBody(bodyBytes)
	if err != nil {
		return errors.Wrapf(err, "stored body for %s does not parse", id)
	}

	rb, err := p.applyBlock(dbTx, block, id.Height)
	if err != nil {
		return err
	}

	// The computed roots must equal the header's commitments.
	if utxoRoot := p.utxos.Root(); utxoRoot != header.UtxoRoot {
		if undoErr := p.unapplyBlock(dbTx, block, rb); undoErr != nil {
			return undoErr
		}
		return ruleError(ErrRootMismatch, "UTXO root does not match header")
	}
	if kernelRoot := p.kernels.Root(); kernelRoot != header.KernelRoot {
		if undoErr := p.unapplyBlock(dbTx, block, rb); undoErr != nil {
			return undoErr
		}
		return ruleError(ErrRootMismatch, "kernel root does not match header")
	}

	if err := p.sdb.UpdateRollback(dbTx, id, rb.serialize()); err != nil {
		return err
	}
	if err := p.sdb.SetActive(dbTx, id); err != nil {
		return err
	}
	if err := p.sdb.SetTip(dbTx, id); err != nil {
		return err
	}
	if err := p.utxos.Flush(dbTx, p.sdb.UtxoBucket()); err != nil {
		return err
	}
	if err := p.kernels.Flush(dbTx, p.sdb.KernelBucket()); err != nil {
		return err
	}
	if err := dbTx.Commit(); err != nil {
		// The in-memory trees have advanced past the store.
		p.onCorrupted(err)
		return err
	}
	p.utxos.ClearJournal()
	p.kernels.ClearJournal()

	log.Tracef("Applied block %s", id)
	return nil
}

// goBackward undoes one active block using its persisted rollback data and
// deactivates its state. Any error is corruption.
func (p *Processor) goBackward(id, parent core.StateID) error {
	dbTx, err := p.sdb.Begin()
	if err != nil {
		return err
	}
	defer dbTx.RollbackUnlessClosed()

	bodyBytes, rbBytes, err := p.sdb.GetBody(dbTx, id)
	if err != nil {
		return errors.Wrapf(err, "no body to roll back %s", id)
	}
	block, err := core.DeserializeBlockBody(bodyBytes)
	if err != nil {
		return err
	}
	rb, err := deserializeRollbackData(rbBytes)
	if err != nil {
		return err
	}

	if err := p.unapplyBlock(dbTx, block, rb); err != nil {
		return err
	}
	if err := p.sdb.ClearActive(dbTx, id); err != nil {
		return err
	}
	if err := p.sdb.SetTip(dbTx, parent); err != nil {
		return err
	}
	if err := p.utxos.Flush(dbTx, p.sdb.UtxoBucket()); err != nil {
		return err
	}
	if err := p.kernels.Flush(dbTx, p.sdb.KernelBucket()); err != nil {
		return err
	}
	if err := dbTx.Commit(); err != nil {
		p.onCorrupted(err)
		return err
	}
	p.utxos.ClearJournal()
	p.kernels.ClearJournal()

	log.Tracef("Rolled back block %s", id)
	return nil
}

// demote strips a failed record of Functional and Reachable and cascades
// the Reachable removal to its descendants, so tip selection cannot pick
// them again. The peer that supplied the body is reported insane when the
// failure implicates it.
func (p *Processor) demote(id core.StateID, ruleErr RuleError) error {
	dbTx, err := p.sdb.Begin()
	if err != nil {
		return err
	}
	defer dbTx.RollbackUnlessClosed()

	queue := []core.StateID{id}
	first := true
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		mask := statedb.FlagReachable
		if first {
			mask |= statedb.FlagFunctional
			first = false
		}
		if err := p.sdb.SetFlags(dbTx, next, mask, false); err != nil {
			return err
		}
		children, err := p.sdb.Children(dbTx, next)
		if err != nil {
			return err
		}
		for _, child := range children {
			flags, err := p.sdb.GetFlags(dbTx, child)
			if err != nil {
				return err
			}
			if flags.IsReachable() {
				queue = append(queue, child)
			}
		}
	}
	if err := dbTx.Commit(); err != nil {
		return err
	}

	if ruleErr.reportsPeerInsane() {
		if peer, ok := p.suppliers[id]; ok {
			p.onPeerInsane(peer)
		}
	}
	return nil
}
