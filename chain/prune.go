package chain

import (
	"github.com/sablenet/sabled/core"
	"github.com/sablenet/sabled/statedb"
)

// pruneOld applies the two horizons after a tip advance: branches whose
// tips fell behind the branching horizon are deleted outright, and bodies
// of deep active states are erased, keeping headers only.
//
// This function MUST be called with the processor lock held.
func (p *Processor) pruneOld() error {
	tip := p.tipIDNoLock()

	if tip.Height > p.horizon.Branching {
		if err := p.pruneBranches(tip.Height - p.horizon.Branching); err != nil {
			return err
		}
	}
	if tip.Height > p.horizon.Erase {
		if err := p.eraseFossils(tip.Height - p.horizon.Erase); err != nil {
			return err
		}
	}
	return nil
}

// pruneBranches deletes every non-active state at or below the bound whose
// whole subtree is also at or below it. Working leaves-first converges
// because deleting a leaf may expose its parent as the next leaf.
func (p *Processor) pruneBranches(bound uint64) error {
	for {
		dbc := p.sdb.Accessor()
		var doomed []core.StateID
		err := p.sdb.ForEachState(dbc, func(id core.StateID, flags statedb.Flags) error {
			if flags.IsActive() || id.Height > bound {
				return nil
			}
			children, err := p.sdb.Children(dbc, id)
			if err != nil {
				return err
			}
			if len(children) == 0 {
				doomed = append(doomed, id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(doomed) == 0 {
			return nil
		}

		if err := p.deleteStates(doomed); err != nil {
			return err
		}
	}
}

// deleteStates removes the given states in one store transaction.
func (p *Processor) deleteStates(doomed []core.StateID) error {
	dbTx, err := p.sdb.Begin()
	if err != nil {
		return err
	}
	defer dbTx.RollbackUnlessClosed()
	for _, id := range doomed {
		log.Debugf("Pruning stale branch state %s", id)
		if err := p.sdb.DeleteState(dbTx, id); err != nil {
			return err
		}
		delete(p.suppliers, id)
	}
	return dbTx.Commit()
}

// eraseFossils erases the bodies and rollback data of active states at or
// below the bound. Erasure is refcounted and idempotent, so repeated passes over
// already-fossilized heights are no-ops.
func (p *Processor) eraseFossils(bound uint64) error {
	dbTx, err := p.sdb.Begin()
	if err != nil {
		return err
	}
	defer dbTx.RollbackUnlessClosed()

	erased := 0
	for height := uint64(1); height <= bound; height++ {
		id, ok, err := p.sdb.ActiveAt(dbTx, height)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		flags, err := p.sdb.GetFlags(dbTx, id)
		if err != nil {
			return err
		}
		if !flags.HasBody() {
			continue
		}
		if err := p.sdb.EraseBody(dbTx, id); err != nil {
			return err
		}
		erased++
	}
	if err := dbTx.Commit(); err != nil {
		return err
	}
	if erased > 0 {
		log.Debugf("Fossilized %d blocks at or below height %d", erased, bound)
	}
	return nil
}
