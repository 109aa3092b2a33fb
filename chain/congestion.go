package chain

import (
	"github.com/sablenet/sabled/core"
	"github.com/sablenet/sabled/statedb"
)

// EnumCongestions inspects every known candidate tip with more cumulative
// work than the active tip and requests the first missing header or body on
// its branch. The preferred peer is the one that last supplied data on the
// same branch. Candidates whose reorg would cross the erase horizon are
// skipped: they can never be activated.
func (p *Processor) EnumCongestions() {
	p.lock.Lock()
	defer p.lock.Unlock()

	dbc := p.sdb.Accessor()
	tip := p.tipIDNoLock()
	tipHeader, err := p.sdb.GetState(dbc, tip)
	if err != nil {
		p.onCorrupted(err)
		return
	}

	// Candidate tips are states without known functional children.
	hasChild := make(map[core.StateID]bool)
	var candidates []core.StateID
	err = p.sdb.ForEachState(dbc, func(id core.StateID, flags statedb.Flags) error {
		if !flags.IsFunctional() {
			return nil
		}
		h, err := p.sdb.GetState(dbc, id)
		if err != nil {
			return err
		}
		hasChild[core.StateID{Height: h.Height - 1, Hash: h.Prev}] = true
		candidates = append(candidates, id)
		return nil
	})
	if err != nil {
		p.onCorrupted(err)
		return
	}

	requested := make(map[core.StateID]bool)
	for _, candidate := range candidates {
		if hasChild[candidate] || candidate == tip {
			continue
		}
		h, err := p.sdb.GetState(dbc, candidate)
		if err != nil {
			p.onCorrupted(err)
			return
		}
		if !p.betterTip(h, tipHeader) {
			continue
		}
		p.enumCongestion(candidate, requested)
	}
}

// enumCongestion walks one candidate branch downward and emits the request
// unblocking it: the first unknown ancestor header, or failing that the
// lowest inactive ancestor without a body.
func (p *Processor) enumCongestion(candidate core.StateID, requested map[core.StateID]bool) {
	dbc := p.sdb.Accessor()
	tip := p.tipIDNoLock()

	// branch holds the candidate and its known inactive ancestors,
	// highest first.
	branch := []core.StateID{candidate}
	cur := candidate
	for {
		flags, err := p.sdb.GetFlags(dbc, cur)
		if err != nil {
			p.onCorrupted(err)
			return
		}
		if flags.IsActive() {
			branch = branch[:len(branch)-1] // the fork point itself needs nothing
			break
		}
		if cur.Height <= 1 {
			break
		}
		parent, err := p.sdb.Parent(dbc, cur)
		if err != nil {
			p.onCorrupted(err)
			return
		}
		known, err := p.sdb.HasState(dbc, parent)
		if err != nil {
			p.onCorrupted(err)
			return
		}
		if !known {
			// Congestion is a missing header.
			if !requested[parent] {
				requested[parent] = true
				preferred := p.preferredPeer(cur)
				log.Debugf("Requesting header %s for branch of %s", parent, candidate)
				p.requestData(parent, false, preferred)
			}
			return
		}
		branch = append(branch, parent)
		cur = parent
	}

	if len(branch) == 0 {
		return
	}

	// The fork point is below the lowest branch state. Refuse branches
	// whose activation would roll back past the erase horizon.
	forkHeight := branch[len(branch)-1].Height - 1
	if tip.Height > p.horizon.Erase && forkHeight < tip.Height-p.horizon.Erase {
		log.Debugf("Skipping congested branch of %s behind the erase horizon", candidate)
		return
	}

	// Headers are complete; congestion is the lowest missing body.
	for i := len(branch) - 1; i >= 0; i-- {
		id := branch[i]
		flags, err := p.sdb.GetFlags(dbc, id)
		if err != nil {
			p.onCorrupted(err)
			return
		}
		if flags.HasBody() {
			continue
		}
		if !requested[id] {
			requested[id] = true
			preferred := p.preferredPeer(id)
			log.Debugf("Requesting body %s for branch of %s", id, candidate)
			p.requestData(id, true, preferred)
		}
		return
	}
}

// preferredPeer returns the peer that last supplied the state or its
// nearest known descendant on the same branch.
func (p *Processor) preferredPeer(id core.StateID) *PeerID {
	dbc := p.sdb.Accessor()
	for {
		if peer, ok := p.suppliers[id]; ok {
			return &peer
		}
		children, err := p.sdb.Children(dbc, id)
		if err != nil || len(children) == 0 {
			return nil
		}
		id = children[0]
	}
}
