package mempool

import (
	"fmt"
	"math/bits"
	"sort"

	"github.com/sablenet/sabled/chaincfg"
	"github.com/sablenet/sabled/core"
	"github.com/sablenet/sabled/ecc"
)

// Config holds the policy knobs of a transaction pool.
type Config struct {
	// Params defines the network the pool validates against.
	Params *chaincfg.Params
}

// TxDesc is a mempool entry: a transaction plus the cached fields both
// indices order by.
type TxDesc struct {
	// Tx is the transaction itself.
	Tx *core.Transaction

	// Fee is the total kernel fee of the transaction.
	Fee core.Amount

	// Size is the serialized size of the transaction in bytes.
	Size int

	// Expiry is the lowest kernel MaxHeight: past it the transaction can
	// never be mined.
	Expiry uint64

	// sequence is the insertion order, the stable tie-break of the
	// profit index.
	sequence uint64
}

// profitGreater reports whether a pays a strictly better fee rate than b.
// The comparison cross-multiplies so the effective key is fee-per-byte
// without integer division.
func profitGreater(a, b *TxDesc) bool {
	aHi, aLo := bits.Mul64(uint64(a.Fee), uint64(b.Size))
	bHi, bLo := bits.Mul64(uint64(b.Fee), uint64(a.Size))
	if aHi != bHi {
		return aHi > bHi
	}
	return aLo > bLo
}

// profitBefore is the total order of the profit index: fee rate descending,
// ties broken by insertion sequence ascending.
func profitBefore(a, b *TxDesc) bool {
	if profitGreater(a, b) {
		return true
	}
	if profitGreater(b, a) {
		return false
	}
	return a.sequence < b.sequence
}

// expiryBefore is the total order of the threshold index: expiry ascending,
// ties broken by insertion sequence ascending.
func expiryBefore(a, b *TxDesc) bool {
	if a.Expiry != b.Expiry {
		return a.Expiry < b.Expiry
	}
	return a.sequence < b.sequence
}

// TxPool is a fee-ordered, height-bounded pool of candidate transactions.
// It is indexed twice: by fee-per-byte descending for block building, and
// by expiry ascending for eviction.
//
// The pool is not safe for concurrent access; the chain processor owns it
// and callers hold its lock when mutating.
type TxPool struct {
	cfg Config

	profitIndex []*TxDesc
	expiryIndex []*TxDesc

	// kernels maps every pooled kernel identity to its entry, both for
	// duplicate detection and for removal when a block confirms it.
	kernels map[ecc.Hash]*TxDesc

	nextSequence uint64
}

// New returns a new empty transaction pool.
func New(cfg *Config) *TxPool {
	return &TxPool{
		cfg:     *cfg,
		kernels: make(map[ecc.Hash]*TxDesc),
	}
}

// Count returns the number of transactions in the pool.
func (mp *TxPool) Count() int {
	return len(mp.profitIndex)
}

// MaybeAcceptTransaction runs context-free validation of the transaction
// and inserts it into both indices. It returns the pool entry, or a
// RuleError describing why the transaction was refused.
func (mp *TxPool) MaybeAcceptTransaction(tx *core.Transaction, height uint64) (*TxDesc, error) {
	if err := tx.SanityCheck(); err != nil {
		return nil, txRuleError(RejectMalformed, err.Error())
	}

	fee := tx.TotalFee()
	if fee == 0 {
		return nil, txRuleError(RejectInsufficientFee,
			"transaction pays no fee")
	}
	size := tx.SerializedSize()
	if size > mp.cfg.Params.MaxTxSize {
		return nil, txRuleError(RejectNonstandard, fmt.Sprintf(
			"transaction size %d exceeds maximum %d", size, mp.cfg.Params.MaxTxSize))
	}
	for _, k := range tx.Kernels {
		if k.MaxHeight < height {
			return nil, txRuleError(RejectExpired, fmt.Sprintf(
				"kernel window ends at %d, current height %d", k.MaxHeight, height))
		}
		if _, ok := mp.kernels[k.ID()]; ok {
			return nil, txRuleError(RejectDuplicate, fmt.Sprintf(
				"kernel %s already in the pool", k.ID()))
		}
	}

	desc := &TxDesc{
		Tx:       tx,
		Fee:      fee,
		Size:     size,
		Expiry:   tx.Expiry(),
		sequence: mp.nextSequence,
	}
	mp.nextSequence++

	i := sort.Search(len(mp.profitIndex), func(i int) bool {
		return profitBefore(desc, mp.profitIndex[i])
	})
	mp.profitIndex = append(mp.profitIndex, nil)
	copy(mp.profitIndex[i+1:], mp.profitIndex[i:])
	mp.profitIndex[i] = desc

	j := sort.Search(len(mp.expiryIndex), func(i int) bool {
		return expiryBefore(desc, mp.expiryIndex[i])
	})
	mp.expiryIndex = append(mp.expiryIndex, nil)
	copy(mp.expiryIndex[j+1:], mp.expiryIndex[j:])
	mp.expiryIndex[j] = desc

	for _, k := range tx.Kernels {
		mp.kernels[k.ID()] = desc
	}

	log.Tracef("Accepted transaction with fee %d, size %d, expiry %d",
		fee, size, desc.Expiry)
	return desc, nil
}

// HaveKernel returns whether a kernel identity is present in the pool.
func (mp *TxPool) HaveKernel(id *ecc.Hash) bool {
	_, ok := mp.kernels[*id]
	return ok
}

// Delete removes an entry from both indices.
func (mp *TxPool) Delete(desc *TxDesc) {
	removeFromIndex := func(index []*TxDesc, before func(a, b *TxDesc) bool) []*TxDesc {
		i := sort.Search(len(index), func(i int) bool {
			return !before(index[i], desc)
		})
		for ; i < len(index); i++ {
			if index[i] == desc {
				return append(index[:i], index[i+1:]...)
			}
		}
		return index
	}
	mp.profitIndex = removeFromIndex(mp.profitIndex, profitBefore)
	mp.expiryIndex = removeFromIndex(mp.expiryIndex, expiryBefore)
	for _, k := range desc.Tx.Kernels {
		delete(mp.kernels, k.ID())
	}
}

// RemoveConfirmed drops every pooled transaction that shares a kernel with
// the given confirmed block body.
func (mp *TxPool) RemoveConfirmed(block *core.Block) {
	for _, k := range block.Kernels {
		if desc, ok := mp.kernels[k.ID()]; ok {
			mp.Delete(desc)
		}
	}
}

// DeleteOutOfBound evicts entries whose expiry lies below the given height,
// popping from the threshold index while the top is out of bound.
func (mp *TxPool) DeleteOutOfBound(height uint64) {
	for len(mp.expiryIndex) > 0 && mp.expiryIndex[0].Expiry < height {
		log.Debugf("Evicting transaction expired at height %d", mp.expiryIndex[0].Expiry)
		mp.Delete(mp.expiryIndex[0])
	}
}

// Clear empties the pool. The pool is volatile: it is cleared on restart.
func (mp *TxPool) Clear() {
	mp.profitIndex = nil
	mp.expiryIndex = nil
	mp.kernels = make(map[ecc.Hash]*TxDesc)
}

// MiningDescs returns a snapshot of the pool in profit order: fee-per-byte
// descending, insertion order among equals.
func (mp *TxPool) MiningDescs() []*TxDesc {
	descs := make([]*TxDesc, len(mp.profitIndex))
	copy(descs, mp.profitIndex)
	return descs
}
