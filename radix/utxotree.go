package radix

import (
	"encoding/binary"

	"github.com/sablenet/sabled/database"
	"github.com/sablenet/sabled/ecc"
)

// UtxoKeyWidth is the width of a UTXO tree key: commitment plus maturity.
const UtxoKeyWidth = ecc.CommitmentSize + 8

// UtxoKey builds the tree key of an unspent output. Outputs are identified
// by commitment and maturity together; two outputs sharing both live in one
// leaf with multiplicity.
func UtxoKey(commitment *ecc.Commitment, maturity uint64) []byte {
	key := make([]byte, UtxoKeyWidth)
	copy(key, commitment[:])
	binary.BigEndian.PutUint64(key[ecc.CommitmentSize:], maturity)
	return key
}

// UtxoTree is the authenticated multiset of unspent outputs.
type UtxoTree struct {
	tree *Tree
}

// NewUtxoTree creates an empty UTXO tree.
func NewUtxoTree() *UtxoTree {
	return &UtxoTree{tree: NewTree(UtxoKeyWidth)}
}

// Add inserts one occurrence of the output.
func (t *UtxoTree) Add(commitment *ecc.Commitment, maturity uint64) error {
	return t.tree.Insert(UtxoKey(commitment, maturity))
}

// Remove deletes one occurrence of the output. It fails if the output is
// not in the tree.
func (t *UtxoTree) Remove(commitment *ecc.Commitment, maturity uint64) error {
	return t.tree.Remove(UtxoKey(commitment, maturity))
}

// Contains returns the multiplicity of the output, zero if unspendable.
func (t *UtxoTree) Contains(commitment *ecc.Commitment, maturity uint64) uint64 {
	return t.tree.Count(UtxoKey(commitment, maturity))
}

// Root returns the Merkle root of the tree.
func (t *UtxoTree) Root() ecc.Hash {
	return t.tree.Root()
}

// Size returns the number of unspent outputs, counting multiplicity.
func (t *UtxoTree) Size() uint64 {
	return t.tree.Size()
}

// Clone returns an independent copy, used for simulated applies.
func (t *UtxoTree) Clone() *UtxoTree {
	return &UtxoTree{tree: t.tree.Clone()}
}

// Flush persists leaves touched since the last flush into the bucket.
func (t *UtxoTree) Flush(accessor database.DataAccessor, bucket *database.Bucket) error {
	return t.tree.Flush(accessor, bucket)
}

// ClearJournal discards the touched-leaf set after a successful commit.
func (t *UtxoTree) ClearJournal() {
	t.tree.ClearJournal()
}

// LoadUtxoTree reconstructs the UTXO tree from the given bucket.
func LoadUtxoTree(accessor database.DataAccessor, bucket *database.Bucket) (*UtxoTree, error) {
	tree, err := LoadTree(accessor, bucket, UtxoKeyWidth)
	if err != nil {
		return nil, err
	}
	return &UtxoTree{tree: tree}, nil
}
