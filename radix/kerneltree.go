package radix

import (
	"github.com/pkg/errors"

	"github.com/sablenet/sabled/database"
	"github.com/sablenet/sabled/ecc"
)

// KernelTree is the authenticated set of transaction-kernel identities.
// Unlike the UTXO tree it has set semantics: adding a member twice is an
// error rather than a multiplicity bump.
type KernelTree struct {
	tree *Tree
}

// NewKernelTree creates an empty kernel tree.
func NewKernelTree() *KernelTree {
	return &KernelTree{tree: NewTree(ecc.HashSize)}
}

// Add inserts the kernel identity. Inserting a member already present is an
// error; a block carrying a duplicate kernel is invalid.
func (t *KernelTree) Add(id *ecc.Hash) error {
	if t.tree.Count(id[:]) != 0 {
		return errors.Errorf("kernel %s already in tree", id)
	}
	return t.tree.Insert(id[:])
}

// Remove deletes the kernel identity. It is used only when rolling a block
// back, so the member must exist.
func (t *KernelTree) Remove(id *ecc.Hash) error {
	return t.tree.Remove(id[:])
}

// Contains returns true if the kernel identity is in the tree.
func (t *KernelTree) Contains(id *ecc.Hash) bool {
	return t.tree.Count(id[:]) != 0
}

// Root returns the Merkle root of the tree.
func (t *KernelTree) Root() ecc.Hash {
	return t.tree.Root()
}

// Clone returns an independent copy, used for simulated applies.
func (t *KernelTree) Clone() *KernelTree {
	return &KernelTree{tree: t.tree.Clone()}
}

// Flush persists leaves touched since the last flush into the bucket.
func (t *KernelTree) Flush(accessor database.DataAccessor, bucket *database.Bucket) error {
	return t.tree.Flush(accessor, bucket)
}

// ClearJournal discards the touched-leaf set after a successful commit.
func (t *KernelTree) ClearJournal() {
	t.tree.ClearJournal()
}

// LoadKernelTree reconstructs the kernel tree from the given bucket.
func LoadKernelTree(accessor database.DataAccessor, bucket *database.Bucket) (*KernelTree, error) {
	tree, err := LoadTree(accessor, bucket, ecc.HashSize)
	if err != nil {
		return nil, err
	}
	return &KernelTree{tree: tree}, nil
}
