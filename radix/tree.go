package radix

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/sablenet/sabled/database"
	"github.com/sablenet/sabled/ecc"
)

// Domain tags of the Merkle digests.
var (
	leafTag   = []byte{0x00}
	branchTag = []byte{0x01}
)

// node is a crit-bit tree node. A node is either a leaf carrying a key and
// its multiplicity, or a branch splitting on the first bit its two subtrees
// differ in. The shape of the tree is a pure function of the key set, so
// the Merkle root does not depend on insertion order.
type node struct {
	// bit is the critical bit index for branches, -1 for leaves.
	bit   int
	child [2]*node

	key   []byte
	count uint64

	hash  ecc.Hash
	dirty bool
}

func (n *node) isLeaf() bool {
	return n.bit < 0
}

func newLeaf(key []byte, count uint64) *node {
	k := make([]byte, len(key))
	copy(k, key)
	return &node{bit: -1, key: k, count: count, dirty: true}
}

// Tree is an authenticated multiset of fixed-width keys with a Merkle root.
type Tree struct {
	root     *node
	keyWidth int
	size     uint64

	// journal tracks the keys whose multiplicity changed since the last
	// Flush, so persistence only rewrites touched leaves.
	journal map[string]struct{}
}

// NewTree creates an empty tree over keys of the given width in bytes.
func NewTree(keyWidth int) *Tree {
	return &Tree{keyWidth: keyWidth, journal: make(map[string]struct{})}
}

// bitAt returns the i'th bit of key, most significant bit first.
func bitAt(key []byte, i int) int {
	return int(key[i/8]>>(7-uint(i%8))) & 1
}

// firstDiffBit returns the index of the first bit a and b differ in. The
// caller guarantees a != b.
func firstDiffBit(a, b []byte) int {
	for i := range a {
		if x := a[i] ^ b[i]; x != 0 {
			bit := i * 8
			for mask := byte(0x80); mask != 0; mask >>= 1 {
				if x&mask != 0 {
					return bit
				}
				bit++
			}
		}
	}
	panic("firstDiffBit called with equal keys")
}

func (t *Tree) checkKey(key []byte) error {
	if len(key) != t.keyWidth {
		return errors.Errorf("key width %d, want %d", len(key), t.keyWidth)
	}
	return nil
}

// findLeaf descends to the leaf the key would belong to. Returns nil for an
// empty tree.
func (t *Tree) findLeaf(key []byte) *node {
	n := t.root
	for n != nil && !n.isLeaf() {
		n = n.child[bitAt(key, n.bit)]
	}
	return n
}

// Count returns the multiplicity of the key, zero if absent.
func (t *Tree) Count(key []byte) uint64 {
	leaf := t.findLeaf(key)
	if leaf == nil || !bytes.Equal(leaf.key, key) {
		return 0
	}
	return leaf.count
}

// Size returns the total multiplicity over all keys.
func (t *Tree) Size() uint64 {
	return t.size
}

// Insert adds one occurrence of the key, creating its leaf if absent.
func (t *Tree) Insert(key []byte) error {
	return t.insert(key, 1)
}

func (t *Tree) insert(key []byte, count uint64) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	t.touch(key)
	t.size += count

	if t.root == nil {
		t.root = newLeaf(key, count)
		return nil
	}

	nearest := t.findLeaf(key)
	if bytes.Equal(nearest.key, key) {
		// Mark the path down to the leaf dirty and bump the count.
		for n := t.root; !n.isLeaf(); n = n.child[bitAt(key, n.bit)] {
			n.dirty = true
		}
		nearest.dirty = true
		nearest.count += count
		return nil
	}

	// Splice a new branch in at the ordered position of the critical bit.
	critBit := firstDiffBit(nearest.key, key)
	newChild := newLeaf(key, count)

	link := &t.root
	for {
		n := *link
		if n.isLeaf() || n.bit > critBit {
			branch := &node{bit: critBit, dirty: true}
			branch.child[bitAt(key, critBit)] = newChild
			branch.child[1-bitAt(key, critBit)] = n
			*link = branch
			return nil
		}
		n.dirty = true
		link = &n.child[bitAt(key, n.bit)]
	}
}

// Remove deletes one occurrence of the key. It fails if the key is absent;
// the leaf disappears when its count reaches zero.
func (t *Tree) Remove(key []byte) error {
	if err := t.checkKey(key); err != nil {
		return err
	}

	// Descend remembering the last two links so a dying leaf's sibling
	// can replace its parent branch.
	var parent *node
	link := &t.root
	parentLink := (**node)(nil)
	for {
		n := *link
		if n == nil {
			return errors.Errorf("key %x not in tree", key)
		}
		if n.isLeaf() {
			if !bytes.Equal(n.key, key) {
				return errors.Errorf("key %x not in tree", key)
			}
			t.touch(key)
			t.size--
			if n.count > 1 {
				n.count--
				n.dirty = true
				t.markPathDirty(key)
				return nil
			}
			// Remove the leaf: its sibling replaces the parent.
			if parent == nil {
				t.root = nil
				return nil
			}
			sibling := parent.child[1-bitAt(key, parent.bit)]
			*parentLink = sibling
			t.markPathDirty(key)
			return nil
		}
		n.dirty = true
		parent = n
		parentLink = link
		link = &n.child[bitAt(key, n.bit)]
	}
}

// markPathDirty invalidates cached hashes along the descent path of key.
func (t *Tree) markPathDirty(key []byte) {
	for n := t.root; n != nil && !n.isLeaf(); n = n.child[bitAt(key, n.bit)] {
		n.dirty = true
	}
}

func (t *Tree) touch(key []byte) {
	t.journal[string(key)] = struct{}{}
}

// Root returns the Merkle root of the tree. The root of an empty tree is
// the zero hash.
func (t *Tree) Root() ecc.Hash {
	if t.root == nil {
		return ecc.ZeroHash
	}
	return computeHash(t.root)
}

func computeHash(n *node) ecc.Hash {
	if !n.dirty {
		return n.hash
	}
	if n.isLeaf() {
		var count [8]byte
		binary.LittleEndian.PutUint64(count[:], n.count)
		n.hash = ecc.HashB(leafTag, n.key, count[:])
	} else {
		var bit [2]byte
		binary.LittleEndian.PutUint16(bit[:], uint16(n.bit))
		left := computeHash(n.child[0])
		right := computeHash(n.child[1])
		n.hash = ecc.HashB(branchTag, bit[:], left[:], right[:])
	}
	n.dirty = false
	return n.hash
}

// Clone returns a deep copy of the tree. Mutations of the clone do not
// affect the original.
func (t *Tree) Clone() *Tree {
	clone := NewTree(t.keyWidth)
	clone.root = cloneNode(t.root)
	clone.size = t.size
	for k := range t.journal {
		clone.journal[k] = struct{}{}
	}
	return clone
}

func cloneNode(n *node) *node {
	if n == nil {
		return nil
	}
	copied := *n
	if n.isLeaf() {
		copied.key = make([]byte, len(n.key))
		copy(copied.key, n.key)
	} else {
		copied.child[0] = cloneNode(n.child[0])
		copied.child[1] = cloneNode(n.child[1])
	}
	return &copied
}

// Walk visits every leaf of the tree in key order.
func (t *Tree) Walk(visit func(key []byte, count uint64) error) error {
	return walkNode(t.root, visit)
}

func walkNode(n *node, visit func(key []byte, count uint64) error) error {
	if n == nil {
		return nil
	}
	if n.isLeaf() {
		return visit(n.key, n.count)
	}
	if err := walkNode(n.child[0], visit); err != nil {
		return err
	}
	return walkNode(n.child[1], visit)
}

// Flush writes every leaf touched since the last Flush into the bucket,
// deleting keys whose multiplicity dropped to zero.
func (t *Tree) Flush(accessor database.DataAccessor, bucket *database.Bucket) error {
	for k := range t.journal {
		key := []byte(k)
		count := t.Count(key)
		if count == 0 {
			if err := accessor.Delete(bucket.Key(key)); err != nil {
				return err
			}
			continue
		}
		var value [8]byte
		binary.LittleEndian.PutUint64(value[:], count)
		if err := accessor.Put(bucket.Key(key), value[:]); err != nil {
			return err
		}
	}
	return nil
}

// ClearJournal discards the set of touched keys, to be called after the
// accessor Flush wrote into has committed.
func (t *Tree) ClearJournal() {
	t.journal = make(map[string]struct{})
}

// LoadTree reconstructs a tree from the leaves previously flushed into the
// bucket. The reconstructed root is bit-for-bit the flushed one.
func LoadTree(accessor database.DataAccessor, bucket *database.Bucket, keyWidth int) (*Tree, error) {
	t := NewTree(keyWidth)
	cursor, err := accessor.Cursor(bucket)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	for cursor.Next() {
		key, err := cursor.Key()
		if err != nil {
			return nil, err
		}
		value, err := cursor.Value()
		if err != nil {
			return nil, err
		}
		if len(value) != 8 {
			return nil, errors.Errorf("corrupt leaf value for key %x", key)
		}
		if err := t.insert(key, binary.LittleEndian.Uint64(value)); err != nil {
			return nil, err
		}
	}
	t.ClearJournal()
	return t, nil
}
