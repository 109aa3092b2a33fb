package ldb

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/sablenet/sabled/database"
)

// cursor is a thin wrapper around a goleveldb iterator, scoped to a bucket.
type cursor struct {
	bucket   *database.Bucket
	iter     iterator.Iterator
	isClosed bool
}

func newCursorFromIterator(bucket *database.Bucket, iter iterator.Iterator) *cursor {
	return &cursor{bucket: bucket, iter: iter}
}

// bucketRange builds the leveldb key range covering all keys of a bucket.
func bucketRange(bucket *database.Bucket) *util.Range {
	return util.BytesPrefix(bucket.Path())
}

// Next moves the iterator to the next key/value pair. It returns whether
// the iterator is exhausted.
func (c *cursor) Next() bool {
	if c.isClosed {
		return false
	}
	return c.iter.Next()
}

// Seek moves the iterator to the first key/value pair whose key is greater
// than or equal to the given key, relative to the cursor's bucket. It
// returns database.ErrNotFound if no such pair exists.
func (c *cursor) Seek(key []byte) error {
	if c.isClosed {
		return errors.New("cannot seek a closed cursor")
	}
	if !c.iter.Seek(c.bucket.Key(key)) {
		return errors.Wrapf(database.ErrNotFound, "no entry at or after %x", key)
	}
	return nil
}

// Key returns the key of the current key/value pair, relative to the
// cursor's bucket.
func (c *cursor) Key() ([]byte, error) {
	if c.isClosed {
		return nil, errors.New("cannot read from a closed cursor")
	}
	fullKey := c.iter.Key()
	if fullKey == nil {
		return nil, errors.Wrap(database.ErrNotFound, "cursor is exhausted")
	}
	prefix := c.bucket.Path()
	if !bytes.HasPrefix(fullKey, prefix) {
		return nil, errors.Errorf("key %x out of bucket %x", fullKey, prefix)
	}
	key := make([]byte, len(fullKey)-len(prefix))
	copy(key, fullKey[len(prefix):])
	return key, nil
}

// Value returns the value of the current key/value pair.
func (c *cursor) Value() ([]byte, error) {
	if c.isClosed {
		return nil, errors.New("cannot read from a closed cursor")
	}
	value := c.iter.Value()
	if value == nil && c.iter.Key() == nil {
		return nil, errors.Wrap(database.ErrNotFound, "cursor is exhausted")
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Close releases the iterator.
func (c *cursor) Close() error {
	if c.isClosed {
		return errors.New("cannot close an already closed cursor")
	}
	c.isClosed = true
	c.iter.Release()
	return nil
}
