package database

import "bytes"

var separator = []byte("/")

// Bucket is a helper type meant to combine buckets, sub-buckets, and keys
// into a single full key-value database key.
type Bucket struct {
	path [][]byte
}

// MakeBucket creates a new Bucket using the given path of buckets.
func MakeBucket(path ...[]byte) *Bucket {
	return &Bucket{path: path}
}

// Bucket returns the sub-bucket of the current bucket defined by
// bucketBytes.
func (b *Bucket) Bucket(bucketBytes []byte) *Bucket {
	newPath := make([][]byte, len(b.path)+1)
	copy(newPath, b.path)
	newPath[len(b.path)] = bucketBytes
	return MakeBucket(newPath...)
}

// Key returns the full database key for the given key inside the current
// bucket.
func (b *Bucket) Key(key []byte) []byte {
	bucketPath := b.Path()
	fullKey := make([]byte, 0, len(bucketPath)+len(key))
	fullKey = append(fullKey, bucketPath...)
	fullKey = append(fullKey, key...)
	return fullKey
}

// Path returns the full path of the current bucket, including the trailing
// separator.
func (b *Bucket) Path() []byte {
	bucketPath := bytes.Join(b.path, separator)
	withSeparator := make([]byte, 0, len(bucketPath)+len(separator))
	withSeparator = append(withSeparator, bucketPath...)
	withSeparator = append(withSeparator, separator...)
	return withSeparator
}
