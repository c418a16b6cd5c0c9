package blobstore

import (
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

// NewMemory creates an in-memory store for testing.
func NewMemory(prefix string) *Store {
	return &Store{
		bucket: memblob.OpenBucket(nil),
		prefix: strings.TrimSuffix(prefix, "/"),
		owns:   true,
	}
}

// NewMemoryFromBucket shares an existing memblob bucket, which lets tests
// simulate a process restart without losing the stored objects.
func NewMemoryFromBucket(bkt *blob.Bucket, prefix string) *Store {
	return New(bkt, prefix)
}
