// Package storage implements the content-addressed object store backing the
// block store. Objects are written once: overwriting a key with identical
// bytes is idempotent, overwriting with different bytes is an invariant
// violation.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/goran-ethernal/dna/internal/chain"
)

// ErrNotFound is returned when the requested object does not exist.
// It is permanent: callers must not retry.
var ErrNotFound = errors.New("object not found")

// ErrImmutable is returned when a put would overwrite an existing object
// with different content. The caller must prevent this; it indicates a
// corrupted pipeline.
var ErrImmutable = errors.New("object is immutable")

// ObjectStore is the minimal contract of the object store. The store
// exposes no concurrency control: callers bound in-flight work.
type ObjectStore interface {
	// Get reads an object. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, prefix, name string) ([]byte, error)

	// Put writes an object once. Rewriting identical bytes is idempotent;
	// rewriting different bytes fails with ErrImmutable.
	Put(ctx context.Context, prefix, name string, data []byte) error

	// Exists reports whether the object exists.
	Exists(ctx context.Context, prefix, name string) (bool, error)
}

// Object-store namespace. All objects are written once.
const (
	blocksDir   = "blocks"
	segmentsDir = "segments"
	groupsDir   = "groups"
	chainDir    = "chain"
)

// BlockPrefix returns the prefix of one recent block's objects.
func BlockPrefix(cursor chain.Cursor) string {
	return fmt.Sprintf("%s/%d-%x", blocksDir, cursor.Number, []byte(cursor.Hash))
}

// SegmentPrefix returns the prefix of one sealed segment's objects.
func SegmentPrefix(firstBlock uint64) string {
	return fmt.Sprintf("%s/%d", segmentsDir, firstBlock)
}

// GroupPrefix returns the prefix of one sealed segment group's objects.
func GroupPrefix(firstBlock uint64) string {
	return fmt.Sprintf("%s/%d", groupsDir, firstBlock)
}

// ChainPrefix returns the prefix of canonical chain segments.
func ChainPrefix() string {
	return chainDir
}

// ChainSegmentName returns the object name of a sealed chain segment.
func ChainSegmentName(firstBlock uint64) string {
	return fmt.Sprintf("%d", firstBlock)
}

// ChainRecentName is the object name of the live canonical chain tail.
// Unlike every other object it is replaced in place, so it lives outside
// the write-once contract (see LocalStore.PutMutable).
const ChainRecentName = "recent"
