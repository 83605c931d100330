package chain

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Hash is an opaque, chain-specific block hash. The zero-length (or all-zero)
// hash denotes "unknown": it is used for missed slots and for cursors that
// reference a block by number only.
type Hash []byte

// IsZero reports whether the hash is empty or all zero bytes.
func (h Hash) IsZero() bool {
	for _, b := range h {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equal reports whether two hashes are byte-equal.
func (h Hash) Equal(other Hash) bool {
	return bytes.Equal(h, other)
}

// Hex returns the hash as a 0x-prefixed hex string.
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h)
}

// Cursor identifies a block in a chain view. An empty hash means "the
// canonical block at this height" (a weak cursor).
type Cursor struct {
	Number uint64
	Hash   Hash
}

// NewCursor creates a cursor with the given number and hash.
func NewCursor(number uint64, hash Hash) Cursor {
	return Cursor{Number: number, Hash: hash}
}

// NewFinalized creates a weak cursor that references the canonical block at
// the given height.
func NewFinalized(number uint64) Cursor {
	return Cursor{Number: number}
}

// Equal reports whether two cursors reference the same block.
func (c Cursor) Equal(other Cursor) bool {
	return c.Number == other.Number && c.Hash.Equal(other.Hash)
}

// HasHash reports whether the cursor carries a block hash.
func (c Cursor) HasHash() bool {
	return len(c.Hash) > 0
}

// StrictAfter reports whether the cursor is at a strictly greater height
// than other.
func (c Cursor) StrictAfter(other Cursor) bool {
	return c.Number > other.Number
}

func (c Cursor) String() string {
	if !c.HasHash() {
		return fmt.Sprintf("%d", c.Number)
	}
	return fmt.Sprintf("%d/%s", c.Number, c.Hash.Hex())
}

// BlockInfo is the minimal identity of an ingested block.
type BlockInfo struct {
	Number uint64
	Hash   Hash
	Parent Hash
}

// Cursor returns the block's cursor.
func (b BlockInfo) Cursor() Cursor {
	return Cursor{Number: b.Number, Hash: b.Hash}
}
