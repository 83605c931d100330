package fragment

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// Index key widths form a closed set. The width is part of the index
// identity: two indexes with the same id but different widths are invalid.
const (
	KeyWidthEmpty   = 0
	KeyWidthBool    = 1
	KeyWidthUint32  = 4
	KeyWidthAddress = 20
	KeyWidthB256    = 32
)

// ValidKeyWidth reports whether the width is one of {0, 1, 4, 20, 32}.
func ValidKeyWidth(width int) bool {
	switch width {
	case KeyWidthEmpty, KeyWidthBool, KeyWidthUint32, KeyWidthAddress, KeyWidthB256:
		return true
	default:
		return false
	}
}

// KeyBool encodes a boolean index key.
func KeyBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// KeyUint32 encodes a 32-bit scalar index key.
func KeyUint32(v uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, v)
	return key
}

// BitmapIndex maps a fixed-width scalar key to the set of row positions in
// the fragment that match it.
type BitmapIndex struct {
	IndexID  uint8
	KeyWidth int
	entries  map[string]*roaring.Bitmap
}

// Lookup returns the row bitmap for the given key, or nil if the key is not
// present. The returned bitmap must not be mutated.
func (i *BitmapIndex) Lookup(key []byte) *roaring.Bitmap {
	return i.entries[string(key)]
}

// Len returns the number of distinct keys.
func (i *BitmapIndex) Len() int {
	return len(i.entries)
}

// Each calls fn for every (key, rows) entry in unspecified order.
func (i *BitmapIndex) Each(fn func(key []byte, rows *roaring.Bitmap)) {
	for key, rows := range i.entries {
		fn([]byte(key), rows)
	}
}

// sortedKeys returns the keys in lexicographic order, used for
// deterministic serialization.
func (i *BitmapIndex) sortedKeys() []string {
	keys := make([]string, 0, len(i.entries))
	for key := range i.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (i *BitmapIndex) validateRows(rowCount uint32) error {
	for key, rows := range i.entries {
		if !rows.IsEmpty() && rows.Maximum() >= rowCount {
			return fmt.Errorf(
				"%w: key %x references row %d outside [0, %d)",
				ErrIndexing, key, rows.Maximum(), rowCount,
			)
		}
	}
	return nil
}

// IndexBuilder accumulates (key, row) pairs into a BitmapIndex.
type IndexBuilder struct {
	indexID  uint8
	keyWidth int
	entries  map[string]*roaring.Bitmap
}

// NewIndexBuilder creates a builder for an index with the given id and key
// width. Widths outside the closed set are a construction error.
func NewIndexBuilder(indexID uint8, keyWidth int) (*IndexBuilder, error) {
	if !ValidKeyWidth(keyWidth) {
		return nil, fmt.Errorf("%w: %d", ErrKeyWidth, keyWidth)
	}

	return &IndexBuilder{
		indexID:  indexID,
		keyWidth: keyWidth,
		entries:  make(map[string]*roaring.Bitmap),
	}, nil
}

// Insert records that the row at the given position matches the key.
func (b *IndexBuilder) Insert(key []byte, row uint32) error {
	if len(key) != b.keyWidth {
		return fmt.Errorf("%w: key %x has width %d, index expects %d", ErrKeyWidth, key, len(key), b.keyWidth)
	}

	rows, ok := b.entries[string(key)]
	if !ok {
		rows = roaring.New()
		b.entries[string(key)] = rows
	}
	rows.Add(row)

	return nil
}

// Build finalizes the index.
func (b *IndexBuilder) Build() *BitmapIndex {
	return &BitmapIndex{
		IndexID:  b.indexID,
		KeyWidth: b.keyWidth,
		entries:  b.entries,
	}
}
