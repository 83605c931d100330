// Package fragment contains the typed column model for block data.
//
// A block is decomposed into fragments: one opaque header fragment, a list
// of body fragments (one per entity class, each a vector of opaque byte
// rows), a group of secondary indexes, and a group of cross-fragment joins.
// Blocks are immutable once constructed.
package fragment

import "fmt"

// ID is the stable small-integer identifier of a fragment.
type ID uint8

// HeaderID is the fragment id reserved for the block header. Fragment ids
// double as protobuf field numbers in emitted payloads, so id 0 is never
// used.
const HeaderID ID = 1

// HeaderName is the well-known name of the header fragment.
const HeaderName = "header"

// Header is the opaque, encoded block header.
type Header struct {
	Data []byte
}

// Body is one typed column of per-block data: an ordered vector of opaque
// byte rows. Row ordering is part of the on-wire contract and is determined
// at ingestion.
type Body struct {
	FragmentID ID
	Name       string
	Rows       [][]byte
}

// RowCount returns the number of rows in the fragment.
func (b *Body) RowCount() uint32 {
	return uint32(len(b.Rows))
}

// Indexes groups the secondary indexes of a single fragment.
type Indexes struct {
	FragmentID ID
	// RowCount is the number of rows of the indexed fragment. Every row
	// position referenced by the indexes must be below it.
	RowCount uint32
	Indexes  []*BitmapIndex
}

// Joins groups the cross-fragment joins of a single fragment.
type Joins struct {
	FragmentID ID
	ToOne      []*JoinToOne
	ToMany     []*JoinToMany
}

// Block is a fully decoded block: header, body fragments, per-fragment
// indexes and joins. Body rows must outlive their indexes.
type Block struct {
	Header Header
	Body   []*Body
	Index  []*Indexes
	Join   []*Joins
}

// Cursorless blocks for missed slots have an empty header and no body.

// Validate checks the structural invariants of the block: every index and
// join references only row positions within its fragment.
func (b *Block) Validate() error {
	rowCounts := make(map[ID]uint32, len(b.Body))
	for _, body := range b.Body {
		rowCounts[body.FragmentID] = body.RowCount()
	}

	for _, indexes := range b.Index {
		rowCount, ok := rowCounts[indexes.FragmentID]
		if !ok {
			return fmt.Errorf("%w: indexes reference unknown fragment %d", ErrModel, indexes.FragmentID)
		}
		if indexes.RowCount != rowCount {
			return fmt.Errorf(
				"%w: fragment %d row count mismatch: indexes say %d, body has %d",
				ErrModel, indexes.FragmentID, indexes.RowCount, rowCount,
			)
		}
		for _, index := range indexes.Indexes {
			if err := index.validateRows(rowCount); err != nil {
				return fmt.Errorf("fragment %d index %d: %w", indexes.FragmentID, index.IndexID, err)
			}
		}
	}

	for _, joins := range b.Join {
		sourceRows, ok := rowCounts[joins.FragmentID]
		if !ok {
			return fmt.Errorf("%w: joins reference unknown fragment %d", ErrModel, joins.FragmentID)
		}
		for _, join := range joins.ToOne {
			targetRows, ok := rowCounts[join.TargetID]
			if !ok {
				return fmt.Errorf("%w: join references unknown fragment %d", ErrModel, join.TargetID)
			}
			if err := join.validateRows(sourceRows, targetRows); err != nil {
				return err
			}
		}
		for _, join := range joins.ToMany {
			targetRows, ok := rowCounts[join.TargetID]
			if !ok {
				return fmt.Errorf("%w: join references unknown fragment %d", ErrModel, join.TargetID)
			}
			if err := join.validateRows(sourceRows, targetRows); err != nil {
				return err
			}
		}
	}

	return nil
}

// BodyFragment returns the body fragment with the given id, or nil.
func (b *Block) BodyFragment(id ID) *Body {
	for _, body := range b.Body {
		if body.FragmentID == id {
			return body
		}
	}
	return nil
}

// FragmentIndexes returns the indexes of the fragment with the given id, or nil.
func (b *Block) FragmentIndexes(id ID) *Indexes {
	for _, indexes := range b.Index {
		if indexes.FragmentID == id {
			return indexes
		}
	}
	return nil
}
