package segment

import (
	"github.com/goran-ethernal/dna/internal/chain"
	"github.com/goran-ethernal/dna/internal/fragment"
)

// RowRange locates one block's rows inside a columnar body segment.
// End is exclusive. Blocks with no rows for the fragment have Start == End.
type RowRange struct {
	Start uint32
	End   uint32
}

// HeaderSegment holds the header of every block in a segment.
type HeaderSegment struct {
	FirstBlock chain.Cursor
	Headers    [][]byte
}

// BodySegment is the columnar layout of one fragment over a whole segment:
// the rows of every block concatenated, plus the per-block row-range table
// so "row 42 of block X" can be located without scanning.
type BodySegment struct {
	FirstBlock chain.Cursor
	FragmentID fragment.ID
	Name       string
	Ranges     []RowRange
	Rows       [][]byte
}

// BlockRows returns the rows of the block at the given offset in the segment.
func (s *BodySegment) BlockRows(offset int) [][]byte {
	r := s.Ranges[offset]
	return s.Rows[r.Start:r.End]
}

// IndexSegment carries each block's index group over a whole segment.
type IndexSegment struct {
	FirstBlock chain.Cursor
	Blocks     [][]*fragment.Indexes
}

// JoinSegment carries each block's join group over a whole segment.
type JoinSegment struct {
	FirstBlock chain.Cursor
	Blocks     [][]*fragment.Joins
}

// Segment is a sealed, contiguous run of blocks stored columnar. It is
// immutable once sealed and is uploaded as one object per fragment.
type Segment struct {
	FirstBlock chain.Cursor
	// Cursors holds the cursor of every block in the segment, in order.
	Cursors []chain.Cursor
	Header  *HeaderSegment
	Bodies  []*BodySegment
	Indexes *IndexSegment
	Joins   *JoinSegment
}

// BlockCount returns the number of blocks in the segment.
func (s *Segment) BlockCount() int {
	return len(s.Cursors)
}

// Body returns the columnar body of the fragment with the given id, or nil.
func (s *Segment) Body(id fragment.ID) *BodySegment {
	for _, body := range s.Bodies {
		if body.FragmentID == id {
			return body
		}
	}
	return nil
}

// BlockIndexes returns the index group of the block at the given offset.
func (s *Segment) BlockIndexes(offset int) []*fragment.Indexes {
	return s.Indexes.Blocks[offset]
}
