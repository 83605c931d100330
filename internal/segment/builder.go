package segment

import (
	"fmt"

	"github.com/goran-ethernal/dna/internal/chain"
	"github.com/goran-ethernal/dna/internal/fragment"
)

// Builder accumulates finalized blocks into a segment. Blocks must arrive
// in strict ascending numeric order with no gaps; missed slots contribute
// an empty block.
type Builder struct {
	options Options
	schema  fragment.Schema

	cursors []chain.Cursor
	blocks  []*fragment.Block
	sealed  *Segment
}

// NewBuilder creates a segment builder for the given schema.
func NewBuilder(options Options, schema fragment.Schema) *Builder {
	return &Builder{
		options: options,
		schema:  schema,
	}
}

// BlockCount returns the number of blocks accumulated so far.
func (b *Builder) BlockCount() int {
	return len(b.blocks)
}

// IsFull reports whether the builder holds a full segment.
func (b *Builder) IsFull() bool {
	return uint64(len(b.blocks)) >= b.options.SegmentSize
}

// AddBlock appends a block to the current segment.
func (b *Builder) AddBlock(cursor chain.Cursor, block *fragment.Block) error {
	if b.IsFull() {
		return fmt.Errorf("%w: segment is full", ErrBuilder)
	}

	if len(b.cursors) > 0 {
		last := b.cursors[len(b.cursors)-1]
		if cursor.Number != last.Number+1 {
			return fmt.Errorf(
				"%w: block %d does not follow block %d",
				ErrBuilder, cursor.Number, last.Number,
			)
		}
	}

	if err := block.Validate(); err != nil {
		return err
	}

	b.cursors = append(b.cursors, cursor)
	b.blocks = append(b.blocks, block)
	b.sealed = nil

	return nil
}

// SealSegment emits the segment once segment_size blocks have accumulated.
// It is idempotent: sealing an already sealed builder returns the same
// segment. The builder resets on the next AddBlock after TakeSealed.
func (b *Builder) SealSegment() (*Segment, error) {
	if b.sealed != nil {
		return b.sealed, nil
	}

	if uint64(len(b.blocks)) != b.options.SegmentSize {
		return nil, fmt.Errorf(
			"%w: cannot seal segment with %d blocks, need %d",
			ErrBuilder, len(b.blocks), b.options.SegmentSize,
		)
	}

	firstBlock := b.cursors[0]

	header := &HeaderSegment{FirstBlock: firstBlock}
	for _, block := range b.blocks {
		header.Headers = append(header.Headers, block.Header.Data)
	}

	bodies := make([]*BodySegment, 0, len(b.schema))
	for _, info := range b.schema {
		body := &BodySegment{
			FirstBlock: firstBlock,
			FragmentID: info.ID,
			Name:       info.Name,
		}

		for _, block := range b.blocks {
			start := uint32(len(body.Rows))
			if blockBody := block.BodyFragment(info.ID); blockBody != nil {
				body.Rows = append(body.Rows, blockBody.Rows...)
			}
			body.Ranges = append(body.Ranges, RowRange{Start: start, End: uint32(len(body.Rows))})
		}

		bodies = append(bodies, body)
	}

	indexes := &IndexSegment{FirstBlock: firstBlock}
	joins := &JoinSegment{FirstBlock: firstBlock}
	for _, block := range b.blocks {
		indexes.Blocks = append(indexes.Blocks, block.Index)
		joins.Blocks = append(joins.Blocks, block.Join)
	}

	b.sealed = &Segment{
		FirstBlock: firstBlock,
		Cursors:    append([]chain.Cursor(nil), b.cursors...),
		Header:     header,
		Bodies:     bodies,
		Indexes:    indexes,
		Joins:      joins,
	}

	return b.sealed, nil
}

// TakeSealed returns the sealed segment and resets the builder for the next
// run of blocks.
func (b *Builder) TakeSealed() (*Segment, error) {
	sealed, err := b.SealSegment()
	if err != nil {
		return nil, err
	}

	b.cursors = nil
	b.blocks = nil
	b.sealed = nil

	return sealed, nil
}
