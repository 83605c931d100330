package blockstore

import (
	"context"
	"fmt"

	"github.com/goran-ethernal/dna/internal/chain"
	"github.com/goran-ethernal/dna/internal/fragment"
)

// FragmentAccess reads one block's fragments regardless of where the block
// lives: a recent-tier block object or an offset inside a sealed segment.
type FragmentAccess struct {
	reader *Reader

	// Recent tier.
	blockCursor chain.Cursor

	// Sealed tier.
	inSegment    bool
	segmentStart uint64
	offset       int
}

// NewInBlock creates access to a block in the recent tier.
func NewInBlock(reader *Reader, cursor chain.Cursor) *FragmentAccess {
	return &FragmentAccess{
		reader:      reader,
		blockCursor: cursor,
	}
}

// NewInSegment creates access to the block at the given offset of a sealed
// segment.
func NewInSegment(reader *Reader, segmentStart uint64, offset int) *FragmentAccess {
	return &FragmentAccess{
		reader:       reader,
		inSegment:    true,
		segmentStart: segmentStart,
		offset:       offset,
	}
}

// GetFragmentIndexes returns the indexes of one fragment of the block.
func (a *FragmentAccess) GetFragmentIndexes(ctx context.Context, fragmentID fragment.ID) (*fragment.Indexes, error) {
	if a.inSegment {
		segmentIndexes, err := a.reader.GetSegmentIndexes(ctx, a.segmentStart)
		if err != nil {
			return nil, err
		}
		if a.offset >= len(segmentIndexes.Blocks) {
			return nil, fmt.Errorf("%w: block offset %d outside segment", fragment.ErrModel, a.offset)
		}
		for _, indexes := range segmentIndexes.Blocks[a.offset] {
			if indexes.FragmentID == fragmentID {
				return indexes, nil
			}
		}
		return &fragment.Indexes{FragmentID: fragmentID}, nil
	}

	group, err := a.reader.GetBlockIndexes(ctx, a.blockCursor)
	if err != nil {
		return nil, err
	}
	for _, indexes := range group {
		if indexes.FragmentID == fragmentID {
			return indexes, nil
		}
	}
	return &fragment.Indexes{FragmentID: fragmentID}, nil
}

// GetHeader returns the block's header bytes.
func (a *FragmentAccess) GetHeader(ctx context.Context) ([]byte, error) {
	if a.inSegment {
		header, err := a.reader.GetSegmentHeader(ctx, a.segmentStart)
		if err != nil {
			return nil, err
		}
		if a.offset >= len(header.Headers) {
			return nil, fmt.Errorf("%w: block offset %d outside segment", fragment.ErrModel, a.offset)
		}
		return header.Headers[a.offset], nil
	}

	header, err := a.reader.GetBlockHeader(ctx, a.blockCursor)
	if err != nil {
		return nil, err
	}
	return header.Data, nil
}

// GetBodyRows returns the block's rows for one body fragment.
func (a *FragmentAccess) GetBodyRows(ctx context.Context, name string) ([][]byte, error) {
	if a.inSegment {
		body, err := a.reader.GetSegmentBody(ctx, a.segmentStart, name)
		if err != nil {
			return nil, err
		}
		if a.offset >= len(body.Ranges) {
			return nil, fmt.Errorf("%w: block offset %d outside segment", fragment.ErrModel, a.offset)
		}
		return body.BlockRows(a.offset), nil
	}

	body, err := a.reader.GetBlockBody(ctx, a.blockCursor, name)
	if err != nil {
		return nil, err
	}
	return body.Rows, nil
}
