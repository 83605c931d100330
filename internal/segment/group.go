package segment

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/goran-ethernal/dna/internal/chain"
	"github.com/goran-ethernal/dna/internal/fragment"
)

// GroupIndex is one aggregate bitmap index of a segment group: for a given
// (fragment, index) pair it maps each key to the set of *block numbers* in
// the group whose per-block index contains the key.
type GroupIndex struct {
	FragmentID fragment.ID
	IndexID    uint8
	KeyWidth   int
	entries    map[string]*roaring.Bitmap
}

// Lookup returns the block-number bitmap for the given key, or nil.
func (g *GroupIndex) Lookup(key []byte) *roaring.Bitmap {
	return g.entries[string(key)]
}

// Len returns the number of distinct keys.
func (g *GroupIndex) Len() int {
	return len(g.entries)
}

func (g *GroupIndex) sortedKeys() []string {
	keys := make([]string, 0, len(g.entries))
	for key := range g.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// SegmentGroup is the aggregate index over a run of sealed segments. It is
// the skip-scan structure: evaluating a filter against the group yields a
// set of candidate blocks without touching any segment.
type SegmentGroup struct {
	FirstBlock chain.Cursor
	// BlockRange is the set of all block numbers covered by the group,
	// used when a filter references a fragment with no group index.
	BlockRange *roaring.Bitmap
	Indexes    []*GroupIndex
}

// Index returns the aggregate index for the given (fragment, index) pair,
// or nil.
func (g *SegmentGroup) Index(fragmentID fragment.ID, indexID uint8) *GroupIndex {
	for _, index := range g.Indexes {
		if index.FragmentID == fragmentID && index.IndexID == indexID {
			return index
		}
	}
	return nil
}

// HasFragment reports whether the group carries any index for the fragment.
func (g *SegmentGroup) HasFragment(fragmentID fragment.ID) bool {
	for _, index := range g.Indexes {
		if index.FragmentID == fragmentID {
			return true
		}
	}
	return false
}

type groupIndexKey struct {
	fragmentID fragment.ID
	indexID    uint8
}

// GroupBuilder merges sealed segments into a segment group.
type GroupBuilder struct {
	options Options

	firstBlock   *chain.Cursor
	lastBlock    uint64
	segmentCount uint64
	indexes      map[groupIndexKey]*GroupIndex
}

// NewGroupBuilder creates an empty group builder.
func NewGroupBuilder(options Options) *GroupBuilder {
	return &GroupBuilder{
		options: options,
		indexes: make(map[groupIndexKey]*GroupIndex),
	}
}

// SegmentCount returns the number of segments absorbed so far.
func (b *GroupBuilder) SegmentCount() uint64 {
	return b.segmentCount
}

// IsFull reports whether the builder has absorbed group_size segments.
func (b *GroupBuilder) IsFull() bool {
	return b.segmentCount >= b.options.GroupSize
}

// AddSegment merges each block's per-key index entries into the group-level
// aggregate. Blocks with no rows for a fragment contribute nothing and stay
// skippable.
func (b *GroupBuilder) AddSegment(seg *Segment) error {
	if b.IsFull() {
		return fmt.Errorf("%w: group is full", ErrBuilder)
	}

	if b.firstBlock == nil {
		first := seg.FirstBlock
		b.firstBlock = &first
	} else if seg.FirstBlock.Number != b.lastBlock+1 {
		return fmt.Errorf(
			"%w: segment starting at %d does not follow block %d",
			ErrBuilder, seg.FirstBlock.Number, b.lastBlock,
		)
	}

	for offset, blockIndexes := range seg.Indexes.Blocks {
		blockNumber := seg.FirstBlock.Number + uint64(offset)

		for _, fragmentIndexes := range blockIndexes {
			for _, index := range fragmentIndexes.Indexes {
				if !ValidateGroupKeyWidth(index.KeyWidth) {
					return fmt.Errorf(
						"%w: fragment %d index %d has invalid key width %d",
						fragment.ErrKeyWidth, fragmentIndexes.FragmentID, index.IndexID, index.KeyWidth,
					)
				}

				key := groupIndexKey{
					fragmentID: fragmentIndexes.FragmentID,
					indexID:    index.IndexID,
				}

				group, ok := b.indexes[key]
				if !ok {
					group = &GroupIndex{
						FragmentID: fragmentIndexes.FragmentID,
						IndexID:    index.IndexID,
						KeyWidth:   index.KeyWidth,
						entries:    make(map[string]*roaring.Bitmap),
					}
					b.indexes[key] = group
				} else if group.KeyWidth != index.KeyWidth {
					return fmt.Errorf(
						"%w: fragment %d index %d key width changed from %d to %d",
						fragment.ErrKeyWidth, fragmentIndexes.FragmentID, index.IndexID,
						group.KeyWidth, index.KeyWidth,
					)
				}

				index.Each(func(key []byte, rows *roaring.Bitmap) {
					if rows.IsEmpty() {
						return
					}
					blocks, ok := group.entries[string(key)]
					if !ok {
						blocks = roaring.New()
						group.entries[string(key)] = blocks
					}
					blocks.Add(uint32(blockNumber))
				})
			}
		}
	}

	b.lastBlock = seg.FirstBlock.Number + uint64(seg.BlockCount()) - 1
	b.segmentCount++

	return nil
}

// Build emits the segment group and resets the builder. Building an empty
// group is an error.
func (b *GroupBuilder) Build() (*SegmentGroup, error) {
	if b.firstBlock == nil {
		return nil, fmt.Errorf("%w: group builder has no segments", ErrBuilder)
	}

	blockRange := roaring.New()
	blockRange.AddRange(b.firstBlock.Number, b.lastBlock+1)

	indexes := make([]*GroupIndex, 0, len(b.indexes))
	for _, index := range b.indexes {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool {
		if indexes[i].FragmentID != indexes[j].FragmentID {
			return indexes[i].FragmentID < indexes[j].FragmentID
		}
		return indexes[i].IndexID < indexes[j].IndexID
	})

	group := &SegmentGroup{
		FirstBlock: *b.firstBlock,
		BlockRange: blockRange,
		Indexes:    indexes,
	}

	b.firstBlock = nil
	b.lastBlock = 0
	b.segmentCount = 0
	b.indexes = make(map[groupIndexKey]*GroupIndex)

	return group, nil
}

// ValidateGroupKeyWidth reports whether the key width can participate in an
// aggregate index. The set is closed: extending it requires a coordinated
// on-wire version bump.
func ValidateGroupKeyWidth(width int) bool {
	return fragment.ValidKeyWidth(width)
}
