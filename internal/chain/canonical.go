package chain

import (
	"fmt"
	"sort"
)

// ReconnectAction is the action a client should take when reconnecting with
// a cursor from a previous session.
type ReconnectAction int

const (
	// ReconnectContinue means the cursor is still canonical.
	ReconnectContinue ReconnectAction = iota
	// ReconnectOfflineReorg means the cursor was reorged while the client
	// was offline; the returned cursor is the new head to resume from.
	ReconnectOfflineReorg
	// ReconnectUnknown means the cursor is neither canonical nor in the
	// reorg journal.
	ReconnectUnknown
)

func (a ReconnectAction) String() string {
	switch a {
	case ReconnectContinue:
		return "continue"
	case ReconnectOfflineReorg:
		return "offline-reorg"
	case ReconnectUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// ReorgMap maps an old (removed) block hash to the cursor the chain was
// re-rooted to. Keys are the raw hash bytes.
type ReorgMap map[string]Cursor

func (m ReorgMap) clone() ReorgMap {
	out := make(ReorgMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CanonicalBlock is one entry of a sealed chain segment: the canonical hash
// at a height plus every reorg that removed a block at that height.
type CanonicalBlock struct {
	Hash   Hash
	Reorgs ReorgMap
}

// ExtraReorg records reorgs for a block number beyond the segment's last
// block (the chain shrunk below it and never grew back past it).
type ExtraReorg struct {
	BlockNumber uint64
	Reorgs      ReorgMap
}

// SegmentInfo identifies the block range covered by a chain segment.
type SegmentInfo struct {
	FirstBlock Cursor
	LastBlock  Cursor
}

// CanonicalChainSegment is a sealed, immutable record of canonical block
// hashes over a contiguous height range, plus the reorg journal recorded
// over its lifetime.
type CanonicalChainSegment struct {
	PreviousSegment *SegmentInfo
	Info            SegmentInfo
	Canonical       []CanonicalBlock
	ExtraReorgs     []ExtraReorg
}

// CanonicalChainBuilder holds the live canonical chain tail and its reorg
// journal. The zero value is an empty builder ready for use.
//
// The builder is a pure data structure: it performs no I/O and is owned by
// the ingestion driver task.
type CanonicalChainBuilder struct {
	previousSegment *SegmentInfo
	info            *SegmentInfo
	canonical       []Hash
	reorgs          map[uint64]ReorgMap
}

// NewCanonicalChainBuilder creates an empty builder.
func NewCanonicalChainBuilder() *CanonicalChainBuilder {
	return &CanonicalChainBuilder{
		reorgs: make(map[uint64]ReorgMap),
	}
}

// RestoreFromSegment reconstructs a builder from a previously serialized
// segment, used to resume ingestion after a restart.
func RestoreFromSegment(segment *CanonicalChainSegment) (*CanonicalChainBuilder, error) {
	if len(segment.Canonical) == 0 {
		return nil, fmt.Errorf("%w: cannot restore from an empty segment", ErrBuilder)
	}

	canonical := make([]Hash, 0, len(segment.Canonical))
	reorgs := make(map[uint64]ReorgMap)

	for offset, canonicalBlock := range segment.Canonical {
		blockNumber := segment.Info.FirstBlock.Number + uint64(offset)
		canonical = append(canonical, canonicalBlock.Hash)
		if len(canonicalBlock.Reorgs) > 0 {
			reorgs[blockNumber] = canonicalBlock.Reorgs.clone()
		}
	}

	for _, extra := range segment.ExtraReorgs {
		reorgs[extra.BlockNumber] = extra.Reorgs.clone()
	}

	info := segment.Info
	var previous *SegmentInfo
	if segment.PreviousSegment != nil {
		p := *segment.PreviousSegment
		previous = &p
	}

	return &CanonicalChainBuilder{
		previousSegment: previous,
		info:            &info,
		canonical:       canonical,
		reorgs:          reorgs,
	}, nil
}

// Info returns the block range currently held by the builder, or nil if the
// builder is empty.
func (b *CanonicalChainBuilder) Info() *SegmentInfo {
	return b.info
}

// SegmentSize returns the number of blocks in the builder.
func (b *CanonicalChainBuilder) SegmentSize() int {
	return len(b.canonical)
}

// CanGrow reports whether the given block can be appended to the chain.
func (b *CanonicalChainBuilder) CanGrow(block BlockInfo) bool {
	if b.info == nil {
		return true
	}

	lastBlock := b.info.LastBlock
	if lastBlock.Hash.IsZero() {
		return true
	}

	return lastBlock.Number+1 == block.Number && lastBlock.Hash.Equal(block.Parent)
}

// Grow appends the given block to the chain.
func (b *CanonicalChainBuilder) Grow(block BlockInfo) error {
	if !b.CanGrow(block) {
		return fmt.Errorf("%w: block %s cannot be applied to the current segment", ErrBuilder, block.Cursor())
	}

	if b.reorgs == nil {
		b.reorgs = make(map[uint64]ReorgMap)
	}

	cursor := block.Cursor()

	if b.info == nil {
		b.info = &SegmentInfo{FirstBlock: cursor, LastBlock: cursor}
		b.canonical = []Hash{block.Hash}
		return nil
	}

	b.info.LastBlock = cursor
	b.canonical = append(b.canonical, block.Hash)

	return nil
}

// Shrink truncates the chain to newHead (inclusive), recording every removed
// block into the reorg journal. Returns the removed cursors in ascending
// block order. The first block of the segment cannot be removed.
func (b *CanonicalChainBuilder) Shrink(newHead Cursor) ([]Cursor, error) {
	if b.info == nil {
		return nil, fmt.Errorf("%w: tried to shrink an empty segment", ErrBuilder)
	}

	if newHead.Number < b.info.FirstBlock.Number {
		return nil, fmt.Errorf(
			"%w: tried to shrink to block %d before the first block %d",
			ErrBuilder, newHead.Number, b.info.FirstBlock.Number,
		)
	}

	if newHead.Number > b.info.LastBlock.Number {
		return nil, fmt.Errorf(
			"%w: tried to shrink to block %d that is not ingested yet (last block %d)",
			ErrBuilder, newHead.Number, b.info.LastBlock.Number,
		)
	}

	newHeadIndex := int(newHead.Number - b.info.FirstBlock.Number)

	if newHeadIndex >= len(b.canonical) || !b.canonical[newHeadIndex].Equal(newHead.Hash) {
		return nil, fmt.Errorf(
			"%w: inconsistent state: tried to shrink to a block that is not in the segment",
			ErrBuilder,
		)
	}

	// Nothing to remove.
	if newHeadIndex == len(b.canonical)-1 {
		return nil, nil
	}

	var removed []Cursor
	firstRemovedIndex := newHeadIndex + 1

	for offset, hash := range b.canonical[firstRemovedIndex:] {
		blockNumber := b.info.FirstBlock.Number + uint64(firstRemovedIndex+offset)

		removed = append(removed, Cursor{Number: blockNumber, Hash: hash})

		reorgsAt := b.reorgs[blockNumber]
		if reorgsAt == nil {
			reorgsAt = make(ReorgMap)
			b.reorgs[blockNumber] = reorgsAt
		}
		reorgsAt[string(hash)] = newHead
	}

	b.info.LastBlock = newHead
	b.canonical = b.canonical[:newHeadIndex+1]

	return removed, nil
}

// CurrentSegment materializes the builder's state as a chain segment without
// mutating the builder.
func (b *CanonicalChainBuilder) CurrentSegment() (*CanonicalChainSegment, error) {
	if b.info == nil {
		return nil, fmt.Errorf("%w: tried to take an empty segment", ErrBuilder)
	}

	canonical := make([]CanonicalBlock, 0, len(b.canonical))
	startingBlockNumber := b.info.FirstBlock.Number

	for offset, hash := range b.canonical {
		blockNumber := startingBlockNumber + uint64(offset)

		reorgsAt := make(ReorgMap)
		if existing, ok := b.reorgs[blockNumber]; ok {
			reorgsAt = existing.clone()
		}

		canonical = append(canonical, CanonicalBlock{Hash: hash, Reorgs: reorgsAt})
	}

	var extraReorgs []ExtraReorg
	for blockNumber, reorgsAt := range b.reorgs {
		if blockNumber > b.info.LastBlock.Number {
			extraReorgs = append(extraReorgs, ExtraReorg{
				BlockNumber: blockNumber,
				Reorgs:      reorgsAt.clone(),
			})
		}
	}
	sort.Slice(extraReorgs, func(i, j int) bool {
		return extraReorgs[i].BlockNumber < extraReorgs[j].BlockNumber
	})

	var previous *SegmentInfo
	if b.previousSegment != nil {
		p := *b.previousSegment
		previous = &p
	}

	return &CanonicalChainSegment{
		PreviousSegment: previous,
		Info:            *b.info,
		Canonical:       canonical,
		ExtraReorgs:     extraReorgs,
	}, nil
}

// TakeSegment seals the first size blocks of the chain as an immutable
// segment, advancing the builder past them. The builder must retain at least
// one block, so it must hold more than size blocks.
func (b *CanonicalChainBuilder) TakeSegment(size int) (*CanonicalChainSegment, error) {
	if b.info == nil {
		return nil, fmt.Errorf("%w: tried to take an empty segment", ErrBuilder)
	}

	if b.info.LastBlock.Number-b.info.FirstBlock.Number < uint64(size) {
		return nil, fmt.Errorf("%w: tried to take a segment that is too small", ErrBuilder)
	}

	segmentLastBlock := Cursor{
		Number: b.info.FirstBlock.Number + uint64(size) - 1,
		Hash:   b.canonical[size-1],
	}

	canonical := make([]CanonicalBlock, 0, size)
	startingBlockNumber := b.info.FirstBlock.Number

	for offset, hash := range b.canonical[:size] {
		blockNumber := startingBlockNumber + uint64(offset)

		reorgsAt := make(ReorgMap)
		if existing, ok := b.reorgs[blockNumber]; ok {
			reorgsAt = existing
			delete(b.reorgs, blockNumber)
		}

		canonical = append(canonical, CanonicalBlock{Hash: hash, Reorgs: reorgsAt})
	}

	segmentInfo := SegmentInfo{
		FirstBlock: b.info.FirstBlock,
		LastBlock:  segmentLastBlock,
	}

	segmentPrevious := b.previousSegment

	sealed := segmentInfo
	b.previousSegment = &sealed

	b.canonical = b.canonical[size:]
	b.info.FirstBlock = Cursor{
		Number: b.info.FirstBlock.Number + uint64(size),
		Hash:   b.canonical[0],
	}

	return &CanonicalChainSegment{
		PreviousSegment: segmentPrevious,
		Info:            segmentInfo,
		Canonical:       canonical,
	}, nil
}

// CanonicalAt returns the canonical cursor at the given height.
func (s *CanonicalChainSegment) CanonicalAt(blockNumber uint64) (Cursor, error) {
	if blockNumber < s.Info.FirstBlock.Number {
		return Cursor{}, fmt.Errorf(
			"%w: block %d is before the first block %d",
			ErrView, blockNumber, s.Info.FirstBlock.Number,
		)
	}

	if blockNumber > s.Info.LastBlock.Number {
		return Cursor{}, fmt.Errorf(
			"%w: block %d is after the last block %d",
			ErrView, blockNumber, s.Info.LastBlock.Number,
		)
	}

	offset := blockNumber - s.Info.FirstBlock.Number

	return Cursor{Number: blockNumber, Hash: s.Canonical[offset].Hash}, nil
}

// Reconnect resolves the action for a client reconnecting with the given
// cursor. The returned cursor is only meaningful for ReconnectOfflineReorg,
// where it is the new head to resume from.
func (s *CanonicalChainSegment) Reconnect(cursor Cursor) (ReconnectAction, Cursor, error) {
	if cursor.Number < s.Info.FirstBlock.Number {
		return 0, Cursor{}, fmt.Errorf(
			"%w: cursor %s is before the first block %d",
			ErrView, cursor, s.Info.FirstBlock.Number,
		)
	}

	if cursor.Number > s.Info.LastBlock.Number {
		// The block could have been reorged while the chain shrunk.
		for _, extra := range s.ExtraReorgs {
			if extra.BlockNumber == cursor.Number {
				if target, ok := extra.Reorgs[string(cursor.Hash)]; ok {
					return ReconnectOfflineReorg, target, nil
				}
				return ReconnectUnknown, Cursor{}, nil
			}
		}

		return 0, Cursor{}, fmt.Errorf(
			"%w: cursor %s is after the last block %d",
			ErrView, cursor, s.Info.LastBlock.Number,
		)
	}

	offset := cursor.Number - s.Info.FirstBlock.Number
	canonical := s.Canonical[offset]

	if canonical.Hash.Equal(cursor.Hash) {
		return ReconnectContinue, Cursor{}, nil
	}

	if target, ok := canonical.Reorgs[string(cursor.Hash)]; ok {
		return ReconnectOfflineReorg, target, nil
	}

	return ReconnectUnknown, Cursor{}, nil
}
