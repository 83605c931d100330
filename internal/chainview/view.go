// Package chainview publishes the canonical chain state to stream tasks.
//
// The ingestion service owns the mutable state; readers observe it only
// through immutable State snapshots swapped atomically. No lock is held
// across suspension points.
package chainview

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/goran-ethernal/dna/internal/chain"
	"github.com/goran-ethernal/dna/internal/segment"
)

// ErrView is returned when the view is queried outside of its block range.
var ErrView = errors.New("chain view error")

// Invalidation records the most recent reorg applied to the chain, so
// stream tasks can report the removed cursors to their clients.
type Invalidation struct {
	NewHead chain.Cursor
	Removed []chain.Cursor
}

// State is one immutable snapshot of the canonical chain.
type State struct {
	// FirstBlock is the first block ever ingested (segment alignment base).
	FirstBlock uint64
	// SegmentOptions are the deployment's segment sizes.
	SegmentOptions segment.Options

	Head      chain.Cursor
	Finalized chain.Cursor

	// GroupCount is the number of sealed segment groups.
	GroupCount uint64
	// SegmentCount is the total number of sealed segments, including those
	// already absorbed into groups.
	SegmentCount uint64

	// Recent is the canonical chain tail with its reorg journal. It covers
	// every block not yet sealed into a chain segment.
	Recent *chain.CanonicalChainSegment

	// LastInvalidation is the most recent reorg, if any.
	LastInvalidation *Invalidation
}

// NextCursorKind classifies the result of NextCursor.
type NextCursorKind int

const (
	// NextCursorContinue means the stream should send the returned block.
	NextCursorContinue NextCursorKind = iota
	// NextCursorInvalidate means the stream's cursor was reorged; roll
	// back to the returned cursor.
	NextCursorInvalidate
	// NextCursorAtHead means the stream caught up with the head.
	NextCursorAtHead
)

// GroupEndBlock returns the last block covered by a sealed group, or false
// if no group is sealed.
func (s *State) GroupEndBlock() (uint64, bool) {
	if s.GroupCount == 0 {
		return 0, false
	}
	return s.FirstBlock + s.GroupCount*s.SegmentOptions.GroupBlocks() - 1, true
}

// SegmentEndBlock returns the last block covered by a sealed segment, or
// false if no segment is sealed.
func (s *State) SegmentEndBlock() (uint64, bool) {
	if s.SegmentCount == 0 {
		return 0, false
	}
	return s.FirstBlock + s.SegmentCount*s.SegmentOptions.SegmentSize - 1, true
}

// HasGroupForBlock reports whether the block lives in a sealed group.
func (s *State) HasGroupForBlock(blockNumber uint64) bool {
	end, ok := s.GroupEndBlock()
	return ok && blockNumber >= s.FirstBlock && blockNumber <= end
}

// HasSegmentForBlock reports whether the block lives in a sealed segment.
func (s *State) HasSegmentForBlock(blockNumber uint64) bool {
	end, ok := s.SegmentEndBlock()
	return ok && blockNumber >= s.FirstBlock && blockNumber <= end
}

// GroupStartBlock returns the first block of the group containing the block.
func (s *State) GroupStartBlock(blockNumber uint64) uint64 {
	return s.SegmentOptions.GroupStart(blockNumber, s.FirstBlock)
}

// GroupEndBlockFor returns the last block of the group containing the block.
func (s *State) GroupEndBlockFor(blockNumber uint64) uint64 {
	return s.SegmentOptions.GroupEnd(blockNumber, s.FirstBlock)
}

// SegmentStartBlock returns the first block of the segment containing the block.
func (s *State) SegmentStartBlock(blockNumber uint64) uint64 {
	return s.SegmentOptions.SegmentStart(blockNumber, s.FirstBlock)
}

// SegmentEndBlockFor returns the last block of the segment containing the block.
func (s *State) SegmentEndBlockFor(blockNumber uint64) uint64 {
	return s.SegmentOptions.SegmentEnd(blockNumber, s.FirstBlock)
}

// GetCanonical returns the canonical cursor at the given height. Sealed
// heights below the recent tail resolve to weak cursors: their content is
// immutable so the number alone identifies the block.
func (s *State) GetCanonical(blockNumber uint64) (chain.Cursor, error) {
	if blockNumber > s.Head.Number {
		return chain.Cursor{}, fmt.Errorf("%w: block %d is after the head", ErrView, blockNumber)
	}

	if s.Recent != nil &&
		blockNumber >= s.Recent.Info.FirstBlock.Number &&
		blockNumber <= s.Recent.Info.LastBlock.Number {
		return s.Recent.CanonicalAt(blockNumber)
	}

	if blockNumber < s.FirstBlock {
		return chain.Cursor{}, fmt.Errorf("%w: block %d is before the first block", ErrView, blockNumber)
	}

	return chain.NewFinalized(blockNumber), nil
}

// NextCursor resolves what a stream holding the given cursor should do
// next. A nil current means the stream starts from the first block.
func (s *State) NextCursor(current *chain.Cursor) (NextCursorKind, chain.Cursor, error) {
	if current == nil {
		cursor, err := s.GetCanonical(s.FirstBlock)
		if err != nil {
			return 0, chain.Cursor{}, err
		}
		return NextCursorContinue, cursor, nil
	}

	// Detect invalidated cursors before advancing: the client's block may
	// have been removed by a reorg.
	if current.HasHash() && s.Recent != nil &&
		current.Number >= s.Recent.Info.FirstBlock.Number {

		action, target, err := s.Recent.Reconnect(*current)
		if err != nil {
			return 0, chain.Cursor{}, err
		}

		switch action {
		case chain.ReconnectOfflineReorg:
			return NextCursorInvalidate, target, nil
		case chain.ReconnectUnknown:
			// The cursor is on a fork this view never observed. Roll the
			// client back to the finalized cursor, the deepest safe point.
			return NextCursorInvalidate, s.Finalized, nil
		}
	}

	if current.Number >= s.Head.Number {
		return NextCursorAtHead, chain.Cursor{}, nil
	}

	cursor, err := s.GetCanonical(current.Number + 1)
	if err != nil {
		return 0, chain.Cursor{}, err
	}
	return NextCursorContinue, cursor, nil
}

// RemovedBlocks returns the cursors removed by the reorg that re-rooted the
// chain at newHead, up to and including upTo. When the journal has no
// matching entries (the stream observed forks this view never saw), weak
// cursors are returned so the client still knows the invalidated range.
func (s *State) RemovedBlocks(newHead chain.Cursor, upTo uint64) []chain.Cursor {
	if upTo <= newHead.Number {
		return nil
	}

	if s.LastInvalidation != nil && s.LastInvalidation.NewHead.Equal(newHead) {
		removed := make([]chain.Cursor, 0, len(s.LastInvalidation.Removed))
		for _, cursor := range s.LastInvalidation.Removed {
			if cursor.Number <= upTo {
				removed = append(removed, cursor)
			}
		}
		return removed
	}

	removed := make([]chain.Cursor, 0, upTo-newHead.Number)
	for number := newHead.Number + 1; number <= upTo; number++ {
		cursor := chain.NewFinalized(number)
		if s.Recent != nil &&
			number >= s.Recent.Info.FirstBlock.Number &&
			number <= s.Recent.Info.LastBlock.Number {

			offset := number - s.Recent.Info.FirstBlock.Number
			for oldHash, target := range s.Recent.Canonical[offset].Reorgs {
				if target.Equal(newHead) {
					cursor = chain.Cursor{Number: number, Hash: chain.Hash(oldHash)}
					break
				}
			}
		}
		removed = append(removed, cursor)
	}
	return removed
}

// View is the shared handle stream tasks hold. The ingestion service swaps
// in new states; readers always see a consistent snapshot.
type View struct {
	state atomic.Pointer[State]

	mu              sync.Mutex
	headChanged     chan struct{}
	finalizedChange chan struct{}
}

// NewView creates a view with the given initial state.
func NewView(state *State) *View {
	v := &View{
		headChanged:     make(chan struct{}),
		finalizedChange: make(chan struct{}),
	}
	v.state.Store(state)
	return v
}

// State returns the current snapshot.
func (v *View) State() *State {
	return v.state.Load()
}

// Update publishes a new snapshot and wakes up waiters whose condition
// changed.
func (v *View) Update(state *State) {
	previous := v.state.Swap(state)

	v.mu.Lock()
	defer v.mu.Unlock()

	if previous == nil || !previous.Head.Equal(state.Head) {
		close(v.headChanged)
		v.headChanged = make(chan struct{})
	}
	if previous == nil || !previous.Finalized.Equal(state.Finalized) {
		close(v.finalizedChange)
		v.finalizedChange = make(chan struct{})
	}
}

// HeadChanged returns a channel closed on the next head change.
func (v *View) HeadChanged() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.headChanged
}

// FinalizedChanged returns a channel closed on the next finalized change.
func (v *View) FinalizedChanged() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.finalizedChange
}
