package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/goran-ethernal/dna/internal/blockstore"
	"github.com/goran-ethernal/dna/internal/chain"
	"github.com/goran-ethernal/dna/internal/chainview"
	"github.com/goran-ethernal/dna/internal/fragment"
	"github.com/goran-ethernal/dna/internal/logger"
	"github.com/goran-ethernal/dna/internal/query"
	"github.com/goran-ethernal/dna/internal/wire"
)

// ErrStream is returned on internal stream-engine failures. It is mapped to
// a generic internal status before reaching the client.
var ErrStream = errors.New("data stream error")

// maxBatchBlocks caps contiguous work per tick so a single stream cannot
// monopolize its task between cancellation checkpoints.
const maxBatchBlocks = 5_000

// SendFunc delivers one response to the client, blocking until the bounded
// channel has capacity or ctx is cancelled. Messages are never dropped.
type SendFunc func(ctx context.Context, response *wire.StreamDataResponse) error

// DataStream converts a client's (starting cursor, filters, finality) into
// the ordered stream of Data/Finalize/Invalidate/Heartbeat messages.
type DataStream struct {
	filters  []*query.BlockFilter
	current  *chain.Cursor
	finality wire.DataFinality

	finalized chain.Cursor

	view   *chainview.View
	reader *blockstore.Reader
	schema map[fragment.ID]string

	heartbeatInterval time.Duration
	heartbeat         *time.Timer

	log *logger.Logger
}

// NewDataStream creates a stream task for one client.
func NewDataStream(
	filters []*query.BlockFilter,
	starting *chain.Cursor,
	finality wire.DataFinality,
	view *chainview.View,
	reader *blockstore.Reader,
	schema fragment.Schema,
	heartbeatInterval time.Duration,
	log *logger.Logger,
) *DataStream {
	return &DataStream{
		filters:           filters,
		current:           starting,
		finality:          finality,
		finalized:         view.State().Finalized,
		view:              view,
		reader:            reader,
		schema:            schema.IDToName(),
		heartbeatInterval: heartbeatInterval,
		log:               log.WithComponent("stream"),
	}
}

// Run drives the stream until the context is cancelled or the client goes
// away. Internal errors are logged and returned; the caller reports them to
// the client.
func (s *DataStream) Run(ctx context.Context, send SendFunc) error {
	s.heartbeat = time.NewTimer(s.heartbeatInterval)
	defer s.heartbeat.Stop()

	for ctx.Err() == nil {
		if err := s.tick(ctx, send); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			s.log.Warnw("data stream error", "error", err)
			return err
		}
	}

	return nil
}

func (s *DataStream) resetHeartbeat() {
	if !s.heartbeat.Stop() {
		select {
		case <-s.heartbeat.C:
		default:
		}
	}
	s.heartbeat.Reset(s.heartbeatInterval)
}

func (s *DataStream) tick(ctx context.Context, send SendFunc) error {
	state := s.view.State()

	kind, cursor, err := state.NextCursor(s.current)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStream, err)
	}

	switch kind {
	case chainview.NextCursorInvalidate:
		return s.sendInvalidate(ctx, send, state, cursor)

	case chainview.NextCursorAtHead:
		return s.waitAtHead(ctx, send, state)
	}

	// The client bounds finality: a finalized-only stream waits for the
	// finalized cursor to advance instead of sending accepted blocks.
	if s.finality == wire.DataFinalityFinalized && cursor.Number > state.Finalized.Number {
		return s.waitAtHead(ctx, send, state)
	}

	if state.HasGroupForBlock(cursor.Number) {
		return s.tickGroup(ctx, send, state, cursor)
	}

	if state.HasSegmentForBlock(cursor.Number) {
		return s.tickSegment(ctx, send, state, cursor)
	}

	return s.tickSingle(ctx, send, state, cursor)
}

func (s *DataStream) sendInvalidate(
	ctx context.Context,
	send SendFunc,
	state *chainview.State,
	newHead chain.Cursor,
) error {
	s.log.Debugw("invalidating data", "new_head", newHead.String())

	var upTo uint64
	if s.current != nil {
		upTo = s.current.Number
	}
	removed := state.RemovedBlocks(newHead, upTo)

	removedCursors := make([]*wire.Cursor, 0, len(removed))
	for _, cursor := range removed {
		removedCursors = append(removedCursors, wire.CursorFromChain(cursor))
	}

	invalidate := &wire.StreamDataResponse{
		Invalidate: &wire.Invalidate{
			Cursor:  wire.CursorFromChain(newHead),
			Removed: removedCursors,
		},
	}

	if err := send(ctx, invalidate); err != nil {
		return err
	}

	s.resetHeartbeat()
	cursor := newHead
	s.current = &cursor

	return nil
}

func (s *DataStream) waitAtHead(ctx context.Context, send SendFunc, state *chainview.State) error {
	// The finalized cursor may have advanced past blocks already sent as
	// accepted: tell the client before going idle.
	if state.Finalized.Number > s.finalized.Number {
		s.finalized = state.Finalized
		return send(ctx, &wire.StreamDataResponse{
			Finalize: &wire.Finalize{Cursor: wire.CursorFromChain(state.Finalized)},
		})
	}

	headChanged := s.view.HeadChanged()
	finalizedChanged := s.view.FinalizedChanged()

	select {
	case <-ctx.Done():
		return nil

	case <-s.heartbeat.C:
		s.heartbeat.Reset(s.heartbeatInterval)
		return send(ctx, &wire.StreamDataResponse{Heartbeat: &wire.Heartbeat{}})

	case <-headChanged:
		return nil

	case <-finalizedChanged:
		finalized := s.view.State().Finalized
		if finalized.Number <= s.finalized.Number {
			return nil
		}
		s.finalized = finalized
		return send(ctx, &wire.StreamDataResponse{
			Finalize: &wire.Finalize{Cursor: wire.CursorFromChain(finalized)},
		})
	}
}

// segmentBlock locates one candidate block inside a sealed segment.
type segmentBlock struct {
	cursor    *chain.Cursor
	endCursor chain.Cursor
	offset    int
}

func (s *DataStream) tickGroup(
	ctx context.Context,
	send SendFunc,
	state *chainview.State,
	cursor chain.Cursor,
) error {
	groupStart := state.GroupStartBlock(cursor.Number)
	groupEnd := state.GroupEndBlockFor(cursor.Number)

	group, err := s.reader.GetGroup(ctx, groupStart)
	if err != nil {
		return fmt.Errorf("%w: failed to get group %d: %v", ErrStream, groupStart, err)
	}

	candidates := roaring.New()

	for _, blockFilter := range s.filters {
		if blockFilter.AlwaysIncludeHeader && blockFilter.IsEmpty() {
			// Header-only filters match every block.
			candidates.Or(group.BlockRange)
			continue
		}

		for _, fragmentFilter := range blockFilter.Fragments {
			for _, condition := range fragmentFilter.Conditions {
				index := group.Index(fragmentFilter.FragmentID, condition.IndexID)
				if index == nil {
					// No aggregate index for this filter: the whole group
					// is candidate. Correctness over performance.
					candidates.Or(group.BlockRange)
					continue
				}
				for _, key := range condition.Keys {
					if blocks := index.Lookup(key); blocks != nil {
						candidates.Or(blocks)
					}
				}
			}
		}
	}

	// The stream may enter the group mid-range.
	if cursor.Number > 0 {
		candidates.RemoveRange(0, cursor.Number)
	}

	// Bucket candidate blocks by enclosing segment.
	var segmentStarts []uint64
	blocksBySegment := make(map[uint64][]segmentBlock)

	it := candidates.Iterator()
	for it.HasNext() {
		blockNumber := uint64(it.Next())
		if blockNumber > groupEnd {
			break
		}

		endCursor, err := state.GetCanonical(blockNumber)
		if err != nil {
			return fmt.Errorf("%w: missing canonical block %d", ErrStream, blockNumber)
		}

		var blockCursor *chain.Cursor
		if blockNumber > 0 {
			previousCursor, err := state.GetCanonical(blockNumber - 1)
			if err == nil {
				blockCursor = &previousCursor
			}
		}

		segmentStart := state.SegmentStartBlock(blockNumber)
		if _, ok := blocksBySegment[segmentStart]; !ok {
			segmentStarts = append(segmentStarts, segmentStart)
		}
		blocksBySegment[segmentStart] = append(blocksBySegment[segmentStart], segmentBlock{
			cursor:    blockCursor,
			endCursor: endCursor,
			offset:    int(blockNumber - segmentStart),
		})
	}

	sort.Slice(segmentStarts, func(i, j int) bool { return segmentStarts[i] < segmentStarts[j] })

	for _, segmentStart := range segmentStarts {
		if ctx.Err() != nil {
			return nil
		}

		for _, block := range blocksBySegment[segmentStart] {
			access := blockstore.NewInSegment(s.reader, segmentStart, block.offset)

			payloads, hasData, err := s.filterBlock(ctx, access)
			if err != nil {
				return err
			}
			if !hasData {
				continue
			}

			data := &wire.Data{
				EndCursor: wire.CursorFromChain(block.endCursor),
				Finality:  wire.DataFinalityFinalized,
				Blobs:     payloads,
			}
			if block.cursor != nil {
				data.Cursor = wire.CursorFromChain(*block.cursor)
			}

			if err := send(ctx, &wire.StreamDataResponse{Data: data}); err != nil {
				return err
			}
		}
	}

	groupEndCursor, err := state.GetCanonical(groupEnd)
	if err != nil {
		return fmt.Errorf("%w: missing canonical block %d", ErrStream, groupEnd)
	}

	s.resetHeartbeat()
	s.current = &groupEndCursor

	return nil
}

func (s *DataStream) tickSegment(
	ctx context.Context,
	send SendFunc,
	state *chainview.State,
	cursor chain.Cursor,
) error {
	segmentStart := state.SegmentStartBlock(cursor.Number)
	segmentEnd := state.SegmentEndBlockFor(cursor.Number)

	// Notice that we could be starting from anywhere in the segment.
	baseOffset := cursor.Number - segmentStart

	blocks := []segmentBlock{{
		cursor:    s.current,
		endCursor: cursor,
		offset:    int(baseOffset),
	}}

	current := cursor
	for current.Number < segmentEnd && len(blocks) < maxBatchBlocks {
		next, err := state.GetCanonical(current.Number + 1)
		if err != nil {
			return fmt.Errorf("%w: missing canonical block %d", ErrStream, current.Number+1)
		}

		previousCursor := current
		blocks = append(blocks, segmentBlock{
			cursor:    &previousCursor,
			endCursor: next,
			offset:    int(baseOffset) + len(blocks),
		})

		current = next
	}

	for _, block := range blocks {
		if ctx.Err() != nil {
			return nil
		}

		access := blockstore.NewInSegment(s.reader, segmentStart, block.offset)

		payloads, hasData, err := s.filterBlock(ctx, access)
		if err != nil {
			return err
		}
		if hasData {
			data := &wire.Data{
				EndCursor: wire.CursorFromChain(block.endCursor),
				Finality:  wire.DataFinalityFinalized,
				Blobs:     payloads,
			}
			if block.cursor != nil {
				data.Cursor = wire.CursorFromChain(*block.cursor)
			}

			if err := send(ctx, &wire.StreamDataResponse{Data: data}); err != nil {
				return err
			}
		}
	}

	s.resetHeartbeat()
	s.current = &current

	return nil
}

func (s *DataStream) tickSingle(
	ctx context.Context,
	send SendFunc,
	state *chainview.State,
	cursor chain.Cursor,
) error {
	finality := wire.DataFinalityAccepted
	if cursor.Number <= state.Finalized.Number {
		finality = wire.DataFinalityFinalized
	}

	access := blockstore.NewInBlock(s.reader, cursor)

	payloads, hasData, err := s.filterBlock(ctx, access)
	if err != nil {
		return err
	}

	if hasData {
		data := &wire.Data{
			EndCursor: wire.CursorFromChain(cursor),
			Finality:  finality,
			Blobs:     payloads,
		}
		if s.current != nil {
			data.Cursor = wire.CursorFromChain(*s.current)
		}

		if err := send(ctx, &wire.StreamDataResponse{Data: data}); err != nil {
			return err
		}
	}

	s.resetHeartbeat()
	s.current = &cursor

	return nil
}

// filterBlock evaluates every filter against one block, assembling one
// payload per filter. hasData reports whether any payload is non-empty.
func (s *DataStream) filterBlock(ctx context.Context, access *blockstore.FragmentAccess) ([][]byte, bool, error) {
	hasData := false
	payloads := make([][]byte, 0, len(s.filters))

	for filterIndex, blockFilter := range s.filters {
		var builder wire.PayloadBuilder

		type fragmentMatch struct {
			fragmentID fragment.ID
			match      *query.FilterMatch
		}
		var matches []fragmentMatch
		matchIndex := make(map[fragment.ID]int)

		for _, fragmentFilter := range blockFilter.Fragments {
			indexes, err := access.GetFragmentIndexes(ctx, fragmentFilter.FragmentID)
			if err != nil {
				return nil, false, fmt.Errorf("%w: failed to get fragment indexes: %v", ErrStream, err)
			}

			idx, ok := matchIndex[fragmentFilter.FragmentID]
			if !ok {
				idx = len(matches)
				matchIndex[fragmentFilter.FragmentID] = idx
				matches = append(matches, fragmentMatch{
					fragmentID: fragmentFilter.FragmentID,
					match:      query.NewFilterMatch(),
				})
			}

			for _, condition := range fragmentFilter.Conditions {
				rows := condition.Filter(indexes)
				if !rows.IsEmpty() {
					matches[idx].match.Add(condition.FilterID, rows)
				}
			}
		}

		// Drop fragments with no matches.
		nonEmpty := matches[:0]
		for _, m := range matches {
			if !m.match.IsEmpty() {
				nonEmpty = append(nonEmpty, m)
			}
		}
		matches = nonEmpty

		sort.Slice(matches, func(i, j int) bool {
			return matches[i].fragmentID < matches[j].fragmentID
		})

		if blockFilter.AlwaysIncludeHeader || len(matches) > 0 {
			header, err := access.GetHeader(ctx)
			if err != nil {
				return nil, false, fmt.Errorf("%w: failed to get header fragment: %v", ErrStream, err)
			}
			builder.AppendHeader(uint32(fragment.HeaderID), header)
		}

		for _, m := range matches {
			name, ok := s.schema[m.fragmentID]
			if !ok {
				return nil, false, fmt.Errorf("%w: unknown fragment id %d (filter %d)", ErrStream, m.fragmentID, filterIndex)
			}

			rows, err := access.GetBodyRows(ctx, name)
			if err != nil {
				return nil, false, fmt.Errorf("%w: failed to get body fragment %s: %v", ErrStream, name, err)
			}

			var rowErr error
			m.match.Each(func(row uint32, filterIDs []uint32) {
				if rowErr != nil {
					return
				}
				if int(row) >= len(rows) {
					rowErr = fmt.Errorf("%w: row %d outside fragment %s", ErrStream, row, name)
					return
				}
				builder.AppendRow(uint32(m.fragmentID), filterIDs, rows[row])
			})
			if rowErr != nil {
				return nil, false, rowErr
			}
		}

		if !builder.IsEmpty() {
			hasData = true
		}
		payloads = append(payloads, builder.Bytes())
	}

	return payloads, hasData, nil
}
