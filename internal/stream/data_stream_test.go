package stream

import (
	"context"
	"testing"
	"time"

	"github.com/goran-ethernal/dna/internal/blockstore"
	"github.com/goran-ethernal/dna/internal/chain"
	"github.com/goran-ethernal/dna/internal/chainview"
	"github.com/goran-ethernal/dna/internal/fragment"
	"github.com/goran-ethernal/dna/internal/logger"
	"github.com/goran-ethernal/dna/internal/query"
	"github.com/goran-ethernal/dna/internal/segment"
	"github.com/goran-ethernal/dna/internal/storage"
	"github.com/goran-ethernal/dna/internal/wire"
	"github.com/stretchr/testify/require"
)

const (
	txFragmentID  fragment.ID = 2
	logFragmentID fragment.ID = 4
)

var testSchema = fragment.Schema{
	{ID: txFragmentID, Name: "transaction"},
	{ID: logFragmentID, Name: "log"},
}

var testOptions = segment.Options{SegmentSize: 10, GroupSize: 2}

func testCursor(number uint64, fork uint8) chain.Cursor {
	hash := make(chain.Hash, 32)
	hash[0] = fork + 1
	hash[28] = byte(number >> 8)
	hash[29] = byte(number)
	return chain.Cursor{Number: number, Hash: hash}
}

func matchKey() []byte {
	key := make([]byte, 20)
	key[0] = 0xaa
	return key
}

func rareKey() []byte {
	key := make([]byte, 20)
	key[0] = 0xbb
	return key
}

// newStreamTestBlock builds a block with one transaction matching matchKey
// and, on blocks divisible by 5, a second one matching rareKey.
func newStreamTestBlock(t *testing.T, number uint64) *fragment.Block {
	t.Helper()

	rows := [][]byte{{byte(number >> 8), byte(number), 0}}

	builder, err := fragment.NewIndexBuilder(0, fragment.KeyWidthAddress)
	require.NoError(t, err)
	require.NoError(t, builder.Insert(matchKey(), 0))

	if number%5 == 0 {
		rows = append(rows, []byte{byte(number >> 8), byte(number), 1})
		require.NoError(t, builder.Insert(rareKey(), 1))
	}

	return &fragment.Block{
		Header: fragment.Header{Data: []byte{0xfe, byte(number >> 8), byte(number)}},
		Body: []*fragment.Body{
			{FragmentID: txFragmentID, Name: "transaction", Rows: rows},
			{FragmentID: logFragmentID, Name: "log"},
		},
		Index: []*fragment.Indexes{
			{FragmentID: txFragmentID, RowCount: uint32(len(rows)), Indexes: []*fragment.BitmapIndex{builder.Build()}},
			{FragmentID: logFragmentID, RowCount: 0},
		},
	}
}

type testEnv struct {
	store  *storage.LocalStore
	writer *blockstore.Writer
	reader *blockstore.Reader
	view   *chainview.View
}

// newRecentEnv stores blocks [first, head] in the recent tier and builds a
// view with no sealed segments.
func newRecentEnv(t *testing.T, first, head, finalized uint64) *testEnv {
	t.Helper()

	store := storage.NewMemStore()
	writer := blockstore.NewWriter(store)
	reader := blockstore.NewReader(store)

	builder := chain.NewCanonicalChainBuilder()
	block := chain.BlockInfo{Number: first, Hash: testCursor(first, 0).Hash}
	require.NoError(t, builder.Grow(block))
	require.NoError(t, writer.PutBlock(context.Background(), block.Cursor(), newStreamTestBlock(t, first)))

	for i := first + 1; i <= head; i++ {
		block = chain.BlockInfo{Number: i, Hash: testCursor(i, 0).Hash, Parent: block.Hash}
		require.NoError(t, builder.Grow(block))
		require.NoError(t, writer.PutBlock(context.Background(), block.Cursor(), newStreamTestBlock(t, i)))
	}

	recent, err := builder.CurrentSegment()
	require.NoError(t, err)

	view := chainview.NewView(&chainview.State{
		FirstBlock:     first,
		SegmentOptions: testOptions,
		Head:           testCursor(head, 0),
		Finalized:      chain.NewFinalized(finalized),
		Recent:         recent,
	})

	return &testEnv{store: store, writer: writer, reader: reader, view: view}
}

func matchAllFilter() []*query.BlockFilter {
	return []*query.BlockFilter{{
		Fragments: []query.FragmentFilter{{
			FragmentID: txFragmentID,
			Conditions: []query.Condition{
				{FilterID: 1, IndexID: 0, Keys: [][]byte{matchKey()}},
			},
		}},
	}}
}

func collectorSend(out *[]*wire.StreamDataResponse) SendFunc {
	return func(_ context.Context, response *wire.StreamDataResponse) error {
		*out = append(*out, response)
		return nil
	}
}

func newTestStream(env *testEnv, filters []*query.BlockFilter, starting *chain.Cursor, finality wire.DataFinality) *DataStream {
	return newTestStreamWithHeartbeat(env, filters, starting, finality, time.Minute)
}

func newTestStreamWithHeartbeat(env *testEnv, filters []*query.BlockFilter, starting *chain.Cursor, finality wire.DataFinality, heartbeat time.Duration) *DataStream {
	s := NewDataStream(
		filters,
		starting,
		finality,
		env.view,
		env.reader,
		testSchema,
		heartbeat,
		logger.NewNopLogger(),
	)
	s.heartbeat = time.NewTimer(heartbeat)
	return s
}

// Scenario: client starts at cursor 100, finality Accepted, finalized 150,
// head 200. Blocks 101..150 are Finalized, 151..200 Accepted; a finalized
// advance to 175 produces Finalize{175} without re-sending data.
func TestStreamFinalityLabeling(t *testing.T) {
	env := newRecentEnv(t, 100, 200, 150)

	starting := chain.NewFinalized(100)
	stream := newTestStream(env, matchAllFilter(), &starting, wire.DataFinalityAccepted)

	var responses []*wire.StreamDataResponse
	send := collectorSend(&responses)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, stream.tick(ctx, send))
	}

	require.Len(t, responses, 100)
	for i, response := range responses {
		require.NotNil(t, response.Data)
		number := uint64(101 + i)
		require.Equal(t, number, response.Data.EndCursor.OrderKey)
		if number <= 150 {
			require.Equal(t, wire.DataFinalityFinalized, response.Data.Finality)
		} else {
			require.Equal(t, wire.DataFinalityAccepted, response.Data.Finality)
		}
		// One payload per filter.
		require.Len(t, response.Data.Blobs, 1)
		require.NotEmpty(t, response.Data.Blobs[0])
	}

	// The previous cursor chains to the last sent block.
	require.Equal(t, uint64(150), responses[50].Data.Cursor.OrderKey)

	// The finalized cursor advances to 175.
	state := *env.view.State()
	state.Finalized = chain.NewFinalized(175)
	env.view.Update(&state)

	responses = responses[:0]
	require.NoError(t, stream.tick(ctx, send))

	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Finalize)
	require.Equal(t, uint64(175), responses[0].Finalize.Cursor.OrderKey)
}

// A filter with no conditions but always_include_header set emits one
// message per block containing only the header.
func TestStreamHeaderOnlyFilter(t *testing.T) {
	env := newRecentEnv(t, 100, 110, 110)

	filters := []*query.BlockFilter{{AlwaysIncludeHeader: true}}
	starting := chain.NewFinalized(100)
	stream := newTestStream(env, filters, &starting, wire.DataFinalityAccepted)

	var responses []*wire.StreamDataResponse
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, stream.tick(ctx, collectorSend(&responses)))
	}

	require.Len(t, responses, 10)
	for _, response := range responses {
		require.NotNil(t, response.Data)
		require.Len(t, response.Data.Blobs, 1)
		require.NotEmpty(t, response.Data.Blobs[0])
	}
}

// A filter matching nothing emits no data messages.
func TestStreamNoMatchesNoData(t *testing.T) {
	env := newRecentEnv(t, 100, 110, 110)

	missing := make([]byte, 20)
	missing[0] = 0xff
	filters := []*query.BlockFilter{{
		Fragments: []query.FragmentFilter{{
			FragmentID: txFragmentID,
			Conditions: []query.Condition{
				{FilterID: 1, IndexID: 0, Keys: [][]byte{missing}},
			},
		}},
	}}

	starting := chain.NewFinalized(100)
	stream := newTestStream(env, filters, &starting, wire.DataFinalityAccepted)

	var responses []*wire.StreamDataResponse
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, stream.tick(ctx, collectorSend(&responses)))
	}

	require.Empty(t, responses)
}

// A reorg below the client's cursor produces Invalidate with the removed
// cursors; the stream resumes from the new head.
func TestStreamInvalidate(t *testing.T) {
	env := newRecentEnv(t, 100, 130, 110)

	// Apply a reorg: shrink to 120, grow fork 1 to 132.
	builder, err := chain.RestoreFromSegment(env.view.State().Recent)
	require.NoError(t, err)

	removed, err := builder.Shrink(testCursor(120, 0))
	require.NoError(t, err)

	parent := testCursor(120, 0).Hash
	for i := uint64(121); i <= 132; i++ {
		block := chain.BlockInfo{Number: i, Hash: testCursor(i, 1).Hash, Parent: parent}
		require.NoError(t, builder.Grow(block))
		require.NoError(t, env.writer.PutBlock(context.Background(), block.Cursor(), newStreamTestBlock(t, i)))
		parent = block.Hash
	}

	recent, err := builder.CurrentSegment()
	require.NoError(t, err)

	state := *env.view.State()
	state.Head = testCursor(132, 1)
	state.Recent = recent
	state.LastInvalidation = &chainview.Invalidation{
		NewHead: testCursor(120, 0),
		Removed: removed,
	}
	env.view.Update(&state)

	// The client is at removed block 125 on fork 0.
	starting := testCursor(125, 0)
	stream := newTestStream(env, matchAllFilter(), &starting, wire.DataFinalityAccepted)

	var responses []*wire.StreamDataResponse
	ctx := context.Background()
	require.NoError(t, stream.tick(ctx, collectorSend(&responses)))

	require.Len(t, responses, 1)
	invalidate := responses[0].Invalidate
	require.NotNil(t, invalidate)
	require.Equal(t, uint64(120), invalidate.Cursor.OrderKey)
	require.Len(t, invalidate.Removed, 5)
	require.Equal(t, uint64(121), invalidate.Removed[0].OrderKey)
	require.Equal(t, testCursor(121, 0).Hash, chain.Hash(invalidate.Removed[0].UniqueKey))

	// The next tick resumes on the new fork.
	responses = responses[:0]
	require.NoError(t, stream.tick(ctx, collectorSend(&responses)))
	require.Len(t, responses, 1)
	require.Equal(t, uint64(121), responses[0].Data.EndCursor.OrderKey)
	require.Equal(t, testCursor(121, 1).Hash, chain.Hash(responses[0].Data.EndCursor.UniqueKey))
}

// A finalized-only stream does not receive accepted blocks.
func TestStreamFinalizedOnlyWaits(t *testing.T) {
	env := newRecentEnv(t, 100, 120, 110)

	starting := chain.NewFinalized(100)
	stream := newTestStreamWithHeartbeat(env, matchAllFilter(), &starting, wire.DataFinalityFinalized, 10*time.Millisecond)

	var responses []*wire.StreamDataResponse
	ctx := context.Background()

	// Blocks up to the finalized cursor flow.
	for i := 0; i < 10; i++ {
		require.NoError(t, stream.tick(ctx, collectorSend(&responses)))
	}
	require.Len(t, responses, 10)
	require.Equal(t, uint64(110), responses[9].Data.EndCursor.OrderKey)

	// The next tick idles at the finalized boundary: the heartbeat fires
	// instead of data.
	responses = responses[:0]
	require.NoError(t, stream.tick(ctx, collectorSend(&responses)))
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Heartbeat)
}

// newSealedEnv seals blocks [1000, 1040) into 4 segments (2 in a group)
// and keeps blocks 1040..1045 in the recent tier.
func newSealedEnv(t *testing.T) *testEnv {
	t.Helper()

	store := storage.NewMemStore()
	writer := blockstore.NewWriter(store)
	reader := blockstore.NewReader(store)
	ctx := context.Background()

	segmentBuilder := segment.NewBuilder(testOptions, testSchema)
	groupBuilder := segment.NewGroupBuilder(testOptions)

	for first := uint64(1000); first < 1040; first += testOptions.SegmentSize {
		for i := uint64(0); i < testOptions.SegmentSize; i++ {
			require.NoError(t, segmentBuilder.AddBlock(testCursor(first+i, 0), newStreamTestBlock(t, first+i)))
		}
		seg, err := segmentBuilder.TakeSealed()
		require.NoError(t, err)
		require.NoError(t, writer.PutSegment(ctx, seg))

		if first < 1020 {
			require.NoError(t, groupBuilder.AddSegment(seg))
		}
	}

	group, err := groupBuilder.Build()
	require.NoError(t, err)
	require.NoError(t, writer.PutGroup(ctx, group))

	chainBuilder := chain.NewCanonicalChainBuilder()
	block := chain.BlockInfo{Number: 1040, Hash: testCursor(1040, 0).Hash}
	require.NoError(t, chainBuilder.Grow(block))
	require.NoError(t, writer.PutBlock(ctx, block.Cursor(), newStreamTestBlock(t, 1040)))
	for i := uint64(1041); i <= 1045; i++ {
		block = chain.BlockInfo{Number: i, Hash: testCursor(i, 0).Hash, Parent: block.Hash}
		require.NoError(t, chainBuilder.Grow(block))
		require.NoError(t, writer.PutBlock(ctx, block.Cursor(), newStreamTestBlock(t, i)))
	}

	recent, err := chainBuilder.CurrentSegment()
	require.NoError(t, err)

	view := chainview.NewView(&chainview.State{
		FirstBlock:     1000,
		SegmentOptions: testOptions,
		Head:           testCursor(1045, 0),
		Finalized:      chain.NewFinalized(1042),
		GroupCount:     1, // blocks 1000..1019
		SegmentCount:   4, // blocks 1000..1039
		Recent:         recent,
	})

	return &testEnv{store: store, writer: writer, reader: reader, view: view}
}

// The group skip-scan emits only candidate blocks, the segment scan covers
// the sealed-but-ungrouped tail, and the single-block scan serves the
// recent tier.
func TestStreamScanTiers(t *testing.T) {
	env := newSealedEnv(t)

	// Filter on the rare key: only blocks divisible by 5 match.
	filters := []*query.BlockFilter{{
		Fragments: []query.FragmentFilter{{
			FragmentID: txFragmentID,
			Conditions: []query.Condition{
				{FilterID: 7, IndexID: 0, Keys: [][]byte{rareKey()}},
			},
		}},
	}}

	stream := newTestStream(env, filters, nil, wire.DataFinalityAccepted)

	var responses []*wire.StreamDataResponse
	ctx := context.Background()

	// Tick 1: group skip-scan over 1000..1019.
	require.NoError(t, stream.tick(ctx, collectorSend(&responses)))

	var numbers []uint64
	for _, response := range responses {
		require.NotNil(t, response.Data)
		require.Equal(t, wire.DataFinalityFinalized, response.Data.Finality)
		numbers = append(numbers, response.Data.EndCursor.OrderKey)
	}
	require.Equal(t, []uint64{1000, 1005, 1010, 1015}, numbers)

	// Ticks 2-3: segment scans over 1020..1029 and 1030..1039.
	responses = responses[:0]
	require.NoError(t, stream.tick(ctx, collectorSend(&responses)))
	require.NoError(t, stream.tick(ctx, collectorSend(&responses)))

	numbers = numbers[:0]
	for _, response := range responses {
		require.Equal(t, wire.DataFinalityFinalized, response.Data.Finality)
		numbers = append(numbers, response.Data.EndCursor.OrderKey)
	}
	require.Equal(t, []uint64{1020, 1025, 1030, 1035}, numbers)

	// Single-block scans over the recent tier.
	responses = responses[:0]
	for i := 0; i < 6; i++ {
		require.NoError(t, stream.tick(ctx, collectorSend(&responses)))
	}

	numbers = numbers[:0]
	for _, response := range responses {
		numbers = append(numbers, response.Data.EndCursor.OrderKey)
	}
	require.Equal(t, []uint64{1040, 1045}, numbers)
}

// Each block filter gets its own payload; a filter that matched nothing in
// a block leaves its payload empty.
func TestStreamFilterIDPartitioning(t *testing.T) {
	env := newRecentEnv(t, 100, 105, 105)

	// Two filters: the first matches every block, the second only blocks
	// divisible by 5.
	filters := []*query.BlockFilter{
		{
			Fragments: []query.FragmentFilter{{
				FragmentID: txFragmentID,
				Conditions: []query.Condition{
					{FilterID: 1, IndexID: 0, Keys: [][]byte{matchKey()}},
				},
			}},
		},
		{
			Fragments: []query.FragmentFilter{{
				FragmentID: txFragmentID,
				Conditions: []query.Condition{
					{FilterID: 2, IndexID: 0, Keys: [][]byte{rareKey()}},
				},
			}},
		},
	}

	starting := chain.NewFinalized(100)
	stream := newTestStream(env, filters, &starting, wire.DataFinalityAccepted)

	var responses []*wire.StreamDataResponse
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, stream.tick(ctx, collectorSend(&responses)))
	}

	require.Len(t, responses, 5)
	for i, response := range responses {
		number := uint64(101 + i)
		// Data is partitioned per filter.
		require.Len(t, response.Data.Blobs, 2)
		require.NotEmpty(t, response.Data.Blobs[0])
		if number%5 == 0 {
			require.NotEmpty(t, response.Data.Blobs[1])
		} else {
			require.Empty(t, response.Data.Blobs[1])
		}
	}
}
