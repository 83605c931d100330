package ingestion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goran-ethernal/dna/internal/chain"
	"github.com/goran-ethernal/dna/internal/logger"
	"github.com/goran-ethernal/dna/internal/segment"
	"github.com/goran-ethernal/dna/internal/snapshot"
	"github.com/stretchr/testify/require"
)

// newTestCursor creates a cursor whose hash encodes both the block number
// and the fork it belongs to.
func newTestCursor(number uint64, fork uint8) chain.Cursor {
	hash := make(chain.Hash, 32)
	hash[0] = fork + 1
	hash[24] = byte(number >> 24)
	hash[25] = byte(number >> 16)
	hash[26] = byte(number >> 8)
	hash[27] = byte(number)
	return chain.Cursor{Number: number, Hash: hash}
}

type testCursorProvider struct {
	mu          sync.Mutex
	parents     map[string]chain.Cursor
	headCh      chan chain.Cursor
	finalizedCh chan chain.Cursor
}

func newTestCursorProvider() *testCursorProvider {
	return &testCursorProvider{
		parents:     make(map[string]chain.Cursor),
		headCh:      make(chan chain.Cursor, 10),
		finalizedCh: make(chan chain.Cursor, 10),
	}
}

func cursorKey(c chain.Cursor) string {
	return c.String()
}

func (p *testCursorProvider) setParent(child, parent chain.Cursor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parents[cursorKey(child)] = parent
}

// linkChain records parent pointers for fork blocks [from+1, to].
func (p *testCursorProvider) linkChain(from, to uint64, fork uint8) {
	for i := from; i < to; i++ {
		p.setParent(newTestCursor(i+1, fork), newTestCursor(i, fork))
	}
}

func (p *testCursorProvider) SubscribeHead(context.Context) (<-chan chain.Cursor, error) {
	return p.headCh, nil
}

func (p *testCursorProvider) SubscribeFinalized(context.Context) (<-chan chain.Cursor, error) {
	return p.finalizedCh, nil
}

func (p *testCursorProvider) GetParentCursor(_ context.Context, cursor chain.Cursor) (chain.Cursor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	parent, ok := p.parents[cursorKey(cursor)]
	if !ok {
		return chain.Cursor{}, context.Canceled
	}
	return parent, nil
}

type testSnapshotReader struct {
	snapshot *snapshot.Snapshot
}

func (r *testSnapshotReader) Read() (*snapshot.Snapshot, error) {
	return r.snapshot, nil
}

// Snapshot:
// - Segment options: 1_000-block segments, 10 segments per group.
// - First block number: 1_000, 7 sealed groups (70_000 blocks),
//   9 extra segments (9_000 additional blocks).
func newSnapshotReader() *testSnapshotReader {
	return &testSnapshotReader{
		snapshot: &snapshot.Snapshot{
			SegmentOptions: segment.Options{SegmentSize: 1_000, GroupSize: 10},
			Ingestion: snapshot.IngestionState{
				FirstBlockNumber:  1_000,
				GroupCount:        7,
				ExtraSegmentCount: 9,
			},
		},
	}
}

func startTestDriver(t *testing.T, provider *testCursorProvider, snapshotReader snapshot.Reader, channelSize int) (<-chan ChainChange, context.CancelFunc, <-chan error) {
	t.Helper()

	driver, err := NewDriver(provider, snapshotReader, DriverOptions{ChannelSize: channelSize}, logger.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events, errCh := driver.Start(ctx)

	return events, cancel, errCh
}

func nextEvent(t *testing.T, events <-chan ChainChange) ChainChange {
	t.Helper()

	select {
	case event, ok := <-events:
		require.True(t, ok, "event channel closed")
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func requireIngest(t *testing.T, events <-chan ChainChange, expected chain.Cursor) {
	t.Helper()

	event := nextEvent(t, events)
	ingest, ok := event.(Ingest)
	require.True(t, ok, "expected Ingest, got %T", event)
	require.Equal(t, expected, ingest.Cursor)
}

func shutdownDriver(t *testing.T, cancel context.CancelFunc, errCh <-chan error) {
	t.Helper()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for driver to stop")
	}
}

// The first cursor produced resumes at the beginning of the first segment
// group never sealed: block 71_000.
func TestDriverStartsAtBeginningOfSegmentGroup(t *testing.T) {
	provider := newTestCursorProvider()
	provider.linkChain(1_000_000, 1_000_010, 0)

	provider.headCh <- newTestCursor(1_000_010, 0)
	provider.finalizedCh <- newTestCursor(1_000_000, 0)

	events, cancel, errCh := startTestDriver(t, provider, newSnapshotReader(), 0)

	event := nextEvent(t, events)
	_, ok := event.(Initialize)
	require.True(t, ok)

	for i := uint64(0); i < 1_000; i++ {
		requireIngest(t, events, chain.NewFinalized(71_000+i))
	}

	shutdownDriver(t, cancel, errCh)
}

// Cursors in the finalized range are weak; above it they carry the hash
// from the canonical map.
func TestDriverCursorsIncludeHashAboveFinalized(t *testing.T) {
	provider := newTestCursorProvider()
	provider.linkChain(71_050, 71_100, 0)

	provider.headCh <- newTestCursor(71_100, 0)
	provider.finalizedCh <- newTestCursor(71_050, 0)

	events, cancel, errCh := startTestDriver(t, provider, newSnapshotReader(), 0)

	event := nextEvent(t, events)
	_, ok := event.(Initialize)
	require.True(t, ok)

	// These cursors are finalized.
	for i := uint64(0); i <= 50; i++ {
		requireIngest(t, events, chain.NewFinalized(71_000+i))
	}

	// Here they are not, and so they include the hash.
	for i := uint64(1); i <= 50; i++ {
		event := nextEvent(t, events)
		ingest, ok := event.(Ingest)
		require.True(t, ok)
		require.Equal(t, uint64(71_050+i), ingest.Cursor.Number)
		require.True(t, ingest.Cursor.HasHash())
	}

	shutdownDriver(t, cancel, errCh)
}

// The internal state is updated correctly as the head and finalized
// cursors move.
func TestDriverStateIsUpdated(t *testing.T) {
	provider := newTestCursorProvider()
	provider.linkChain(71_050, 71_150, 0)

	provider.headCh <- newTestCursor(71_100, 0)
	provider.finalizedCh <- newTestCursor(71_050, 0)

	// Channel size 1 to control when messages are sent.
	events, cancel, errCh := startTestDriver(t, provider, newSnapshotReader(), 1)

	event := nextEvent(t, events)
	_, ok := event.(Initialize)
	require.True(t, ok)

	for i := uint64(0); i <= 50; i++ {
		requireIngest(t, events, chain.NewFinalized(71_000+i))
	}

	lastIngested := uint64(71_050)
	for i := 0; i < 5; i++ {
		event := nextEvent(t, events)
		ingest, ok := event.(Ingest)
		require.True(t, ok)
		require.Equal(t, lastIngested+1, ingest.Cursor.Number)
		require.True(t, ingest.Cursor.HasHash())
		lastIngested++
	}

	// The head moves forward by 10 blocks. Cursors already committed
	// before the head update landed may still arrive first.
	provider.headCh <- newTestCursor(71_110, 0)

	sawNewHead := false
	for !sawNewHead {
		event := nextEvent(t, events)
		switch event := event.(type) {
		case NewHead:
			require.Equal(t, uint64(71_110), event.Cursor.Number)
			sawNewHead = true
		case Ingest:
			require.Equal(t, lastIngested+1, event.Cursor.Number)
			require.True(t, event.Cursor.HasHash())
			lastIngested++
		default:
			t.Fatalf("unexpected event %T", event)
		}
	}

	// Ingestion continues where it left off, still with hashes because the
	// finalized cursor has not moved.
	for i := 0; i < 3; i++ {
		event := nextEvent(t, events)
		ingest, ok := event.(Ingest)
		require.True(t, ok)
		require.Equal(t, lastIngested+1, ingest.Cursor.Number)
		require.True(t, ingest.Cursor.HasHash())
		lastIngested++
	}

	// The finalized cursor moves.
	provider.finalizedCh <- newTestCursor(71_100, 0)

	sawNewFinalized := false
	for !sawNewFinalized {
		event := nextEvent(t, events)
		switch event := event.(type) {
		case NewFinalized:
			require.Equal(t, uint64(71_100), event.Cursor.Number)
			sawNewFinalized = true
		case Ingest:
			require.Equal(t, lastIngested+1, event.Cursor.Number)
			lastIngested++
		default:
			t.Fatalf("unexpected event %T", event)
		}
	}

	// Cursors below the new finalized height are weak.
	for i := lastIngested + 1; i < 71_100; i++ {
		requireIngest(t, events, chain.NewFinalized(i))
	}

	shutdownDriver(t, cancel, errCh)
}

// A reorg that does not touch any emitted cursor produces no Invalidate.
// The new chain is shorter.
func TestDriverShrinkingReorgAfterCurrentCursor(t *testing.T) {
	provider := newTestCursorProvider()
	provider.linkChain(1_000_000, 1_000_010, 0)

	provider.headCh <- newTestCursor(1_000_010, 0)
	provider.finalizedCh <- newTestCursor(1_000_000, 0)

	events, cancel, errCh := startTestDriver(t, provider, newSnapshotReader(), 1)

	event := nextEvent(t, events)
	_, ok := event.(Initialize)
	require.True(t, ok)

	for i := uint64(0); i < 1_000; i++ {
		requireIngest(t, events, chain.NewFinalized(71_000+i))
	}

	provider.setParent(newTestCursor(1_000_001, 1), newTestCursor(1_000_000, 0))

	// The head moves back. In-flight backfill cursors may arrive before
	// the head update is observed.
	provider.headCh <- newTestCursor(1_000_001, 1)

	next := uint64(72_000)
	for {
		event := nextEvent(t, events)
		if ingest, ok := event.(Ingest); ok {
			require.Equal(t, chain.NewFinalized(next), ingest.Cursor)
			next++
			continue
		}
		newHead, ok := event.(NewHead)
		require.True(t, ok, "expected NewHead, got %T", event)
		require.Equal(t, newTestCursor(1_000_001, 1), newHead.Cursor)
		break
	}

	for i := uint64(0); i < 1_000; i++ {
		requireIngest(t, events, chain.NewFinalized(next+i))
	}

	shutdownDriver(t, cancel, errCh)
}

// A reorg below already-emitted cursors produces Invalidate with the
// removed cursors, then NewHead, then Ingest of the new chain.
func TestDriverReorgBelowCurrentCursor(t *testing.T) {
	provider := newTestCursorProvider()
	provider.linkChain(71_100, 72_100, 0)

	provider.headCh <- newTestCursor(72_000, 0)
	provider.finalizedCh <- newTestCursor(71_100, 0)

	events, cancel, errCh := startTestDriver(t, provider, newSnapshotReader(), 1)

	event := nextEvent(t, events)
	_, ok := event.(Initialize)
	require.True(t, ok)

	for i := uint64(0); i <= 100; i++ {
		requireIngest(t, events, chain.NewFinalized(71_000+i))
	}

	// Consume some non-finalized cursors.
	for i := uint64(1); i <= 35; i++ {
		requireIngest(t, events, newTestCursor(71_100+i, 0))
	}

	// Link the new fork at 71_129 and grow it to 71_140.
	provider.setParent(newTestCursor(71_130, 1), newTestCursor(71_129, 0))
	provider.linkChain(71_130, 71_140, 1)

	// The head moves to the new fork. Cursors already committed on the old
	// fork before the head update landed may still arrive first; every one
	// of them extends the removed list.
	provider.headCh <- newTestCursor(71_140, 1)

	lastEmitted := uint64(71_135)
	var invalidate Invalidate
	for {
		event := nextEvent(t, events)
		if ingest, ok := event.(Ingest); ok {
			require.Equal(t, newTestCursor(lastEmitted+1, 0), ingest.Cursor)
			lastEmitted++
			continue
		}
		var ok bool
		invalidate, ok = event.(Invalidate)
		require.True(t, ok, "expected Invalidate, got %T", event)
		break
	}

	require.Equal(t, newTestCursor(71_129, 0), invalidate.NewHead)
	expectedRemoved := make([]chain.Cursor, 0, lastEmitted-71_129)
	for number := uint64(71_130); number <= lastEmitted; number++ {
		expectedRemoved = append(expectedRemoved, newTestCursor(number, 0))
	}
	require.Equal(t, expectedRemoved, invalidate.Removed)

	event = nextEvent(t, events)
	newHead, ok := event.(NewHead)
	require.True(t, ok)
	require.Equal(t, newTestCursor(71_140, 1), newHead.Cursor)

	// Ingest the new chain.
	for i := uint64(0); i <= 10; i++ {
		requireIngest(t, events, newTestCursor(71_130+i, 1))
	}

	shutdownDriver(t, cancel, errCh)
}

// A long-range extension on the same chain is not a reorg: the driver
// installs the inspected cursors and continues.
func TestDriverLongRangeExtension(t *testing.T) {
	provider := newTestCursorProvider()
	provider.linkChain(1_000_000, 1_000_010, 0)

	provider.headCh <- newTestCursor(1_000_010, 0)
	provider.finalizedCh <- newTestCursor(1_000_000, 0)

	events, cancel, errCh := startTestDriver(t, provider, newSnapshotReader(), 1)

	event := nextEvent(t, events)
	_, ok := event.(Initialize)
	require.True(t, ok)

	for i := uint64(0); i < 1_000; i++ {
		requireIngest(t, events, chain.NewFinalized(71_000+i))
	}

	// The head jumps forward on the same chain.
	provider.linkChain(1_000_010, 1_000_100, 0)
	provider.headCh <- newTestCursor(1_000_100, 0)

	next := uint64(72_000)
	for {
		event := nextEvent(t, events)
		if ingest, ok := event.(Ingest); ok {
			require.Equal(t, chain.NewFinalized(next), ingest.Cursor)
			next++
			continue
		}
		newHead, ok := event.(NewHead)
		require.True(t, ok, "expected NewHead, got %T", event)
		require.Equal(t, newTestCursor(1_000_100, 0), newHead.Cursor)
		break
	}

	// Ingestion continues as usual.
	for i := uint64(0); i < 1_000; i++ {
		requireIngest(t, events, chain.NewFinalized(next+i))
	}

	shutdownDriver(t, cancel, errCh)
}

// Without a snapshot the driver starts from genesis.
func TestDriverStartsFromGenesisWithoutSnapshot(t *testing.T) {
	provider := newTestCursorProvider()
	provider.linkChain(100, 110, 0)

	provider.headCh <- newTestCursor(110, 0)
	provider.finalizedCh <- newTestCursor(100, 0)

	events, cancel, errCh := startTestDriver(t, provider, &testSnapshotReader{}, 0)

	event := nextEvent(t, events)
	_, ok := event.(Initialize)
	require.True(t, ok)

	requireIngest(t, events, chain.NewFinalized(0))
	requireIngest(t, events, chain.NewFinalized(1))

	shutdownDriver(t, cancel, errCh)
}

// The override pushes the start above the snapshotted resume point.
func TestDriverOverrideStartingBlock(t *testing.T) {
	provider := newTestCursorProvider()
	provider.linkChain(1_000_000, 1_000_010, 0)

	provider.headCh <- newTestCursor(1_000_010, 0)
	provider.finalizedCh <- newTestCursor(1_000_000, 0)

	driver, err := NewDriver(
		provider,
		newSnapshotReader(),
		DriverOptions{ChannelSize: 1, OverrideStartingBlock: 80_000},
		logger.NewNopLogger(),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events, errCh := driver.Start(ctx)

	event := nextEvent(t, events)
	_, ok := event.(Initialize)
	require.True(t, ok)

	requireIngest(t, events, chain.NewFinalized(80_000))

	shutdownDriver(t, cancel, errCh)
}
