package chain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestCursor creates a cursor whose hash encodes both the block number
// and the fork it belongs to, so different forks at the same height have
// different hashes.
func newTestCursor(number uint64, fork uint8) Cursor {
	hash := make(Hash, 32)
	hash[0] = fork + 1
	hash[24] = byte(number >> 24)
	hash[25] = byte(number >> 16)
	hash[26] = byte(number >> 8)
	hash[27] = byte(number)
	return Cursor{Number: number, Hash: hash}
}

func genesisBlock(fork uint8) BlockInfo {
	c := newTestCursor(1_000, fork)
	return BlockInfo{Number: c.Number, Hash: c.Hash}
}

func nextBlock(block BlockInfo, fork uint8) BlockInfo {
	c := newTestCursor(block.Number+1, fork)
	return BlockInfo{Number: c.Number, Hash: c.Hash, Parent: block.Hash}
}

/*
 *
 *               1_006/1     1_040/1
 *                 o - - - - - o
 *               /
 *   o - - - - o - - - - o
 * 1_000/0   1_005/0   1_010/0
 */
func TestCanonicalChainBuilder(t *testing.T) {
	builder := NewCanonicalChainBuilder()

	block := genesisBlock(0)
	require.NoError(t, builder.Grow(block))

	for i := 0; i < 5; i++ {
		block = nextBlock(block, 0)
		require.NoError(t, builder.Grow(block))
	}

	checkpoint := block

	for i := 0; i < 5; i++ {
		block = nextBlock(block, 0)
		require.NoError(t, builder.Grow(block))
	}

	require.Equal(t, 11, builder.SegmentSize())

	// Can't shrink to a block that is not in the segment.
	_, err := builder.Shrink(newTestCursor(999, 0))
	require.ErrorIs(t, err, ErrBuilder)
	_, err = builder.Shrink(newTestCursor(1_011, 0))
	require.ErrorIs(t, err, ErrBuilder)

	removed, err := builder.Shrink(checkpoint.Cursor())
	require.NoError(t, err)
	require.Len(t, removed, 5)
	require.Equal(t, 6, builder.SegmentSize())

	// Can't grow to a block if the head has been reorged.
	block = nextBlock(block, 0)
	require.ErrorIs(t, builder.Grow(block), ErrBuilder)

	block = checkpoint
	for i := 0; i < 35; i++ {
		block = nextBlock(block, 1)
		require.NoError(t, builder.Grow(block))
	}

	require.Equal(t, 41, builder.SegmentSize())

	{
		segment, err := builder.CurrentSegment()
		require.NoError(t, err)
		require.Nil(t, segment.PreviousSegment)
		require.Equal(t, newTestCursor(1_000, 0), segment.Info.FirstBlock)
		require.Equal(t, newTestCursor(1_040, 1), segment.Info.LastBlock)
		require.Len(t, segment.Canonical, 41)

		for offset, canon := range segment.Canonical {
			blockNumber := uint64(1_000 + offset)
			if offset < 6 {
				require.Equal(t, newTestCursor(blockNumber, 0).Hash, canon.Hash)
				require.Empty(t, canon.Reorgs)
			} else {
				if offset < 11 {
					oldCursor := newTestCursor(blockNumber, 0)
					target, ok := canon.Reorgs[string(oldCursor.Hash)]
					require.True(t, ok)
					require.Equal(t, checkpoint.Cursor(), target)
				} else {
					require.Empty(t, canon.Reorgs)
				}
				require.Equal(t, newTestCursor(blockNumber, 1).Hash, canon.Hash)
			}
		}

		action, _, err := segment.Reconnect(newTestCursor(1_005, 0))
		require.NoError(t, err)
		require.Equal(t, ReconnectContinue, action)

		action, _, err = segment.Reconnect(newTestCursor(1_006, 1))
		require.NoError(t, err)
		require.Equal(t, ReconnectContinue, action)

		action, target, err := segment.Reconnect(newTestCursor(1_006, 0))
		require.NoError(t, err)
		require.Equal(t, ReconnectOfflineReorg, action)
		require.Equal(t, newTestCursor(1_005, 0), target)
	}

	{
		segment, err := builder.TakeSegment(25)
		require.NoError(t, err)
		require.Nil(t, segment.PreviousSegment)
		require.Equal(t, newTestCursor(1_000, 0), segment.Info.FirstBlock)
		require.Equal(t, newTestCursor(1_024, 1), segment.Info.LastBlock)
		require.Len(t, segment.Canonical, 25)

		tail, err := builder.CurrentSegment()
		require.NoError(t, err)
		require.NotNil(t, tail.PreviousSegment)

		require.Equal(t, newTestCursor(1_000, 0), tail.PreviousSegment.FirstBlock)
		require.Equal(t, newTestCursor(1_024, 1), tail.PreviousSegment.LastBlock)
		require.Equal(t, newTestCursor(1_025, 1), tail.Info.FirstBlock)
		require.Equal(t, newTestCursor(1_040, 1), tail.Info.LastBlock)
		require.Len(t, tail.Canonical, 16)
	}
}

/*
 *
 *               1_004/2     1_013/2
 *                 o - - - - - o
 *                 /       1_006/1 1_007/1
 *                /         o - - - o
 *               /        /
 *   o - - - - o - - - - o - - - - o
 * 1_000/0   1_003/0   1_005/0   1_010/0
 */
func TestReorgOnTopOfReorg(t *testing.T) {
	builder := NewCanonicalChainBuilder()

	block := genesisBlock(0)
	require.NoError(t, builder.Grow(block))

	for i := 0; i < 3; i++ {
		block = nextBlock(block, 0)
		require.NoError(t, builder.Grow(block))
	}

	firstCheckpoint := block
	require.Equal(t, newTestCursor(1_003, 0), firstCheckpoint.Cursor())

	for i := 0; i < 2; i++ {
		block = nextBlock(block, 0)
		require.NoError(t, builder.Grow(block))
	}

	secondCheckpoint := block
	require.Equal(t, newTestCursor(1_005, 0), secondCheckpoint.Cursor())

	for i := 0; i < 5; i++ {
		block = nextBlock(block, 0)
		require.NoError(t, builder.Grow(block))
	}

	{
		segment, err := builder.CurrentSegment()
		require.NoError(t, err)
		require.Equal(t, newTestCursor(1_000, 0), segment.Info.FirstBlock)
		require.Equal(t, newTestCursor(1_010, 0), segment.Info.LastBlock)
	}

	_, err := builder.Shrink(secondCheckpoint.Cursor())
	require.NoError(t, err)

	block = secondCheckpoint
	for i := 0; i < 2; i++ {
		block = nextBlock(block, 1)
		require.NoError(t, builder.Grow(block))
	}

	{
		segment, err := builder.CurrentSegment()
		require.NoError(t, err)
		require.Equal(t, newTestCursor(1_000, 0), segment.Info.FirstBlock)
		require.Equal(t, newTestCursor(1_007, 1), segment.Info.LastBlock)

		for i := 0; i < 6; i++ {
			blockNumber := uint64(1_000 + i)
			canon := segment.Canonical[i]
			require.Equal(t, newTestCursor(blockNumber, 0).Hash, canon.Hash)
			require.Empty(t, canon.Reorgs)
		}

		for i := 6; i < 8; i++ {
			blockNumber := uint64(1_000 + i)
			canon := segment.Canonical[i]
			require.Equal(t, newTestCursor(blockNumber, 1).Hash, canon.Hash)
			require.Len(t, canon.Reorgs, 1)
			oldBlock := newTestCursor(blockNumber, 0)
			target, ok := canon.Reorgs[string(oldBlock.Hash)]
			require.True(t, ok)
			require.Equal(t, secondCheckpoint.Cursor(), target)
		}
	}

	_, err = builder.Shrink(firstCheckpoint.Cursor())
	require.NoError(t, err)

	{
		segment, err := builder.CurrentSegment()
		require.NoError(t, err)
		action, target, err := segment.Reconnect(newTestCursor(1_010, 0))
		require.NoError(t, err)
		require.Equal(t, ReconnectOfflineReorg, action)
		require.Equal(t, secondCheckpoint.Cursor(), target)
	}

	block = firstCheckpoint
	for i := 0; i < 10; i++ {
		block = nextBlock(block, 2)
		require.NoError(t, builder.Grow(block))
	}

	{
		segment, err := builder.CurrentSegment()
		require.NoError(t, err)
		require.Equal(t, newTestCursor(1_000, 0), segment.Info.FirstBlock)
		require.Equal(t, newTestCursor(1_013, 2), segment.Info.LastBlock)

		// Before the first checkpoint.
		for i := 0; i < 4; i++ {
			blockNumber := uint64(1_000 + i)
			canon := segment.Canonical[i]
			require.Equal(t, newTestCursor(blockNumber, 0).Hash, canon.Hash)
			require.Empty(t, canon.Reorgs)
		}

		// Between the first and second checkpoints.
		// These blocks have been removed by the second reorg.
		for i := 4; i < 6; i++ {
			blockNumber := uint64(1_000 + i)
			canon := segment.Canonical[i]
			require.Equal(t, newTestCursor(blockNumber, 2).Hash, canon.Hash)
			require.Len(t, canon.Reorgs, 1)
			oldBlock := newTestCursor(blockNumber, 0)
			target, ok := canon.Reorgs[string(oldBlock.Hash)]
			require.True(t, ok)
			require.Equal(t, firstCheckpoint.Cursor(), target)
		}

		// After the second checkpoint.
		// These blocks have been removed by the first and second reorg.
		for i := 6; i < 8; i++ {
			blockNumber := uint64(1_000 + i)
			canon := segment.Canonical[i]
			require.Equal(t, newTestCursor(blockNumber, 2).Hash, canon.Hash)
			require.Len(t, canon.Reorgs, 2)
			{
				oldBlock := newTestCursor(blockNumber, 0)
				target, ok := canon.Reorgs[string(oldBlock.Hash)]
				require.True(t, ok)
				require.Equal(t, secondCheckpoint.Cursor(), target)
			}
			{
				oldBlock := newTestCursor(blockNumber, 1)
				target, ok := canon.Reorgs[string(oldBlock.Hash)]
				require.True(t, ok)
				require.Equal(t, firstCheckpoint.Cursor(), target)
			}
		}

		// These blocks have been removed by the first reorg.
		for i := 8; i < 11; i++ {
			blockNumber := uint64(1_000 + i)
			canon := segment.Canonical[i]
			require.Equal(t, newTestCursor(blockNumber, 2).Hash, canon.Hash)
			oldBlock := newTestCursor(blockNumber, 0)
			target, ok := canon.Reorgs[string(oldBlock.Hash)]
			require.True(t, ok)
			require.Equal(t, secondCheckpoint.Cursor(), target)
		}

		// These blocks have never been part of a reorg.
		for i := 11; i < 14; i++ {
			blockNumber := uint64(1_000 + i)
			canon := segment.Canonical[i]
			require.Equal(t, newTestCursor(blockNumber, 2).Hash, canon.Hash)
			require.Empty(t, canon.Reorgs)
		}
	}
}

func TestShrinkCannotRemoveFirstBlock(t *testing.T) {
	builder := NewCanonicalChainBuilder()

	block := genesisBlock(0)
	require.NoError(t, builder.Grow(block))

	// Shrinking to the only block removes nothing.
	removed, err := builder.Shrink(block.Cursor())
	require.NoError(t, err)
	require.Empty(t, removed)

	// Removing the first block of the segment is rejected.
	_, err = builder.Shrink(newTestCursor(999, 0))
	require.ErrorIs(t, err, ErrBuilder)

	// Shrinking an empty builder is rejected.
	empty := NewCanonicalChainBuilder()
	_, err = empty.Shrink(block.Cursor())
	require.ErrorIs(t, err, ErrBuilder)
}

func TestShrinkReturnsRemovedAscending(t *testing.T) {
	builder := NewCanonicalChainBuilder()

	block := genesisBlock(0)
	require.NoError(t, builder.Grow(block))

	checkpoint := block
	for i := 0; i < 4; i++ {
		block = nextBlock(block, 0)
		require.NoError(t, builder.Grow(block))
	}

	removed, err := builder.Shrink(checkpoint.Cursor())
	require.NoError(t, err)
	require.Len(t, removed, 4)
	for i, cursor := range removed {
		require.Equal(t, newTestCursor(uint64(1_001+i), 0), cursor)
	}
}

func TestGrowAfterMissedSlot(t *testing.T) {
	builder := NewCanonicalChainBuilder()

	block := genesisBlock(0)
	require.NoError(t, builder.Grow(block))

	// A missed slot has the zero hash placeholder.
	missed := BlockInfo{Number: block.Number + 1, Parent: block.Hash}
	require.NoError(t, builder.Grow(missed))

	// Anything can be appended after a missed slot.
	after := newTestCursor(block.Number+2, 0)
	require.NoError(t, builder.Grow(BlockInfo{Number: after.Number, Hash: after.Hash, Parent: Hash{0xff}}))
}

func TestRestoreFromSegment(t *testing.T) {
	builder := NewCanonicalChainBuilder()

	block := genesisBlock(0)
	require.NoError(t, builder.Grow(block))

	checkpoint := block
	for i := 0; i < 9; i++ {
		block = nextBlock(block, 0)
		require.NoError(t, builder.Grow(block))
		if i == 4 {
			checkpoint = block
		}
	}

	_, err := builder.Shrink(checkpoint.Cursor())
	require.NoError(t, err)

	block = checkpoint
	for i := 0; i < 6; i++ {
		block = nextBlock(block, 1)
		require.NoError(t, builder.Grow(block))
	}

	segment, err := builder.CurrentSegment()
	require.NoError(t, err)

	restored, err := RestoreFromSegment(segment)
	require.NoError(t, err)

	restoredSegment, err := restored.CurrentSegment()
	require.NoError(t, err)
	require.Equal(t, segment.Info, restoredSegment.Info)
	require.Equal(t, len(segment.Canonical), len(restoredSegment.Canonical))
	for i := range segment.Canonical {
		require.Equal(t, segment.Canonical[i].Hash, restoredSegment.Canonical[i].Hash)
		require.Equal(t, segment.Canonical[i].Reorgs, restoredSegment.Canonical[i].Reorgs)
	}

	// The restored builder keeps growing from where the original stopped.
	block = nextBlock(block, 1)
	require.NoError(t, restored.Grow(block))
}

func TestChainSegmentCodecRoundTrip(t *testing.T) {
	builder := NewCanonicalChainBuilder()

	block := genesisBlock(0)
	require.NoError(t, builder.Grow(block))

	checkpoint := block
	for i := 0; i < 7; i++ {
		block = nextBlock(block, 0)
		require.NoError(t, builder.Grow(block))
		if i == 2 {
			checkpoint = block
		}
	}

	_, err := builder.Shrink(checkpoint.Cursor())
	require.NoError(t, err)

	block = checkpoint
	for i := 0; i < 3; i++ {
		block = nextBlock(block, 1)
		require.NoError(t, builder.Grow(block))
	}

	segment, err := builder.CurrentSegment()
	require.NoError(t, err)

	data, err := MarshalCanonicalChainSegment(segment)
	require.NoError(t, err)

	decoded, err := UnmarshalCanonicalChainSegment(data)
	require.NoError(t, err)

	require.Equal(t, segment.Info, decoded.Info)
	require.Equal(t, len(segment.Canonical), len(decoded.Canonical))
	for i := range segment.Canonical {
		require.Equal(t, segment.Canonical[i].Hash, decoded.Canonical[i].Hash)
		require.Equal(t, segment.Canonical[i].Reorgs, decoded.Canonical[i].Reorgs)
	}
	require.Equal(t, segment.ExtraReorgs, decoded.ExtraReorgs)

	// Reconnect works the same through the decoded copy.
	action, target, err := decoded.Reconnect(newTestCursor(1_005, 0))
	require.NoError(t, err)
	require.Equal(t, ReconnectOfflineReorg, action)
	require.Equal(t, checkpoint.Cursor(), target)
}
