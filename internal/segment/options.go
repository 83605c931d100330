package segment

// Options controls the segment and segment group sizes. Both sizes are
// fixed per deployment and recorded in the ingestion snapshot: changing
// them requires re-ingesting from scratch.
type Options struct {
	// SegmentSize is the number of blocks per segment.
	SegmentSize uint64
	// GroupSize is the number of segments per segment group.
	GroupSize uint64
}

// GroupBlocks returns the number of blocks covered by one segment group.
func (o Options) GroupBlocks() uint64 {
	return o.SegmentSize * o.GroupSize
}

// SegmentStart returns the first block of the segment containing the given
// block. Segment boundaries are aligned to the chain's starting block.
func (o Options) SegmentStart(blockNumber, startingBlock uint64) uint64 {
	return startingBlock + ((blockNumber-startingBlock)/o.SegmentSize)*o.SegmentSize
}

// SegmentEnd returns the last block of the segment containing the given block.
func (o Options) SegmentEnd(blockNumber, startingBlock uint64) uint64 {
	return o.SegmentStart(blockNumber, startingBlock) + o.SegmentSize - 1
}

// GroupStart returns the first block of the segment group containing the
// given block.
func (o Options) GroupStart(blockNumber, startingBlock uint64) uint64 {
	return startingBlock + ((blockNumber-startingBlock)/o.GroupBlocks())*o.GroupBlocks()
}

// GroupEnd returns the last block of the segment group containing the given
// block.
func (o Options) GroupEnd(blockNumber, startingBlock uint64) uint64 {
	return o.GroupStart(blockNumber, startingBlock) + o.GroupBlocks() - 1
}
