// Package snapshot implements the ingestion control plane: the persisted
// ingestion snapshot and the starting/finalized/ingested registers used to
// coordinate ingestion and stream replicas.
package snapshot

import (
	"github.com/goran-ethernal/dna/internal/segment"
)

// IngestionState describes how much of the chain has been sealed into
// segment groups.
type IngestionState struct {
	// FirstBlockNumber is the first block ever ingested.
	FirstBlockNumber uint64
	// GroupCount is the number of sealed segment groups.
	GroupCount uint64
	// ExtraSegmentCount is the number of sealed segments not yet absorbed
	// into a group.
	ExtraSegmentCount uint64
}

// Snapshot is the persisted ingestion snapshot.
type Snapshot struct {
	Revision       uint64
	SegmentOptions segment.Options
	Ingestion      IngestionState
}

// StartingBlock returns the first block that has never been sealed into a
// group: ingestion resumes from here.
func (s *Snapshot) StartingBlock() uint64 {
	return s.Ingestion.FirstBlockNumber + s.Ingestion.GroupCount*s.SegmentOptions.GroupBlocks()
}
