package ingestion

import "github.com/goran-ethernal/dna/internal/chain"

// ChainChange is an event emitted by the ingestion driver. The emitted
// sequence is strictly ordered: Initialize first; Invalidate precedes any
// Ingest that depends on the new ancestor; NewFinalized is monotonically
// non-decreasing.
type ChainChange interface {
	isChainChange()
}

// Initialize is the first event, carrying the starting state.
type Initialize struct {
	Head      chain.Cursor
	Finalized chain.Cursor
}

// NewHead signals that a new head has been detected.
type NewHead struct {
	Cursor chain.Cursor
}

// NewFinalized signals that a new finalized block has been detected.
type NewFinalized struct {
	Cursor chain.Cursor
}

// Ingest instructs the pipeline to ingest the given block. Cursors in the
// finalized range are weak (hash-less); cursors above it carry the hash
// from the canonical map.
type Ingest struct {
	Cursor chain.Cursor
}

// Invalidate signals that the chain reorganized below an already emitted
// cursor. Removed lists the invalidated cursors in ascending block order.
type Invalidate struct {
	NewHead chain.Cursor
	Removed []chain.Cursor
}

func (Initialize) isChainChange()   {}
func (NewHead) isChainChange()      {}
func (NewFinalized) isChainChange() {}
func (Ingest) isChainChange()       {}
func (Invalidate) isChainChange()   {}
