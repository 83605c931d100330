// Package wire contains the client streaming protocol messages. Messages
// are hand-encoded with the protobuf wire format: the payload framing (the
// filter-id prefixes inside Data payloads) needs protowire primitives
// anyway, and the message set is small and frozen.
package wire

import (
	"github.com/goran-ethernal/dna/internal/chain"
)

// Message is implemented by every protocol message.
type Message interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire(data []byte) error
}

// DataFinality is the upper bound on what the server sends.
type DataFinality int32

const (
	DataFinalityUnknown   DataFinality = 0
	DataFinalityFinalized DataFinality = 1
	DataFinalityAccepted  DataFinality = 2
	DataFinalityPending   DataFinality = 3
)

func (f DataFinality) String() string {
	switch f {
	case DataFinalityFinalized:
		return "finalized"
	case DataFinalityAccepted:
		return "accepted"
	case DataFinalityPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Cursor identifies a block on the wire. An empty hash means "canonical
// block at this height".
type Cursor struct {
	OrderKey  uint64
	UniqueKey []byte
}

// CursorFromChain converts an internal cursor.
func CursorFromChain(c chain.Cursor) *Cursor {
	return &Cursor{OrderKey: c.Number, UniqueKey: c.Hash}
}

// ToChain converts to an internal cursor.
func (c *Cursor) ToChain() chain.Cursor {
	if c == nil {
		return chain.Cursor{}
	}
	return chain.Cursor{Number: c.OrderKey, Hash: chain.Hash(c.UniqueKey)}
}

// StreamDataRequest opens a stream.
type StreamDataRequest struct {
	// StartingCursor is the last block the client has seen; absent means
	// genesis. A cursor with an empty hash means "canonical at number".
	StartingCursor *Cursor
	// Finality is the upper bound on what the server will send.
	Finality DataFinality
	// Filter is the list of encoded block filters; the response data is
	// partitioned per filter.
	Filter [][]byte
}

// Data carries one block's filtered data.
type Data struct {
	// Cursor is the previous block.
	Cursor *Cursor
	// EndCursor is this block.
	EndCursor *Cursor
	Finality  DataFinality
	// Blobs has one payload per input filter.
	Blobs [][]byte
}

// Invalidate tells the client to drop data after Cursor and resume from it.
type Invalidate struct {
	Cursor  *Cursor
	Removed []*Cursor
}

// Finalize tells the client everything up to Cursor is finalized.
type Finalize struct {
	Cursor *Cursor
}

// Heartbeat is sent on idle streams.
type Heartbeat struct{}

// SystemMessage carries out-of-band diagnostics.
type SystemMessage struct {
	Output  string
	IsError bool
}

// StreamDataResponse is the oneof envelope of the response stream.
type StreamDataResponse struct {
	Data          *Data
	Invalidate    *Invalidate
	Finalize      *Finalize
	Heartbeat     *Heartbeat
	SystemMessage *SystemMessage
}
