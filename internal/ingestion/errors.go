package ingestion

import "errors"

// ErrInvalidState is returned when an internal invariant is violated (e.g.
// the head falling behind the finalized cursor, or a reorg reaching below
// it). Fatal: ingestion must not advance past it.
var ErrInvalidState = errors.New("invalid internal state")

// ErrCursorProvider is returned when the upstream cursor provider fails or
// closes its streams.
var ErrCursorProvider = errors.New("cursor provider error")

// ErrStreamClosed is returned when the downstream consumer vanished. Not an
// error from the system's view; the affected task terminates.
var ErrStreamClosed = errors.New("output stream closed")
