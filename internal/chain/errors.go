package chain

import "errors"

// ErrBuilder is returned when an operation violates the canonical chain
// builder's contract (wrong ordering, shrink outside the segment, …).
// These are caller errors and must never be retried.
var ErrBuilder = errors.New("canonical chain builder error")

// ErrView is returned when a sealed chain segment is queried outside of its
// block range.
var ErrView = errors.New("canonical chain view error")
