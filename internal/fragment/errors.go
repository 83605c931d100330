package fragment

import "errors"

// ErrModel is returned when a payload fails to decode or violates a
// structural invariant. Not retriable.
var ErrModel = errors.New("fragment model error")

// ErrIndexing is returned when an index cannot be built. This is a
// programmer-error class and is fatal to the current block.
var ErrIndexing = errors.New("indexing error")

// ErrKeyWidth is returned when an index key has a width outside the closed
// set {0, 1, 4, 20, 32}. Extending the set requires a coordinated on-wire
// version bump.
var ErrKeyWidth = errors.New("invalid index key width")
