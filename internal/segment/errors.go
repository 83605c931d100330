package segment

import "errors"

// ErrBuilder is returned when blocks or segments are added out of order, or
// when sealing preconditions are not met. These are caller errors.
var ErrBuilder = errors.New("segment builder error")
