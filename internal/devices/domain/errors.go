package devices

import "errors"

// ErrNotFound indicates no state is known for the requested trap.
var ErrNotFound = errors.New("device not found")
