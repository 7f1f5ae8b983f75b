package decoder

import "errors"

// Sentinel errors of the negotiation and lifecycle surface.
var (
	// ErrBusy rejects a state change that would invalidate buffers or a
	// stream already in flight.
	ErrBusy = errors.New("decoder: resource busy")
	// ErrInvalid rejects malformed arguments and unknown formats.
	ErrInvalid = errors.New("decoder: invalid argument")
	// ErrNoMem reports scratch or table memory exhaustion.
	ErrNoMem = errors.New("decoder: out of memory")
)
