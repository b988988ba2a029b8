package sim

import "errors"

// ErrCircuitUnavailable surfaces to a stream when every build attempt for
// its circuit was exhausted. Recoverable: the stream fails, the user's
// timeline continues.
var ErrCircuitUnavailable = errors.New("circuit unavailable")

// Trace failure reasons. These are data for researchers measuring failure
// rates, so the strings are part of the output contract.
const (
	reasonNoExit      = "no exit supports port"
	reasonUnavailable = "circuit unavailable"
	reasonNoCoverage  = "no consensus coverage"
	reasonExpired     = "circuit expired"
	reasonPathFailed  = "path selection failed"
)
