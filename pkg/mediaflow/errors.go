package mediaflow

import "errors"

// Sentinel errors a caller can match on with errors.Is; everything
// else surfaces through callerr.Kind.
var (
	ErrClosed       = errors.New("mediaflow: closed")
	ErrNotReady     = errors.New("mediaflow: not ready")
	ErrNoCandidates = errors.New("mediaflow: no candidates gathered")
)
