package replay

import "errors"

// ErrDegraded is returned once the state machine has reported a lock failure.
// The driver applies nothing further.
var ErrDegraded = errors.New("replay: state machine degraded")
