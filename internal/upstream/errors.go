package upstream

import "errors"

// ErrSessionClosed reports a send on an upstream session that has already
// been torn down.
var ErrSessionClosed = errors.New("upstream session closed")
