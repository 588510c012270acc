// Package james has shared runtime state and small helpers used by most
// other packages: the parsed configuration, the shutdown context,
// connection id generation and randomness.
package james

import (
	"sync/atomic"
	"time"
)

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id to be used for connections/sessions/requests.
func Cid() int64 {
	return cid.Add(1)
}
