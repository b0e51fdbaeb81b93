package util

import (
	"context"
	"time"
)

// DetachTimeout bounds store writes that must finish after the request that
// started them is gone.
const DetachTimeout = 5 * time.Second

// Detach returns a context that keeps the values of ctx but not its
// cancellation, limited to DetachTimeout. Use it once a single-use record
// has been consumed, so the writes that complete the operation are not cut
// short by a client disconnect.
func Detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), DetachTimeout)
}
