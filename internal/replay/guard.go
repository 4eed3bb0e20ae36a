// Package replay tracks single-use token nonces with TTL expiry.
//
// A nonce may be consumed exactly once while unexpired. Consumption is a
// single atomic insert-if-absent so that two concurrent verifications of
// the same token can never both succeed.
package replay

import (
	"context"
	"time"
)

// Guard is the nonce store shared by all stage verifications.
type Guard interface {
	// Consume records nonce with the given TTL and reports whether it was
	// fresh. fresh=false means the nonce had an unexpired record already
	// (replay). A non-nil error means the store could not answer; callers
	// must treat that as a verification failure, never as fresh.
	Consume(ctx context.Context, nonce string, ttl time.Duration) (fresh bool, err error)
}

// DefaultTTL outlives the longest-lived token type (genesis, 15s) with
// margin for clock skew and store latency.
const DefaultTTL = 60 * time.Second
