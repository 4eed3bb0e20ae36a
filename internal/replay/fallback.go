package replay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Fallback wraps a durable Guard with an in-process Memory guard. The
// local guard is consulted first, so a nonce consumed by this instance is
// rejected even while the primary store is down. When the primary errors,
// the local verdict stands, so a store outage degrades replay protection
// to single-instance scope rather than failing every verification or,
// worse, skipping the check.
type Fallback struct {
	primary Guard
	local   *Memory
	log     zerolog.Logger
}

func NewFallback(primary Guard, log zerolog.Logger) *Fallback {
	return &Fallback{primary: primary, local: NewMemory(), log: log}
}

func (f *Fallback) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	fresh, err := f.local.Consume(ctx, nonce, ttl)
	if err == nil && !fresh {
		return false, nil
	}

	fresh, err = f.primary.Consume(ctx, nonce, ttl)
	if err != nil {
		f.log.Warn().Err(err).Msg("nonce store unavailable, local replay guard verdict stands")
		return true, nil
	}
	return fresh, nil
}
