// Package registry resolves short codes to link records and destinations.
// Link usability (status, expiry, click limits) is enforced here, at the
// CRUD boundary, so the relay stages only ever see usable links.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("link not found")
	ErrInactive     = errors.New("link is not active")
	ErrExpired      = errors.New("link has expired")
	ErrLimitReached = errors.New("link click limit reached")

	errUpstreamDown = errors.New("registry unavailable")
)

// Link statuses.
const (
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusExpired  = "expired"
	StatusLimitHit = "limit_reached"
)

type Link struct {
	ID          string
	ShortCode   string
	Destination string
	Status      string
	ExpiresAt   time.Time // zero = never
	ClickLimit  int64     // 0 = unlimited
	ClickCount  int64
}

// Usable reports whether the link may serve a redirect right now.
func (l Link) Usable(now time.Time) error {
	if l.Status != StatusActive {
		return ErrInactive
	}
	if !l.ExpiresAt.IsZero() && l.ExpiresAt.Before(now) {
		return ErrExpired
	}
	if l.ClickLimit > 0 && l.ClickCount >= l.ClickLimit {
		return ErrLimitReached
	}
	return nil
}

// Resolver is the link registry consumed by the relay.
type Resolver interface {
	// Resolve returns the link record for a short code.
	Resolve(ctx context.Context, shortCode string) (Link, error)
	// ResolveDestination returns the absolute destination URL for a link.
	// Policy resolution (geo/device targeting) would hang off this call.
	ResolveDestination(ctx context.Context, linkID string) (string, error)
	// RecordClick increments the link's click counter.
	RecordClick(ctx context.Context, linkID string) error
}
