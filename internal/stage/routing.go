package stage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"brainlink/redirect-service/internal/token"
)

// DestinationResolver is the slice of the link registry the routing stage
// needs: a single lookup from link ID to the resolved absolute URL.
type DestinationResolver interface {
	ResolveDestination(ctx context.Context, linkID string) (string, error)
}

// Routing verifies the transit token, resolves the final destination and
// mints the routing token. The routing token carries the destination
// itself, hence the shortest TTL of the chain.
type Routing struct {
	Codec        *token.Codec
	Destinations DestinationResolver
	TTL          time.Duration // 0 means RoutingTTL
	Next         string        // final entry point; "" means FinalPath
}

func (r *Routing) Handle(ctx context.Context, transitToken, clientIP, userAgent string) (Result, error) {
	claims, err := r.Codec.Verify(ctx, transitToken, token.TransitKey, token.AudienceRouting)
	if err != nil {
		return Result{}, err
	}

	destination, err := r.Destinations.ResolveDestination(ctx, claims.LinkID)
	if err != nil {
		// Chain preserved: the caller distinguishes a vanished link from
		// an unavailable registry.
		return Result{}, fmt.Errorf("%w: %w", ErrUpstreamLookup, err)
	}

	ttl := r.TTL
	if ttl <= 0 {
		ttl = RoutingTTL
	}
	next := r.Next
	if next == "" {
		next = FinalPath
	}

	routing := token.RelayClaims{
		Stage:          token.StageRouting,
		LinkID:         claims.LinkID,
		IPHash:         claims.IPHash,
		UAHash:         claims.UAHash,
		Destination:    destination,
		OriginalParams: claims.OriginalParams,
	}
	routing.Issuer = token.IssuerRouting
	routing.Subject = claims.Subject
	routing.Audience = jwt.ClaimStrings{token.AudienceFinal}

	tok, err := r.Codec.Mint(token.RoutingKey, routing, ttl)
	if err != nil {
		return Result{}, fmt.Errorf("mint routing token: %w", err)
	}

	return Result{
		Location: next + "?token=" + url.QueryEscape(tok),
		ClickID:  claims.Subject,
	}, nil
}
