package stage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"brainlink/redirect-service/internal/metrics"
	"brainlink/redirect-service/internal/token"
)

// Validation verifies the genesis token and mints the transit token. A
// fingerprint mismatch is a soft signal: mobile carriers rotate IPs and
// in-app browsers rewrite User-Agents mid-flow, so mismatches are counted
// but do not block the redirect.
type Validation struct {
	Codec   *token.Codec
	Salt    string
	Metrics metrics.Sink
	TTL     time.Duration // 0 means TransitTTL
	Next    string        // routing entry point; "" means RoutePath
}

func (v *Validation) Handle(ctx context.Context, genesisToken, clientIP, userAgent string) (Result, error) {
	claims, err := v.Codec.Verify(ctx, genesisToken, token.GenesisKey, token.AudienceValidation)
	if err != nil {
		return Result{}, err
	}

	if claims.IPHash != "" && claims.IPHash != FingerprintHash(v.Salt, clientIP) {
		v.Metrics.Violation(metrics.ReasonIPMismatch)
	}
	if claims.UAHash != "" && claims.UAHash != FingerprintHash(v.Salt, userAgent) {
		v.Metrics.Violation(metrics.ReasonUAMismatch)
	}

	ttl := v.TTL
	if ttl <= 0 {
		ttl = TransitTTL
	}
	next := v.Next
	if next == "" {
		next = RoutePath
	}

	transit := token.RelayClaims{
		Stage:          token.StageTransit,
		LinkID:         claims.LinkID,
		IPHash:         claims.IPHash,
		UAHash:         claims.UAHash,
		OriginalParams: claims.OriginalParams,
	}
	transit.Issuer = token.IssuerValidation
	transit.Subject = claims.Subject
	transit.Audience = jwt.ClaimStrings{token.AudienceRouting}

	tok, err := v.Codec.Mint(token.TransitKey, transit, ttl)
	if err != nil {
		return Result{}, fmt.Errorf("mint transit token: %w", err)
	}

	return Result{
		Location: next + "?token=" + url.QueryEscape(tok),
		ClickID:  claims.Subject,
	}, nil
}
