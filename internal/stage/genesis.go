package stage

import (
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"brainlink/redirect-service/internal/token"
)

// Genesis is the first hop. The caller has already resolved the short
// code to a usable link; this stage captures the client fingerprint and
// the original query parameters, and mints the genesis token.
type Genesis struct {
	Codec *token.Codec
	Salt  string
	TTL   time.Duration // 0 means GenesisTTL
	Next  string        // validation entry point; "" means ValidatePath
}

func (g *Genesis) Handle(linkID, clientIP, userAgent, referrer string, originalParams url.Values) (Result, error) {
	ttl := g.TTL
	if ttl <= 0 {
		ttl = GenesisTTL
	}
	next := g.Next
	if next == "" {
		next = ValidatePath
	}

	clickID := fmt.Sprintf("%s_%s", linkID, ulid.Make())

	claims := token.RelayClaims{
		Stage:          token.StageGenesis,
		LinkID:         linkID,
		Referrer:       referrer,
		IPHash:         FingerprintHash(g.Salt, clientIP),
		UAHash:         FingerprintHash(g.Salt, userAgent),
		OriginalParams: originalParams,
	}
	claims.Issuer = token.IssuerGenesis
	claims.Subject = clickID
	claims.Audience = jwt.ClaimStrings{token.AudienceValidation}

	tok, err := g.Codec.Mint(token.GenesisKey, claims, ttl)
	if err != nil {
		return Result{}, fmt.Errorf("mint genesis token: %w", err)
	}

	return Result{
		Location: next + "?token=" + url.QueryEscape(tok),
		ClickID:  clickID,
	}, nil
}
