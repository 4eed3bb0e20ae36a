package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"brainlink/redirect-service/internal/replay"
)

// StageKey names one of the three inter-stage signing keys. Compromise of
// one key must not allow forging tokens for another hop, so the keys are
// required to be pairwise distinct.
type StageKey int

const (
	GenesisKey StageKey = iota // genesis -> validation
	TransitKey                 // validation -> routing
	RoutingKey                 // routing -> final redirect
	numStageKeys
)

func (k StageKey) String() string {
	switch k {
	case GenesisKey:
		return "genesis"
	case TransitKey:
		return "transit"
	case RoutingKey:
		return "routing"
	default:
		return "unknown"
	}
}

// Wire-level stage identities carried in iss/aud/stage claims.
const (
	IssuerGenesis    = "genesis-link-generator"
	IssuerValidation = "validation-hub"
	IssuerRouting    = "routing-service"

	AudienceValidation = "validation-hub"
	AudienceRouting    = "routing-service"
	AudienceFinal      = "final-redirect"

	StageGenesis = "genesis"
	StageTransit = "transit"
	StageRouting = "routing"
)

// Stage tokens live 5-15 seconds. At the jwt default of second precision
// the encoded exp truncates below now+ttl, expiring a token minted
// mid-second up to a full second early; millisecond precision keeps the
// claimed window exact.
func init() { jwt.TimePrecision = time.Millisecond }

// ---- Errors ----

var (
	ErrInvalidSignature  = errors.New("invalid token signature")
	ErrExpiredToken      = errors.New("token outside validity window")
	ErrInvalidAudience   = errors.New("token audience mismatch")
	ErrReplayAttack      = errors.New("token nonce already consumed")
	ErrReplayUnavailable = errors.New("replay guard unavailable")
	ErrUnknownKey        = errors.New("unknown stage key")
)

// RelayClaims is the payload carried between stages. OriginalParams holds
// the query string captured at genesis so it survives the relay and can be
// reattached to the destination URL.
type RelayClaims struct {
	Stage          string     `json:"stage"`
	LinkID         string     `json:"link_id,omitempty"`
	Referrer       string     `json:"referrer,omitempty"`
	IPHash         string     `json:"ip_hash,omitempty"`
	UAHash         string     `json:"ua_hash,omitempty"`
	Destination    string     `json:"destination,omitempty"`
	OriginalParams url.Values `json:"original_params,omitempty"`
	jwt.RegisteredClaims
}

// Codec mints and verifies the stage-scoped relay tokens (HS256).
type Codec struct {
	keys    [numStageKeys][]byte
	guard   replay.Guard
	ttl     time.Duration    // nonce retention in the replay guard
	nowFunc func() time.Time // for tests
}

// NewCodec validates the three stage keys and binds the replay guard.
// Keys must be at least 32 bytes and pairwise distinct.
func NewCodec(keys map[StageKey][]byte, guard replay.Guard) (*Codec, error) {
	c := &Codec{guard: guard, ttl: replay.DefaultTTL, nowFunc: time.Now}
	for k := GenesisKey; k < numStageKeys; k++ {
		secret, ok := keys[k]
		if !ok {
			return nil, fmt.Errorf("missing %s key", k)
		}
		if len(secret) < 32 {
			return nil, fmt.Errorf("%s key too short; need >=32 bytes", k)
		}
		c.keys[k] = secret
	}
	for a := GenesisKey; a < numStageKeys; a++ {
		for b := a + 1; b < numStageKeys; b++ {
			if subtle.ConstantTimeCompare(c.keys[a], c.keys[b]) == 1 {
				return nil, fmt.Errorf("%s and %s keys must differ", a, b)
			}
		}
	}
	return c, nil
}

// Mint signs claims under the given stage key with iat=nbf=now and
// exp=now+ttl, generating a fresh single-use nonce (jti).
func (c *Codec) Mint(key StageKey, claims RelayClaims, ttl time.Duration) (string, error) {
	if key < GenesisKey || key >= numStageKeys {
		return "", ErrUnknownKey
	}
	nonce, err := newNonce()
	if err != nil {
		return "", fmt.Errorf("mint nonce: %w", err)
	}
	now := c.nowFunc()
	claims.ID = nonce
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	return jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(c.keys[key])
}

// Verify decodes tokenStr under the given stage key and runs the full
// check sequence: signature, validity window, audience, replay. Each
// failure is terminal. On success the nonce is already recorded, so a
// second presentation of the same token fails with ErrReplayAttack.
func (c *Codec) Verify(ctx context.Context, tokenStr string, key StageKey, expectedAudience string) (*RelayClaims, error) {
	if key < GenesisKey || key >= numStageKeys {
		return nil, ErrUnknownKey
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithStrictDecoding(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.nowFunc),
	)
	var claims RelayClaims
	parsed, err := parser.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (interface{}, error) {
		return c.keys[key], nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidSignature
	}
	if !parsed.Valid {
		return nil, ErrInvalidSignature
	}

	// A token is valid at exactly one stage; the exp check above already
	// rejects a token presented at exactly its expiry instant.
	if len(claims.Audience) != 1 ||
		subtle.ConstantTimeCompare([]byte(claims.Audience[0]), []byte(expectedAudience)) != 1 {
		return nil, ErrInvalidAudience
	}

	if claims.ID == "" {
		return nil, ErrInvalidSignature
	}
	fresh, err := c.guard.Consume(ctx, claims.ID, c.ttl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReplayUnavailable, err)
	}
	if !fresh {
		return nil, ErrReplayAttack
	}
	return &claims, nil
}

// newNonce returns 32 random bytes base64url-encoded (256 bits of
// entropy; guessing within any stage TTL window is infeasible).
func newNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
