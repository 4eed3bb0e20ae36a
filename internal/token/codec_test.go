package token

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"brainlink/redirect-service/internal/replay"
)

func testKeys() map[StageKey][]byte {
	return map[StageKey][]byte{
		GenesisKey: bytes.Repeat([]byte{0x01}, 32),
		TransitKey: bytes.Repeat([]byte{0x02}, 32),
		RoutingKey: bytes.Repeat([]byte{0x03}, 32),
	}
}

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testKeys(), replay.NewMemory())
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	return c
}

func TestNewCodec_RejectsBadKeys(t *testing.T) {
	keys := testKeys()
	keys[TransitKey] = keys[GenesisKey]
	if _, err := NewCodec(keys, replay.NewMemory()); err == nil {
		t.Error("NewCodec accepted identical stage keys")
	}

	keys = testKeys()
	keys[RoutingKey] = []byte("short")
	if _, err := NewCodec(keys, replay.NewMemory()); err == nil {
		t.Error("NewCodec accepted a short key")
	}

	keys = testKeys()
	delete(keys, TransitKey)
	if _, err := NewCodec(keys, replay.NewMemory()); err == nil {
		t.Error("NewCodec accepted a missing key")
	}
}

func TestCodec_MintAndVerify(t *testing.T) {
	c := testCodec(t)
	params := url.Values{"utm_source": {"fb"}, "ref": {"abc"}}

	tok, err := c.Mint(GenesisKey, RelayClaims{
		Stage:          StageGenesis,
		LinkID:         "link-42",
		Referrer:       "https://social.example",
		IPHash:         "iphash",
		UAHash:         "uahash",
		OriginalParams: params,
	}, 15*time.Second)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	// RelayClaims issuer/audience are set by stage handlers; here we mint
	// the audience explicitly.
	tok2, err := c.Mint(GenesisKey, RelayClaims{
		Stage:          StageGenesis,
		LinkID:         "link-42",
		OriginalParams: params,
	}, 15*time.Second)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if tok == tok2 {
		t.Error("two mints produced identical tokens (nonce not unique?)")
	}
}

func TestCodec_VerifyRoundTrip(t *testing.T) {
	c := testCodec(t)
	claims := relayClaims(StageGenesis, AudienceValidation)
	claims.OriginalParams = url.Values{"utm_source": {"fb"}, "ref": {"abc"}}

	tok, err := c.Mint(GenesisKey, claims, 15*time.Second)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	got, err := c.Verify(context.Background(), tok, GenesisKey, AudienceValidation)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if got.LinkID != claims.LinkID {
		t.Errorf("LinkID = %q, want %q", got.LinkID, claims.LinkID)
	}
	if got.OriginalParams.Get("utm_source") != "fb" || got.OriginalParams.Get("ref") != "abc" {
		t.Errorf("OriginalParams not preserved: %v", got.OriginalParams)
	}
	if got.ID == "" {
		t.Error("decoded token has no nonce")
	}
}

func TestCodec_SingleUse(t *testing.T) {
	c := testCodec(t)
	tok, _ := c.Mint(GenesisKey, relayClaims(StageGenesis, AudienceValidation), 15*time.Second)

	if _, err := c.Verify(context.Background(), tok, GenesisKey, AudienceValidation); err != nil {
		t.Fatalf("first Verify failed: %v", err)
	}
	_, err := c.Verify(context.Background(), tok, GenesisKey, AudienceValidation)
	if !errors.Is(err, ErrReplayAttack) {
		t.Errorf("second Verify = %v, want ErrReplayAttack", err)
	}
}

func TestCodec_AudienceBinding(t *testing.T) {
	c := testCodec(t)
	tok, _ := c.Mint(GenesisKey, relayClaims(StageGenesis, AudienceValidation), 15*time.Second)

	_, err := c.Verify(context.Background(), tok, GenesisKey, AudienceRouting)
	if !errors.Is(err, ErrInvalidAudience) {
		t.Errorf("Verify with wrong audience = %v, want ErrInvalidAudience", err)
	}

	// Audience failure must not consume the nonce.
	if _, err := c.Verify(context.Background(), tok, GenesisKey, AudienceValidation); err != nil {
		t.Errorf("Verify after audience failure = %v, want success", err)
	}
}

func TestCodec_WrongStageKey(t *testing.T) {
	c := testCodec(t)
	tok, _ := c.Mint(TransitKey, relayClaims(StageTransit, AudienceRouting), 10*time.Second)

	_, err := c.Verify(context.Background(), tok, RoutingKey, AudienceRouting)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Verify with wrong key = %v, want ErrInvalidSignature", err)
	}
}

func TestCodec_ExpiryBoundary(t *testing.T) {
	c := testCodec(t)
	// Mid-second mint instant: the encoded exp must not truncate below
	// minted+ttl.
	minted := time.Unix(1700000000, 437*int64(time.Millisecond))
	c.nowFunc = func() time.Time { return minted }

	tok, _ := c.Mint(GenesisKey, relayClaims(StageGenesis, AudienceValidation), 15*time.Second)

	// At exactly expiresAt: rejected.
	c.nowFunc = func() time.Time { return minted.Add(15 * time.Second) }
	_, err := c.Verify(context.Background(), tok, GenesisKey, AudienceValidation)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify at expiresAt = %v, want ErrExpiredToken", err)
	}

	// 1ms before expiresAt: accepted.
	c.nowFunc = func() time.Time { return minted.Add(15*time.Second - time.Millisecond) }
	claims, err := c.Verify(context.Background(), tok, GenesisKey, AudienceValidation)
	if err != nil {
		t.Fatalf("Verify just before expiry = %v, want success", err)
	}
	// The claim passes through a float64 on decode; allow sub-microsecond
	// drift but not the old second-truncation.
	if d := claims.ExpiresAt.Time.Sub(minted.Add(15 * time.Second)); d < -time.Microsecond || d > time.Microsecond {
		t.Errorf("decoded expiresAt off by %v from minted+ttl", d)
	}
}

func TestCodec_TamperedSignature(t *testing.T) {
	c := testCodec(t)
	tok, _ := c.Mint(GenesisKey, relayClaims(StageGenesis, AudienceValidation), 15*time.Second)

	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token layout: %d segments", len(parts))
	}
	sig := parts[2]
	flipped := "A"
	if sig[0] == 'A' {
		flipped = "B"
	}
	tampered := parts[0] + "." + parts[1] + "." + flipped + sig[1:]

	_, err := c.Verify(context.Background(), tampered, GenesisKey, AudienceValidation)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Verify of tampered token = %v, want ErrInvalidSignature", err)
	}
}

func TestCodec_ConcurrentVerifyRace(t *testing.T) {
	c := testCodec(t)
	tok, _ := c.Mint(GenesisKey, relayClaims(StageGenesis, AudienceValidation), 15*time.Second)

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Verify(context.Background(), tok, GenesisKey, AudienceValidation)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes, replays := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrReplayAttack):
			replays++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("expected exactly 1 successful verify, got %d (%d replays)", successes, replays)
	}
}

func TestCodec_GuardOutageFailsClosed(t *testing.T) {
	c, err := NewCodec(testKeys(), downGuard{})
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	tok, _ := c.Mint(GenesisKey, relayClaims(StageGenesis, AudienceValidation), 15*time.Second)

	_, err = c.Verify(context.Background(), tok, GenesisKey, AudienceValidation)
	if !errors.Is(err, ErrReplayUnavailable) {
		t.Errorf("Verify with dead guard = %v, want ErrReplayUnavailable", err)
	}
}

type downGuard struct{}

func (downGuard) Consume(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("store down")
}

func relayClaims(stage, audience string) RelayClaims {
	c := RelayClaims{
		Stage:  stage,
		LinkID: "link-42",
	}
	c.Issuer = IssuerGenesis
	c.Subject = "click-1"
	c.Audience = []string{audience}
	return c
}
