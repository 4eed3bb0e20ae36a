// Package stage implements the four hops of the redirect relay: genesis,
// validation, routing and final redirect. Handlers are pure decision
// logic; HTTP binding lives in internal/relay.
package stage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Default per-stage token lifetimes. The windows shrink as the flow nears
// completion: the routing token carries the actual destination and gets
// the tightest window.
const (
	GenesisTTL = 15 * time.Second
	TransitTTL = 10 * time.Second
	RoutingTTL = 5 * time.Second
)

// Default entry-point paths for the next hop of each stage.
const (
	ValidatePath = "/validate"
	RoutePath    = "/route"
	FinalPath    = "/final-redirect"
)

// ErrUpstreamLookup marks a registry/destination resolution failure, as
// opposed to a token verification failure.
var ErrUpstreamLookup = errors.New("upstream lookup failed")

// Result is a stage's redirect instruction. Terminal is set only by the
// final stage; every other Location is the next hop carrying a token.
type Result struct {
	Location string
	ClickID  string
	Terminal bool
}

// FingerprintHash one-way hashes a client attribute (IP, User-Agent) with
// a deployment-wide salt. The salt keeps the hashes useless for offline
// lookup of common values; it must be identical across all stages.
func FingerprintHash(salt, value string) string {
	h := sha256.New()
	h.Write([]byte(salt))
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}
