// Package relay binds the four redirect stages to HTTP. All security
// decisions live in internal/stage and internal/token; this package only
// translates them into status codes, metrics and log lines. Rejected
// requests get one uniform body regardless of cause so a probing client
// cannot distinguish a bad signature from a consumed nonce.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"brainlink/redirect-service/internal/breaker"
	"brainlink/redirect-service/internal/httputil"
	"brainlink/redirect-service/internal/metrics"
	"brainlink/redirect-service/internal/rate"
	"brainlink/redirect-service/internal/registry"
	"brainlink/redirect-service/internal/stage"
	"brainlink/redirect-service/internal/token"
	"brainlink/redirect-service/internal/track"
)

const blockedBody = "link unavailable"

// Handler serves the full redirect chain. Zero-value optional fields
// (Breaker, IPRPS, Metrics, Tracker) disable the corresponding concern.
type Handler struct {
	Registry registry.Resolver
	Breaker  *breaker.Breaker

	Genesis    *stage.Genesis
	Validation *stage.Validation
	Routing    *stage.Routing
	Final      *stage.Final

	// IPRPS guards the genesis entry point. A limit of 0 disables it;
	// the middle hops are already gated by single-use tokens.
	IPRPS      *rate.SlidingRPS
	IPRPSLimit float64

	Metrics metrics.Sink
	Tracker track.Sink
	Log     zerolog.Logger

	nowFunc func() time.Time
}

func NewHandler(h Handler) *Handler {
	if h.Metrics == nil {
		h.Metrics = metrics.Nop{}
	}
	if h.Tracker == nil {
		h.Tracker = track.Nop{}
	}
	if h.nowFunc == nil {
		h.nowFunc = time.Now
	}
	return &h
}

// Routes registers the relay endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /t/{shortCode}", h.handleGenesis)
	mux.HandleFunc("GET "+stage.ValidatePath, h.handleValidate)
	mux.HandleFunc("GET "+stage.RoutePath, h.handleRoute)
	mux.HandleFunc("GET "+stage.FinalPath, h.handleFinal)
}

// withBreaker runs one registry operation under the breaker. A clean
// not-found is a valid answer and counts as success.
func withBreaker(b *breaker.Breaker, op func() error) error {
	if b == nil {
		return op()
	}
	probe, err := b.Allow()
	if err != nil {
		return err
	}
	if probe {
		defer b.Release()
	}
	err = op()
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// GuardedResolver applies the registry circuit breaker to the routing
// stage's destination lookups.
type GuardedResolver struct {
	Registry registry.Resolver
	Breaker  *breaker.Breaker
}

func (g *GuardedResolver) ResolveDestination(ctx context.Context, linkID string) (string, error) {
	var destination string
	err := withBreaker(g.Breaker, func() error {
		var err error
		destination, err = g.Registry.ResolveDestination(ctx, linkID)
		return err
	})
	return destination, err
}

// ---- Genesis ----

func (h *Handler) handleGenesis(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := httputil.GetLogger(r.Context())

	shortCode := r.PathValue("shortCode")
	clientIP := httputil.ClientIPFromHeaders(r)

	if h.IPRPS != nil && h.IPRPSLimit > 0 {
		if rps := h.IPRPS.Add("ip:" + clientIP); rps > h.IPRPSLimit {
			h.Metrics.Blocked()
			log.Warn().Str("client_ip", clientIP).Float64("rps", rps).Msg("genesis rate limited")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	h.Metrics.Attempt()

	link, err := h.resolveLink(r.Context(), shortCode)
	if err != nil {
		h.failResolve(w, log, shortCode, err)
		return
	}
	if err := link.Usable(h.nowFunc()); err != nil {
		h.failResolve(w, log, shortCode, err)
		return
	}

	res, err := h.Genesis.Handle(link.ID, clientIP, r.UserAgent(), r.Referer(), r.URL.Query())
	if err != nil {
		h.Metrics.Blocked()
		log.Error().Err(err).Str("link_id", link.ID).Msg("genesis stage failed")
		http.Error(w, blockedBody, http.StatusInternalServerError)
		return
	}

	h.recordClick(link.ID, res.ClickID, clientIP, r.UserAgent(), r.Referer(), time.Since(start))
	h.Metrics.StageDuration("genesis", time.Since(start))
	log.Info().Str("click_id", res.ClickID).Str("link_id", link.ID).Msg("genesis redirect issued")
	http.Redirect(w, r, res.Location, http.StatusFound)
}

// resolveLink looks up a short code through the circuit breaker.
func (h *Handler) resolveLink(ctx context.Context, shortCode string) (registry.Link, error) {
	var link registry.Link
	err := withBreaker(h.Breaker, func() error {
		var err error
		link, err = h.Registry.Resolve(ctx, shortCode)
		return err
	})
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return registry.Link{}, fmt.Errorf("%w: %v", stage.ErrUpstreamLookup, err)
	}
	return link, err
}

func (h *Handler) failResolve(w http.ResponseWriter, log *zerolog.Logger, shortCode string, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		h.Metrics.Blocked()
		log.Debug().Str("short_code", shortCode).Msg("unknown short code")
		http.Error(w, blockedBody, http.StatusNotFound)
	case errors.Is(err, registry.ErrInactive):
		h.Metrics.Blocked()
		http.Error(w, blockedBody, http.StatusForbidden)
	case errors.Is(err, registry.ErrExpired), errors.Is(err, registry.ErrLimitReached):
		h.Metrics.Blocked()
		http.Error(w, blockedBody, http.StatusGone)
	case errors.Is(err, stage.ErrUpstreamLookup):
		h.Metrics.Violation(metrics.ReasonUpstreamFailure)
		h.Metrics.Blocked()
		log.Error().Err(err).Str("short_code", shortCode).Msg("registry lookup failed")
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	default:
		h.Metrics.Blocked()
		log.Error().Err(err).Str("short_code", shortCode).Msg("link resolution failed")
		http.Error(w, blockedBody, http.StatusInternalServerError)
	}
}

// recordClick increments the click counter and emits the tracking event
// off the request path. Losing either never fails the redirect.
func (h *Handler) recordClick(linkID, clickID, clientIP, userAgent, referrer string, latency time.Duration) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.Registry.RecordClick(ctx, linkID); err != nil {
			h.Log.Warn().Err(err).Str("link_id", linkID).Msg("click count update failed")
		}
		h.Tracker.Emit(track.Event{
			ClickID:   clickID,
			LinkID:    linkID,
			Stage:     token.StageGenesis,
			ClientIP:  clientIP,
			UserAgent: userAgent,
			Referrer:  referrer,
			Latency:   latency,
			At:        time.Now(),
		})
	}()
}

// ---- Token hops ----

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	h.handleHop(w, r, "validation", func(ctx context.Context, tok, ip, ua string) (stage.Result, error) {
		return h.Validation.Handle(ctx, tok, ip, ua)
	})
}

func (h *Handler) handleRoute(w http.ResponseWriter, r *http.Request) {
	h.handleHop(w, r, "routing", func(ctx context.Context, tok, ip, ua string) (stage.Result, error) {
		return h.Routing.Handle(ctx, tok, ip, ua)
	})
}

func (h *Handler) handleFinal(w http.ResponseWriter, r *http.Request) {
	h.handleHop(w, r, "final", func(ctx context.Context, tok, ip, ua string) (stage.Result, error) {
		return h.Final.Handle(ctx, tok, ip, ua)
	})
}

func (h *Handler) handleHop(w http.ResponseWriter, r *http.Request, stageName string, handle func(context.Context, string, string, string) (stage.Result, error)) {
	start := time.Now()
	log := httputil.GetLogger(r.Context())

	// Attempts are counted once per flow, at genesis.
	tok := r.URL.Query().Get("token")
	if tok == "" {
		h.Metrics.Violation(metrics.ReasonInvalidSignature)
		h.Metrics.Blocked()
		http.Error(w, blockedBody, http.StatusForbidden)
		return
	}

	clientIP := httputil.ClientIPFromHeaders(r)
	res, err := handle(r.Context(), tok, clientIP, r.UserAgent())
	if err != nil {
		h.failHop(w, log, stageName, err)
		return
	}

	h.Metrics.StageDuration(stageName, time.Since(start))
	if res.Terminal {
		h.Metrics.Success()
		log.Info().Str("click_id", res.ClickID).Msg("redirect flow completed")
	}
	http.Redirect(w, r, res.Location, http.StatusFound)
}

// failHop maps a stage error to metrics and a response. The violation
// reason is recorded for operators; the client sees the one generic body.
func (h *Handler) failHop(w http.ResponseWriter, log *zerolog.Logger, stageName string, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		// Link deleted between genesis and routing. A clean miss, not an
		// outage.
		h.Metrics.Blocked()
		log.Debug().Str("stage", stageName).Msg("link vanished mid-chain")
		http.Error(w, blockedBody, http.StatusNotFound)
	case errors.Is(err, token.ErrReplayUnavailable):
		// Fail closed: without the replay guard a token could be spent twice.
		h.Metrics.Violation(metrics.ReasonUpstreamFailure)
		h.Metrics.Blocked()
		log.Error().Err(err).Str("stage", stageName).Msg("replay guard unavailable")
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, stage.ErrUpstreamLookup):
		h.Metrics.Violation(metrics.ReasonUpstreamFailure)
		h.Metrics.Blocked()
		log.Error().Err(err).Str("stage", stageName).Msg("destination lookup failed")
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	default:
		reason := violationReason(err)
		h.Metrics.Violation(reason)
		h.Metrics.Blocked()
		log.Warn().Str("stage", stageName).Str("reason", reason).Msg("token rejected")
		http.Error(w, blockedBody, http.StatusForbidden)
	}
}

func violationReason(err error) string {
	switch {
	case errors.Is(err, token.ErrExpiredToken):
		return metrics.ReasonExpiredToken
	case errors.Is(err, token.ErrInvalidAudience):
		return metrics.ReasonInvalidAudience
	case errors.Is(err, token.ErrReplayAttack):
		return metrics.ReasonReplayAttack
	default:
		return metrics.ReasonInvalidSignature
	}
}
