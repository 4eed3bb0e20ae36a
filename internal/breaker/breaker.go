// Package breaker implements a circuit breaker around the link registry.
// Every stage token lives 5-15 seconds, so a slow or dead registry must
// fail fast: waiting out timeouts per request would expire the flow's
// tokens before the visitor reaches the next hop.
package breaker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// before closing, and the half-open concurrent probe cap.
	SuccessThreshold int
	// Timeout is how long to stay open before probing.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
	}
}

// Breaker guards a single upstream.
type Breaker struct {
	name   string
	config Config
	log    zerolog.Logger

	state        atomic.Int32
	failures     atomic.Int64
	successes    atomic.Int64
	probes       atomic.Int64 // in-flight half-open probes
	lastFailTime atomic.Int64 // unix nanos

	mu sync.Mutex // serializes state transitions
}

func New(name string, config Config, log zerolog.Logger) *Breaker {
	b := &Breaker{name: name, config: config, log: log}
	b.state.Store(int32(StateClosed))
	b.lastFailTime.Store(time.Now().UnixNano())
	return b
}

// Allow reports whether a request may proceed. needsRelease is true for
// half-open probes; the caller must call Release when the probe finishes.
func (b *Breaker) Allow() (needsRelease bool, err error) {
	switch State(b.state.Load()) {
	case StateClosed:
		return false, nil

	case StateOpen:
		elapsed := time.Since(time.Unix(0, b.lastFailTime.Load()))
		if elapsed >= b.config.Timeout {
			b.mu.Lock()
			if State(b.state.Load()) == StateOpen {
				b.transitionTo(StateHalfOpen)
			}
			b.mu.Unlock()
			return b.allowProbe()
		}
		return false, fmt.Errorf("%s circuit open (retry in %v)", b.name, (b.config.Timeout - elapsed).Round(time.Second))

	case StateHalfOpen:
		return b.allowProbe()

	default:
		return false, fmt.Errorf("%s circuit in unknown state", b.name)
	}
}

func (b *Breaker) allowProbe() (bool, error) {
	if int(b.probes.Add(1)) > b.config.SuccessThreshold {
		b.probes.Add(-1)
		return false, fmt.Errorf("%s circuit half-open: probe limit reached", b.name)
	}
	return true, nil
}

// Release retires a half-open probe slot granted by Allow.
func (b *Breaker) Release() {
	if State(b.state.Load()) == StateHalfOpen {
		b.probes.Add(-1)
	}
}

func (b *Breaker) RecordSuccess() {
	switch State(b.state.Load()) {
	case StateClosed:
		b.failures.Store(0)

	case StateHalfOpen:
		if int(b.successes.Add(1)) >= b.config.SuccessThreshold {
			b.mu.Lock()
			if State(b.state.Load()) == StateHalfOpen {
				b.transitionTo(StateClosed)
				b.failures.Store(0)
				b.log.Info().Str("upstream", b.name).Msg("circuit breaker recovered")
			}
			b.mu.Unlock()
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.lastFailTime.Store(time.Now().UnixNano())

	switch State(b.state.Load()) {
	case StateClosed:
		if int(b.failures.Add(1)) >= b.config.FailureThreshold {
			b.mu.Lock()
			if State(b.state.Load()) == StateClosed {
				b.transitionTo(StateOpen)
				b.log.Error().Str("upstream", b.name).Msg("circuit breaker opened")
			}
			b.mu.Unlock()
		}

	case StateHalfOpen:
		// Any half-open failure reopens immediately.
		b.mu.Lock()
		if State(b.state.Load()) == StateHalfOpen {
			b.transitionTo(StateOpen)
			b.log.Warn().Str("upstream", b.name).Msg("circuit breaker reopened after half-open failure")
		}
		b.mu.Unlock()
	}
}

// transitionTo changes state; caller must hold mu.
func (b *Breaker) transitionTo(s State) {
	b.state.Store(int32(s))
	b.successes.Store(0)
	b.probes.Store(0)
}

func (b *Breaker) State() State { return State(b.state.Load()) }
