package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Violation reasons recorded by the relay. Kept as constants so the
// counter label set stays closed.
const (
	ReasonInvalidSignature = "invalid_signature"
	ReasonExpiredToken     = "expired_token"
	ReasonInvalidAudience  = "invalid_audience"
	ReasonReplayAttack     = "replay_attack"
	ReasonIPMismatch       = "ip_mismatch"
	ReasonUAMismatch       = "ua_mismatch"
	ReasonUpstreamFailure  = "upstream_failure"
)

// Sink receives redirect-flow observations. It is injected rather than
// accessed as package state so tests can assert on counts and so
// horizontally-scaled instances don't share counters.
type Sink interface {
	Attempt()
	Success()
	Blocked()
	Violation(reason string)
	StageDuration(stage string, d time.Duration)
}

// ---- Prometheus sink ----

// Prom is the production Sink backed by prometheus collectors.
type Prom struct {
	attempts   prometheus.Counter
	successes  prometheus.Counter
	blocked    prometheus.Counter
	violations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewProm builds the collectors and registers them on reg.
func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brainlink_redirects_total",
			Help: "Redirect flows initiated (genesis stage entered)",
		}),
		successes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brainlink_redirects_completed_total",
			Help: "Terminal redirects delivered",
		}),
		blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brainlink_redirects_blocked_total",
			Help: "Flows blocked before the terminal redirect",
		}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brainlink_security_violations_total",
			Help: "Security violations by reason",
		}, []string{"reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "brainlink_stage_duration_seconds",
			Help:    "Per-stage processing latency",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}, []string{"stage"}),
	}
	reg.MustRegister(p.attempts, p.successes, p.blocked, p.violations, p.duration)
	return p
}

func (p *Prom) Attempt()                { p.attempts.Inc() }
func (p *Prom) Success()                { p.successes.Inc() }
func (p *Prom) Blocked()                { p.blocked.Inc() }
func (p *Prom) Violation(reason string) { p.violations.WithLabelValues(reason).Inc() }

func (p *Prom) StageDuration(stage string, d time.Duration) {
	p.duration.WithLabelValues(stage).Observe(d.Seconds())
}

// ---- In-memory sink ----

// Counters is an atomic in-memory Sink used by tests and dev mode.
type Counters struct {
	Attempts  atomic.Int64
	Successes atomic.Int64
	Blocks    atomic.Int64

	mu         sync.Mutex
	violations map[string]int64
}

func NewCounters() *Counters {
	return &Counters{violations: make(map[string]int64)}
}

func (c *Counters) Attempt() { c.Attempts.Add(1) }
func (c *Counters) Success() { c.Successes.Add(1) }
func (c *Counters) Blocked() { c.Blocks.Add(1) }

func (c *Counters) Violation(reason string) {
	c.mu.Lock()
	c.violations[reason]++
	c.mu.Unlock()
}

func (c *Counters) StageDuration(string, time.Duration) {}

// ViolationCount returns the number of recorded violations for reason.
func (c *Counters) ViolationCount(reason string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violations[reason]
}

// Nop discards all observations.
type Nop struct{}

func (Nop) Attempt()                            {}
func (Nop) Success()                            {}
func (Nop) Blocked()                            {}
func (Nop) Violation(string)                    {}
func (Nop) StageDuration(string, time.Duration) {}
