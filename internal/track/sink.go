// Package track emits click tracking events to an analytics store. From
// the relay's perspective this is fire-and-forget: a lost event never
// fails a redirect.
package track

import (
	"time"

	"github.com/rs/zerolog"
)

// Event is one observation of a click moving through the relay. Events
// are emitted once per flow, at the genesis stage.
type Event struct {
	ClickID   string
	LinkID    string
	Stage     string
	ClientIP  string
	UserAgent string
	Referrer  string
	Latency   time.Duration
	At        time.Time
}

type Sink interface {
	Emit(Event)
}

// Log writes events to the structured log; the default sink when no
// analytics store is configured.
type Log struct {
	Logger zerolog.Logger
}

func (l *Log) Emit(e Event) {
	l.Logger.Info().
		Str("click_id", e.ClickID).
		Str("link_id", e.LinkID).
		Str("stage", e.Stage).
		Str("client_ip", e.ClientIP).
		Str("referrer", e.Referrer).
		Dur("latency", e.Latency).
		Msg("tracking event")
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(Event) {}
