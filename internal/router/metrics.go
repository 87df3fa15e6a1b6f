package router

import "github.com/dshills/goalproxy/internal/session"

// Metrics receives router events. Implementations must be safe for use from
// the loop goroutine and the reader goroutines.
type Metrics interface {
	// Forwarded counts a message relayed from one side to the other.
	Forwarded(from, kind string)
	// Dropped counts a message or frame discarded from one side.
	Dropped(from, reason string)
	// Extraction counts a finished extraction by outcome.
	Extraction(outcome string)
	// SessionTransition records a session state change.
	SessionTransition(from, to session.State)
	// Pending reports the sizes of both pending-call tables.
	Pending(down, up int)
}

// Extraction outcomes.
const (
	OutcomePublished = "published"
	OutcomeStale     = "stale"
	OutcomeFailed    = "failed"
	OutcomeMalformed = "malformed"
)

type nopMetrics struct{}

func (nopMetrics) Forwarded(string, string)                       {}
func (nopMetrics) Dropped(string, string)                         {}
func (nopMetrics) Extraction(string)                              {}
func (nopMetrics) SessionTransition(session.State, session.State) {}
func (nopMetrics) Pending(int, int)                               {}
