package relay

import "fmt"

// State is a relay lifecycle state.
//
// Connecting is the only state that has not written to the client. Each of
// OutboundError, UnauthorizedRelay, UpstreamErrorRelay and Streaming commits
// the response status on entry, and every one of them can only move on to
// Closed, so a relay writes at most one status line.
type State int

const (
	Connecting State = iota
	OutboundError
	UnauthorizedRelay
	UpstreamErrorRelay
	Streaming
	Closed
)

var stateNames = [...]string{
	Connecting:         "connecting",
	OutboundError:      "outbound_error",
	UnauthorizedRelay:  "unauthorized",
	UpstreamErrorRelay: "upstream_error",
	Streaming:          "streaming",
	Closed:             "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	Connecting:         {OutboundError, UnauthorizedRelay, UpstreamErrorRelay, Streaming, Closed},
	OutboundError:      {Closed},
	UnauthorizedRelay:  {Closed},
	UpstreamErrorRelay: {Closed},
	Streaming:          {Closed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome describes how a relay ended. It is the label used in metrics and logs.
type Outcome string

const (
	OutcomeOutboundError Outcome = "outbound_error"
	OutcomeUnauthorized  Outcome = "unauthorized"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeCompleted     Outcome = "completed"
	OutcomeStreamError   Outcome = "stream_error"
	OutcomeIdleTimeout   Outcome = "idle_timeout"
	OutcomeClientGone    Outcome = "client_gone"
)
