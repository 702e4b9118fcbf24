package session

import (
	"errors"
	"fmt"

	"github.com/MrWong99/livetranslate/pkg/transport"
)

// RecState is the recording axis of the session state.
type RecState int

const (
	// NotRecording is the initial state before the first session.
	NotRecording RecState = iota
	Recording
	// Stopping means capture has ended and the full-session summary is pending.
	Stopping
	Stopped
)

// String returns the human-readable name of the state.
func (r RecState) String() string {
	switch r {
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "not_recording"
	}
}

// SessionState is the single value a presentation layer renders.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateRecording
	StateStopping
	StateStopped
)

// String returns the human-readable name of the state.
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "disconnected"
	}
}

// ErrInvalidTransition is returned by [State.Transition] for a move the
// recording axis does not allow.
var ErrInvalidTransition = errors.New("session: invalid state transition")

// State composes the two independent axes: the connection and the recording.
// A session can be Connected without Recording and vice versa while a
// reconnect is pending.
type State struct {
	Conn transport.ConnState
	Rec  RecState
}

// Session collapses the two axes into a [SessionState]. An active recording
// axis takes precedence over the connection axis.
func (s State) Session() SessionState {
	switch s.Rec {
	case Recording:
		return StateRecording
	case Stopping:
		return StateStopping
	case Stopped:
		return StateStopped
	}
	switch s.Conn {
	case transport.Connected:
		return StateConnected
	case transport.Connecting:
		return StateConnecting
	default:
		return StateDisconnected
	}
}

// allowed lists the recording transitions. A new session may start from any
// non-recording state, including while a summary is still pending.
var allowed = map[RecState][]RecState{
	NotRecording: {Recording},
	Recording:    {Stopping, Stopped},
	Stopping:     {Stopped, Recording},
	Stopped:      {Recording},
}

// Transition returns s with the recording axis moved to to.
func (s State) Transition(to RecState) (State, error) {
	for _, next := range allowed[s.Rec] {
		if next == to {
			s.Rec = to
			return s, nil
		}
	}
	return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Rec, to)
}

// WithConn returns s with the connection axis replaced.
func (s State) WithConn(c transport.ConnState) State {
	s.Conn = c
	return s
}
