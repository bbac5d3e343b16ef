package models

import "fmt"

// Phase is the coarse connection lifecycle position.
type Phase int

const (
	Disconnected Phase = iota
	Scanning
	Connecting
	Connected
	Initializing
	Ready
	Failed
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionState is a Phase plus, for Failed, the reason.
type ConnectionState struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

// StateError builds the Error(reason) state.
func StateError(reason string) ConnectionState {
	return ConnectionState{Phase: Failed, Reason: reason}
}

func (s ConnectionState) String() string {
	if s.Phase == Failed && s.Reason != "" {
		return fmt.Sprintf("error(%s)", s.Reason)
	}
	return s.Phase.String()
}

// Is reports whether the state is in phase p.
func (s ConnectionState) Is(p Phase) bool {
	return s.Phase == p
}
