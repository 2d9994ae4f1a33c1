package realtime

import (
	"calsync/pkg/exception"
	"calsync/pkg/websocket"
)

// ConnectionState is the lifecycle state of the session connection.
type ConnectionState uint8

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var connectionTransitions = map[ConnectionState][]ConnectionState{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateOpen, StateClosing, StateClosed},
	StateOpen:       {StateClosing, StateClosed},
	StateClosing:    {StateClosed},
	StateClosed:     {StateConnecting},
}

func checkTransition(from, to ConnectionState) error {
	for _, next := range connectionTransitions[from] {
		if next == to {
			return nil
		}
	}
	return exception.ErrInvalidTransition
}

// ClosureEvent describes one connection closure. It is produced exactly once per closure.
type ClosureEvent struct {
	Code     websocket.CloseCode
	Reason   string
	WasClean bool
}

// Retryable reports whether the reconnection policy should consider a retry.
func (e ClosureEvent) Retryable() bool {
	return !e.Code.Clean()
}

// ReconnectPhase is the phase of the reconnection policy.
type ReconnectPhase uint8

const (
	// PhaseIdle means no reconnection is pending.
	PhaseIdle ReconnectPhase = iota
	// PhaseWaiting means a reconnection timer is armed.
	PhaseWaiting
	// PhaseDeferred means a retry decision is parked until reachability returns.
	PhaseDeferred
	// PhaseExhausted means the attempt budget is spent until an external reset.
	PhaseExhausted
)

func (p ReconnectPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWaiting:
		return "waiting"
	case PhaseDeferred:
		return "deferred"
	case PhaseExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

var reconnectTransitions = map[ReconnectPhase][]ReconnectPhase{
	PhaseIdle:      {PhaseIdle, PhaseWaiting, PhaseDeferred, PhaseExhausted},
	PhaseWaiting:   {PhaseIdle, PhaseDeferred},
	PhaseDeferred:  {PhaseIdle, PhaseWaiting, PhaseDeferred, PhaseExhausted},
	PhaseExhausted: {PhaseIdle, PhaseExhausted},
}

func checkPhaseTransition(from, to ReconnectPhase) error {
	for _, next := range reconnectTransitions[from] {
		if next == to {
			return nil
		}
	}
	return exception.ErrInvalidTransition
}
