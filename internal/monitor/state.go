package monitor

import (
	"errors"
	"fmt"
)

// State monitor connection state
type State int

const (
	StateConnecting State = iota
	StateListening
	StateReconnecting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateReconnecting:
		return "reconnecting"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// EventKind what happened to the socket
type EventKind int

const (
	EventConnected EventKind = iota
	EventConnectFailed
	EventReadFailed
	EventFinished
	EventServerUnreachable
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect_failed"
	case EventReadFailed:
		return "read_failed"
	case EventFinished:
		return "finished"
	case EventServerUnreachable:
		return "server_unreachable"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event input to the state machine
type Event struct {
	Kind EventKind
	Err  error
}

var (
	// ErrReconnectExhausted every reconnect attempt failed
	ErrReconnectExhausted = errors.New("websocket reconnection failed")

	// ErrServerUnreachable the server stopped answering while the socket was down
	ErrServerUnreachable = errors.New("ComfyUI HTTP server is unreachable")
)

// Machine is the reconnect state machine of a single watch.
// Attempts counts failed connects since the socket was last lost and
// resets on every successful connect, so each disconnect gets a full budget.
type Machine struct {
	State       State
	Attempts    int
	MaxAttempts int
	LastErr     error
}

// NewMachine creates a machine in the connecting state
func NewMachine(maxAttempts int) Machine {
	return Machine{State: StateConnecting, MaxAttempts: maxAttempts}
}

// Step applies ev and returns the next machine. Terminal machines and
// events that do not apply to the current state leave it unchanged.
func (m Machine) Step(ev Event) Machine {
	if m.State.Terminal() {
		return m
	}

	switch m.State {
	case StateConnecting:
		switch ev.Kind {
		case EventConnected:
			m.State = StateListening
			m.Attempts = 0
		case EventConnectFailed:
			m.State = StateReconnecting
			m.Attempts = 0
			m.LastErr = ev.Err
		}

	case StateListening:
		switch ev.Kind {
		case EventFinished:
			m.State = StateCompleted
		case EventReadFailed:
			m.State = StateReconnecting
			m.Attempts = 0
			m.LastErr = ev.Err
		}

	case StateReconnecting:
		switch ev.Kind {
		case EventConnected:
			m.State = StateListening
			m.Attempts = 0
		case EventServerUnreachable:
			m.State = StateFailed
			m.LastErr = wrap(ErrServerUnreachable, ev.Err)
		case EventConnectFailed:
			m.Attempts++
			m.LastErr = ev.Err
			if m.Attempts >= m.MaxAttempts {
				m.State = StateFailed
				m.LastErr = wrap(fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, m.Attempts), ev.Err)
			}
		}
	}

	return m
}

func wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}
