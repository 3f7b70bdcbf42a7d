package monitor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMachine_Step(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection reset")

	tests := []struct {
		name     string
		from     Machine
		event    Event
		state    State
		attempts int
	}{
		{
			name:  "connect opens listening",
			from:  Machine{State: StateConnecting, MaxAttempts: 3},
			event: Event{Kind: EventConnected},
			state: StateListening,
		},
		{
			name:  "connect failure starts reconnecting",
			from:  Machine{State: StateConnecting, MaxAttempts: 3},
			event: Event{Kind: EventConnectFailed, Err: cause},
			state: StateReconnecting,
		},
		{
			name:  "finished completes",
			from:  Machine{State: StateListening, MaxAttempts: 3},
			event: Event{Kind: EventFinished},
			state: StateCompleted,
		},
		{
			name:  "read failure resets the budget",
			from:  Machine{State: StateListening, Attempts: 2, MaxAttempts: 3},
			event: Event{Kind: EventReadFailed, Err: cause},
			state: StateReconnecting,
		},
		{
			name:  "reconnect success resets attempts",
			from:  Machine{State: StateReconnecting, Attempts: 2, MaxAttempts: 3},
			event: Event{Kind: EventConnected},
			state: StateListening,
		},
		{
			name:     "reconnect failure consumes one attempt",
			from:     Machine{State: StateReconnecting, Attempts: 1, MaxAttempts: 3},
			event:    Event{Kind: EventConnectFailed, Err: cause},
			state:    StateReconnecting,
			attempts: 2,
		},
		{
			name:     "last reconnect failure fails",
			from:     Machine{State: StateReconnecting, Attempts: 2, MaxAttempts: 3},
			event:    Event{Kind: EventConnectFailed, Err: cause},
			state:    StateFailed,
			attempts: 3,
		},
		{
			name:  "unreachable server fails at once",
			from:  Machine{State: StateReconnecting, MaxAttempts: 3},
			event: Event{Kind: EventServerUnreachable, Err: cause},
			state: StateFailed,
		},
		{
			name:  "finished ignored while reconnecting",
			from:  Machine{State: StateReconnecting, MaxAttempts: 3},
			event: Event{Kind: EventFinished},
			state: StateReconnecting,
		},
		{
			name:  "read failure ignored while connecting",
			from:  Machine{State: StateConnecting, MaxAttempts: 3},
			event: Event{Kind: EventReadFailed, Err: cause},
			state: StateConnecting,
		},
		{
			name:  "completed is terminal",
			from:  Machine{State: StateCompleted, MaxAttempts: 3},
			event: Event{Kind: EventReadFailed, Err: cause},
			state: StateCompleted,
		},
		{
			name:     "failed is terminal",
			from:     Machine{State: StateFailed, Attempts: 3, MaxAttempts: 3},
			event:    Event{Kind: EventConnected},
			state:    StateFailed,
			attempts: 3,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := tt.from.Step(tt.event)
			require.Equal(t, tt.state, next.State)
			require.Equal(t, tt.attempts, next.Attempts)
		})
	}
}

func TestMachine_StepIsPure(t *testing.T) {
	t.Parallel()
	m := Machine{State: StateReconnecting, Attempts: 1, MaxAttempts: 3}

	_ = m.Step(Event{Kind: EventConnectFailed, Err: errors.New("boom")})

	require.Equal(t, StateReconnecting, m.State)
	require.Equal(t, 1, m.Attempts)
	require.NoError(t, m.LastErr)
}

func TestMachine_FailureErrors(t *testing.T) {
	t.Parallel()
	cause := errors.New("dial tcp: connection refused")

	m := NewMachine(2).Step(Event{Kind: EventConnectFailed, Err: cause})
	m = m.Step(Event{Kind: EventConnectFailed, Err: cause})
	require.Equal(t, StateReconnecting, m.State)
	m = m.Step(Event{Kind: EventConnectFailed, Err: cause})

	require.Equal(t, StateFailed, m.State)
	require.ErrorIs(t, m.LastErr, ErrReconnectExhausted)
	require.ErrorIs(t, m.LastErr, cause)
	require.Contains(t, m.LastErr.Error(), "after 2 attempts")

	m = NewMachine(2).
		Step(Event{Kind: EventConnected}).
		Step(Event{Kind: EventReadFailed, Err: cause}).
		Step(Event{Kind: EventServerUnreachable})
	require.Equal(t, StateFailed, m.State)
	require.ErrorIs(t, m.LastErr, ErrServerUnreachable)
}

func TestState_String(t *testing.T) {
	t.Parallel()
	require.Equal(t, "connecting", StateConnecting.String())
	require.Equal(t, "listening", StateListening.String())
	require.Equal(t, "reconnecting", StateReconnecting.String())
	require.Equal(t, "completed", StateCompleted.String())
	require.Equal(t, "failed", StateFailed.String())
	require.Equal(t, "state(42)", State(42).String())

	require.True(t, StateCompleted.Terminal())
	require.True(t, StateFailed.Terminal())
	require.False(t, StateListening.Terminal())
}
