// Package fsm defines the session state machine.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lfsm "github.com/looplab/fsm"
)

type State string

type Event string

const (
	StateWaiting State = "waiting"
	StateSolving State = "solving"
	StateDone    State = "done"
	StateClosed  State = "closed"
	StateFailed  State = "failed"
)

const (
	EventNewRound Event = "new_round"
	EventRoundWon Event = "round_won"
	EventFlag     Event = "flag"
	EventHangup   Event = "hangup"
	EventFail     Event = "fail"
)

var knownStates = map[State]struct{}{
	StateWaiting: {},
	StateSolving: {},
	StateDone:    {},
	StateClosed:  {},
	StateFailed:  {},
}

var transitions = lfsm.Events{
	{Name: string(EventNewRound), Src: []string{string(StateWaiting)}, Dst: string(StateSolving)},
	{Name: string(EventRoundWon), Src: []string{string(StateSolving)}, Dst: string(StateWaiting)},
	{Name: string(EventFlag), Src: []string{string(StateWaiting)}, Dst: string(StateDone)},
	{Name: string(EventHangup), Src: []string{string(StateWaiting)}, Dst: string(StateClosed)},
	{Name: string(EventFail), Src: []string{string(StateWaiting), string(StateSolving)}, Dst: string(StateFailed)},
}

// Machine tracks one session's state.
type Machine struct {
	fsm *lfsm.FSM
}

// New starts a machine in initial. A non-nil logger records every state entry.
func New(initial State, logger *slog.Logger) *Machine {
	callbacks := lfsm.Callbacks{}
	if logger != nil {
		callbacks["enter_state"] = func(_ context.Context, e *lfsm.Event) {
			logger.Debug("session state", "from", e.Src, "to", e.Dst, "event", e.Event)
		}
	}
	return &Machine{fsm: lfsm.NewFSM(string(initial), transitions, callbacks)}
}

// Current returns the current state.
func (m *Machine) Current() State {
	return State(m.fsm.Current())
}

// Terminal reports whether no further events are accepted.
func (m *Machine) Terminal() bool {
	return len(m.fsm.AvailableTransitions()) == 0
}

// Fire applies event, leaving the state unchanged when it is not allowed.
func (m *Machine) Fire(ctx context.Context, event Event) error {
	current := m.Current()
	if _, ok := knownStates[current]; !ok {
		return fmt.Errorf("unknown state %q", current)
	}

	err := m.fsm.Event(ctx, string(event))
	if err == nil {
		return nil
	}

	var invalid lfsm.InvalidEventError
	var unknown lfsm.UnknownEventError
	if errors.As(err, &invalid) || errors.As(err, &unknown) {
		return invalidTransition(current, event)
	}
	return fmt.Errorf("transition %s --(%s)-->: %w", current, event, err)
}

// Transition returns the state reached from current by event.
func Transition(current State, event Event) (State, error) {
	m := New(current, nil)
	if err := m.Fire(context.Background(), event); err != nil {
		return current, err
	}
	return m.Current(), nil
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
