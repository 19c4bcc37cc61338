package models

import (
	"fmt"
	"time"
)

// TradeState represents the current phase of a trade lifecycle.
type TradeState string

const (
	// StateIdle means no trade id and no legs.
	StateIdle TradeState = "idle"
	// StateOpen means entry orders have been placed.
	StateOpen TradeState = "open"
	// StateMonitoring means ticks are being evaluated against the adjustment condition.
	StateMonitoring TradeState = "monitoring"
	// StateAdjusting means a single-flight leg replacement is running.
	StateAdjusting TradeState = "adjusting"
	// StateClosed means all legs have been squared off.
	StateClosed TradeState = "closed"
)

// StateTransition defines a valid state transition.
type StateTransition struct {
	From      TradeState
	To        TradeState
	Condition string
}

// ValidTransitions is the full lifecycle transition table.
var ValidTransitions = []StateTransition{
	{StateIdle, StateOpen, "entry_placed"},
	{StateIdle, StateMonitoring, "resumed"},
	{StateOpen, StateMonitoring, "start_monitoring"},

	{StateMonitoring, StateAdjusting, "adjustment_triggered"},
	{StateAdjusting, StateMonitoring, "adjustment_complete"},

	{StateMonitoring, StateClosed, "max_adjustments"},
	{StateMonitoring, StateClosed, "window_end"},
	{StateMonitoring, StateClosed, "incomplete_position"},
	{StateAdjusting, StateClosed, "no_candidate"},
	{StateAdjusting, StateClosed, "inverted_strangle"},
	{StateAdjusting, StateClosed, "adjustment_failed"},

	{StateClosed, StateIdle, "state_cleared"},
}

// StateMachine tracks the trade lifecycle phase and enforces the transition table.
type StateMachine struct {
	current        TradeState
	previous       TradeState
	transitionTime time.Time
	count          map[TradeState]int
}

// NewStateMachine creates a state machine starting in the idle state.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current:        StateIdle,
		previous:       StateIdle,
		transitionTime: time.Now().UTC(),
		count:          make(map[TradeState]int),
	}
}

// Current returns the current state.
func (sm *StateMachine) Current() TradeState {
	return sm.current
}

// Previous returns the state before the last transition.
func (sm *StateMachine) Previous() TradeState {
	return sm.previous
}

// CanTransition checks whether the transition is defined in the table.
func (sm *StateMachine) CanTransition(to TradeState, condition string) bool {
	for _, tr := range ValidTransitions {
		if tr.From == sm.current && tr.To == to && tr.Condition == condition {
			return true
		}
	}
	return false
}

// Transition moves to a new state, or errors if the table does not allow it.
func (sm *StateMachine) Transition(to TradeState, condition string) error {
	if !sm.CanTransition(to, condition) {
		return fmt.Errorf("invalid transition %s -> %s (%s)", sm.current, to, condition)
	}
	sm.previous = sm.current
	sm.current = to
	sm.transitionTime = time.Now().UTC()
	sm.count[to]++
	return nil
}

// TransitionCount returns how many times the machine has entered a state.
func (sm *StateMachine) TransitionCount(state TradeState) int {
	return sm.count[state]
}

// Reset returns the machine to idle without validating, used after an exit
// has already persisted the cleared state.
func (sm *StateMachine) Reset() {
	sm.current = StateIdle
	sm.previous = StateIdle
	sm.transitionTime = time.Now().UTC()
	sm.count = make(map[TradeState]int)
}

// Resume derives the machine state from a reloaded position record. A record
// with an open trade resumes in monitoring; anything else is idle.
func (sm *StateMachine) Resume(state *PositionState) {
	sm.Reset()
	if state != nil && state.HasOpenTrade() {
		sm.previous = StateIdle
		sm.current = StateMonitoring
		sm.count[StateMonitoring]++
	}
}
