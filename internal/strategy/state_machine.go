package strategy

import "sync"

type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateIdle}
}

// Restore sets the state directly. Used once at startup after reconciliation.
func (s *StateMachine) Restore(state State) {
	s.mu.Lock()
	s.State = state
	s.mu.Unlock()
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// Apply advances the machine. Events that are not valid in the current
// state leave it unchanged.
func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func nextState(current State, event Event) State {
	if event == EventHalt {
		return StateHalted
	}
	switch current {
	case StateIdle:
		if event == EventWindow {
			return StateSizing
		}
	case StateSizing:
		switch event {
		case EventPlanReady:
			return StateOpening
		case EventTooThin:
			return StateIdle
		}
	case StateOpening:
		switch event {
		case EventOpened:
			return StateOpen
		case EventOpenDeferred, EventOpenFailed:
			return StateIdle
		}
	case StateOpen:
		if event == EventWindow || event == EventForceClose {
			return StateClosing
		}
	case StateClosing:
		switch event {
		case EventClosed:
			return StateAlternating
		case EventCloseFailed:
			return StateOpen
		}
	case StateAlternating:
		if event == EventFlipped {
			return StateIdle
		}
	}
	return current
}
