package strategy

import "testing"

func TestStateMachineFullCycle(t *testing.T) {
	sm := NewStateMachine()
	if sm.State != StateIdle {
		t.Fatalf("expected %s, got %s", StateIdle, sm.State)
	}
	steps := []struct {
		event Event
		want  State
	}{
		{EventWindow, StateSizing},
		{EventPlanReady, StateOpening},
		{EventOpened, StateOpen},
		{EventWindow, StateClosing},
		{EventClosed, StateAlternating},
		{EventFlipped, StateIdle},
	}
	for _, step := range steps {
		if got := sm.Apply(step.event); got != step.want {
			t.Fatalf("after %s expected %s, got %s", step.event, step.want, got)
		}
	}
}

func TestStateMachineRecoverablePaths(t *testing.T) {
	cases := []struct {
		from  State
		event Event
		want  State
	}{
		{StateSizing, EventTooThin, StateIdle},
		{StateOpening, EventOpenDeferred, StateIdle},
		{StateOpening, EventOpenFailed, StateIdle},
		{StateOpen, EventForceClose, StateClosing},
		{StateClosing, EventCloseFailed, StateOpen},
	}
	for _, tc := range cases {
		if got := nextState(tc.from, tc.event); got != tc.want {
			t.Fatalf("%s + %s: expected %s, got %s", tc.from, tc.event, tc.want, got)
		}
	}
}

func TestStateMachineInvalidTransition(t *testing.T) {
	sm := NewStateMachine()
	if sm.Apply(EventOpened) != StateIdle {
		t.Fatalf("invalid transition should not change state")
	}
	if sm.Apply(EventClosed) != StateIdle {
		t.Fatalf("invalid transition should not change state")
	}
}

func TestStateMachineHaltIsAbsorbing(t *testing.T) {
	for _, from := range []State{StateIdle, StateSizing, StateOpening, StateOpen, StateClosing, StateAlternating} {
		if got := nextState(from, EventHalt); got != StateHalted {
			t.Fatalf("halt from %s: got %s", from, got)
		}
	}
	sm := NewStateMachine()
	sm.Apply(EventHalt)
	for _, ev := range []Event{EventWindow, EventPlanReady, EventOpened, EventFlipped} {
		if sm.Apply(ev) != StateHalted {
			t.Fatalf("halted machine moved on %s", ev)
		}
	}
}

func TestStateMachineRestore(t *testing.T) {
	sm := NewStateMachine()
	sm.Restore(StateOpen)
	if sm.Current() != StateOpen {
		t.Fatalf("expected %s, got %s", StateOpen, sm.Current())
	}
}
