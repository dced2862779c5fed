package jobfsm

import "testing"

func TestHappyPathToCompleted(t *testing.T) {
	j := New("job-1")
	steps := []State{Proposed, Approved, InProgress, Completed}
	for _, s := range steps {
		if err := j.Transition(s, "progressing", 0); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if j.State != Completed {
		t.Fatalf("expected Completed, got %s", j.State)
	}
	if len(j.History) != 4 {
		t.Fatalf("expected 4 history records, got %d", len(j.History))
	}
}

func TestTerminalStateRejectsFurtherTransitions(t *testing.T) {
	j := New("job-1")
	_ = j.Transition(Proposed, "", 0)
	_ = j.Transition(Rejected, "", 0)

	err := j.Transition(Approved, "", 0)
	if err == nil {
		t.Fatal("expected terminal state to reject transition")
	}
	if _, ok := err.(*TransitionError); !ok {
		t.Fatalf("expected TransitionError, got %T", err)
	}
}

func TestWaitingInputCanReturnToInProgress(t *testing.T) {
	j := New("job-1")
	for _, s := range []State{Proposed, Approved, InProgress, WaitingInput, InProgress} {
		if err := j.Transition(s, "", 0); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if j.State != InProgress {
		t.Fatalf("expected InProgress, got %s", j.State)
	}
}

func TestDisallowedEdgeRejected(t *testing.T) {
	j := New("job-1")
	if err := j.Transition(InProgress, "", 0); err == nil {
		t.Fatal("expected Draft->InProgress to be rejected")
	}
}
