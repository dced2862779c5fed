package taskfsm

import "testing"

func TestHappyPathRequiresAcceptancePhase(t *testing.T) {
	tk := New("task-1")
	for _, s := range []State{Approved, Running, Completed} {
		if err := tk.Transition(s, "", 0); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if !tk.AwaitingAcceptance() {
		t.Fatal("expected Completed task to be awaiting acceptance")
	}
	if tk.IsTerminal() {
		t.Fatal("Completed must not be terminal before acceptance resolves")
	}

	if err := tk.Transition(Accepted, "", 0); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !tk.IsTerminal() {
		t.Fatal("Accepted must be terminal")
	}
}

func TestDisputedIsValidFromCompleted(t *testing.T) {
	tk := New("task-1")
	for _, s := range []State{Approved, Running, Completed, Disputed} {
		if err := tk.Transition(s, "", 0); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if tk.State != Disputed {
		t.Fatalf("expected Disputed, got %s", tk.State)
	}
}

func TestPausedCanResume(t *testing.T) {
	tk := New("task-1")
	for _, s := range []State{Approved, Running, Paused, Running} {
		if err := tk.Transition(s, "", 0); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if tk.State != Running {
		t.Fatalf("expected Running, got %s", tk.State)
	}
}

func TestTerminalRejectsTransition(t *testing.T) {
	tk := New("task-1")
	_ = tk.Transition(Rejected, "", 0)
	if err := tk.Transition(Approved, "", 0); err == nil {
		t.Fatal("expected terminal state to reject transition")
	}
}
