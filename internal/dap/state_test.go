package dap

import "testing"

func TestStateMachineHappyPath(t *testing.T) {
	s := StateInit
	steps := []string{"initialize", "launch", "configurationDone"}
	want := []State{StateInitialized, StateConfiguring, StateActive}
	for i, cmd := range steps {
		next, err := s.next(cmd)
		if err != nil {
			t.Fatalf("next(%q) from %s: %v", cmd, s, err)
		}
		if next != want[i] {
			t.Fatalf("next(%q) from %s = %s, want %s", cmd, s, next, want[i])
		}
		s = next
	}
}

func TestStateMachineRejectsOutOfOrderCommand(t *testing.T) {
	if _, err := StateInit.next("launch"); err == nil {
		t.Fatalf("StateInit.next(launch): want error, got nil")
	}
	if _, err := StateActive.next("launch"); err == nil {
		t.Fatalf("StateActive.next(launch): want error, got nil")
	}
}

func TestStateMachineRestartLoopsBackToActive(t *testing.T) {
	next, err := StateActive.next("restart")
	if err != nil {
		t.Fatalf("StateActive.next(restart): %v", err)
	}
	if next != StateActive {
		t.Fatalf("restart transition = %s, want Active", next)
	}
}

func TestStateMachineDisconnectTerminates(t *testing.T) {
	next, err := StateActive.next("disconnect")
	if err != nil {
		t.Fatalf("StateActive.next(disconnect): %v", err)
	}
	if next != StateTerminated {
		t.Fatalf("disconnect transition = %s, want Terminated", next)
	}
}
