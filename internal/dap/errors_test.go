package dap

import (
	"errors"
	"fmt"
	"testing"
)

func TestRecoverableErrorIsDetected(t *testing.T) {
	err := recoverable(fmt.Errorf("dap: attach does not accept a flashing configuration"))
	if !isRecoverable(err) {
		t.Fatalf("isRecoverable(recoverable(...)) = false, want true")
	}
}

func TestRecoverableErrorSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("onLaunchOrAttach: %w", recoverable(errors.New("rejected")))
	if !isRecoverable(err) {
		t.Fatalf("isRecoverable(wrapped recoverable) = false, want true")
	}
}

func TestPlainErrorIsNotRecoverable(t *testing.T) {
	if isRecoverable(errors.New("probe I/O failure")) {
		t.Fatalf("isRecoverable(plain error) = true, want false")
	}
}
