package models

import (
	"errors"
	"testing"

	"github.com/wasmpod/wasmpod/pkg/errdefs"
)

func TestValidateContainerTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    ContainerState
		to      ContainerState
		wantErr bool
	}{
		// Valid transitions
		{"Created to Running", ContainerCreated, ContainerRunning, false},
		{"Running to Exited", ContainerRunning, ContainerExited, false},
		{"Running to Unknown", ContainerRunning, ContainerUnknown, false},

		// Invalid transitions
		{"Created to Exited", ContainerCreated, ContainerExited, true},
		{"Created to Unknown", ContainerCreated, ContainerUnknown, true},
		{"Running to Created", ContainerRunning, ContainerCreated, true},
		{"Running to Running", ContainerRunning, ContainerRunning, true},
		{"Exited to Running", ContainerExited, ContainerRunning, true},
		{"Exited to Created", ContainerExited, ContainerCreated, true},
		{"Unknown to Running", ContainerUnknown, ContainerRunning, true},
		{"Unknown to Exited", ContainerUnknown, ContainerExited, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContainerTransition("c1", tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateContainerTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errdefs.ErrInvalidStateTransition) {
				t.Errorf("error does not match ErrInvalidStateTransition: %v", err)
			}
		})
	}
}

func TestValidateContainerTransitionNamesStates(t *testing.T) {
	err := ValidateContainerTransition("c1", ContainerCreated, ContainerExited)
	var ist *errdefs.InvalidStateTransitionError
	if !errors.As(err, &ist) {
		t.Fatalf("expected InvalidStateTransitionError, got %v", err)
	}
	if ist.From != "created" || ist.To != "exited" {
		t.Errorf("transition error should name current and attempted states, got %s -> %s", ist.From, ist.To)
	}
}

func TestValidateSandboxTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    SandboxState
		to      SandboxState
		wantErr bool
	}{
		{"Ready to NotReady", SandboxReady, SandboxNotReady, false},
		{"NotReady to Ready", SandboxNotReady, SandboxReady, true},
		{"Ready to Ready", SandboxReady, SandboxReady, true},
		{"NotReady to NotReady", SandboxNotReady, SandboxNotReady, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSandboxTransition("s1", tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSandboxTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalContainerState(t *testing.T) {
	if IsTerminalContainerState(ContainerCreated) || IsTerminalContainerState(ContainerRunning) {
		t.Error("created/running must not be terminal")
	}
	if !IsTerminalContainerState(ContainerExited) || !IsTerminalContainerState(ContainerUnknown) {
		t.Error("exited/unknown must be terminal")
	}
}
