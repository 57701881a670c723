package models

import (
	"github.com/wasmpod/wasmpod/pkg/errdefs"
)

// validSandboxTransitions maps from-state to allowed to-states. Sandboxes
// only ever move Ready -> NotReady; there is no way back.
var validSandboxTransitions = map[SandboxState]map[SandboxState]bool{
	SandboxReady: {
		SandboxNotReady: true, // Ready -> NotReady (StopPodSandbox)
	},
	SandboxNotReady: {}, // terminal until removal
}

// validContainerTransitions maps from-state to allowed to-states. Container
// state is monotonic along Created -> Running -> Exited; Unknown is reached
// from Running only when the backend's exit cannot be observed.
var validContainerTransitions = map[ContainerState]map[ContainerState]bool{
	ContainerCreated: {
		ContainerRunning: true, // Created -> Running (StartContainer)
	},
	ContainerRunning: {
		ContainerExited:  true, // Running -> Exited (watcher observed termination)
		ContainerUnknown: true, // Running -> Unknown (watcher lost the workload)
	},
	// Terminal states (no transitions allowed, only removal)
	ContainerExited:  {},
	ContainerUnknown: {},
}

// ValidateSandboxTransition checks if a sandbox state change is legal
func ValidateSandboxTransition(id string, from, to SandboxState) error {
	allowed, known := validSandboxTransitions[from]
	if !known || !allowed[to] {
		return &errdefs.InvalidStateTransitionError{
			Entity: "sandbox",
			ID:     id,
			From:   string(from),
			To:     string(to),
		}
	}
	return nil
}

// ValidateContainerTransition checks if a container state change is legal
func ValidateContainerTransition(id string, from, to ContainerState) error {
	allowed, known := validContainerTransitions[from]
	if !known || !allowed[to] {
		return &errdefs.InvalidStateTransitionError{
			Entity: "container",
			ID:     id,
			From:   string(from),
			To:     string(to),
		}
	}
	return nil
}

// IsTerminalContainerState returns true if the state permits removal but no
// further transitions
func IsTerminalContainerState(state ContainerState) bool {
	return state == ContainerExited || state == ContainerUnknown
}
