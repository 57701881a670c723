// Package runtime executes wasm modules. Each backend turns a start spec
// into a running module and hands back a Handle; the container registry
// drives the handle and owns all state bookkeeping.
package runtime

import (
	"context"
)

// Annotation keys consumed by backends.
const (
	// ActorKeyAnnotation carries the signed identity key a wascc workload
	// must present before it is started.
	ActorKeyAnnotation = "wasmpod.io/actor-key"

	// CapabilitiesAnnotation carries a YAML manifest binding capability
	// providers to a wascc workload.
	CapabilitiesAnnotation = "wasmpod.io/capabilities"
)

// StartSpec is everything a backend needs to run one workload.
type StartSpec struct {
	ContainerID string
	ModulePath  string
	Args        []string
	Env         map[string]string
	Annotations map[string]string
	// LogPath receives the workload's stdout and stderr. Empty discards.
	LogPath string
	// ScratchDir, when set, is mounted at / inside the guest.
	ScratchDir string
}

// ExitStatus is the terminal result of a workload.
type ExitStatus struct {
	Code int
}

// ForcedExitCode is reported when a workload is torn down rather than
// exiting on its own, matching the 128+SIGKILL convention.
const ForcedExitCode = 137

// Handle controls one running workload. SignalStop asks the guest to wind
// down; Kill tears it down immediately; Wait blocks until the workload is
// gone and returns its exit status. All three are safe to call from
// multiple goroutines, and Wait may be called more than once.
type Handle interface {
	SignalStop(ctx context.Context) error
	Kill() error
	Wait(ctx context.Context) (ExitStatus, error)
}

// Backend starts workloads for one runtime handler name.
type Backend interface {
	Name() string
	Start(ctx context.Context, spec StartSpec) (Handle, error)
}
