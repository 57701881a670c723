// Package errdefs defines the error kinds surfaced by the wasmpod core.
// Every registry, store and dispatcher operation resolves to success or to
// exactly one of these kinds, so callers (and the HTTP facade) can match
// with errors.Is / errors.As.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound indicates an unknown sandbox, container or image id.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a create collided with an existing entity.
	ErrAlreadyExists = errors.New("already exists")

	// ErrSandboxNotFound indicates a container creation referenced a
	// sandbox id that does not resolve to a live sandbox.
	ErrSandboxNotFound = errors.New("sandbox not found")

	// ErrImageNotResolved indicates a container creation referenced an
	// image that has not been pulled into the module store.
	ErrImageNotResolved = errors.New("image not resolved in module store")

	// ErrContainerRunning guards container removal.
	ErrContainerRunning = errors.New("container is running")

	// ErrModuleInUse guards module eviction while a live container
	// references the digest.
	ErrModuleInUse = errors.New("module is in use")

	// ErrHasLiveContainers guards sandbox removal.
	ErrHasLiveContainers = errors.New("sandbox has live containers")

	// ErrUnknownRuntimeHandler indicates the requested handler name maps
	// to no registered execution backend.
	ErrUnknownRuntimeHandler = errors.New("unknown runtime handler")

	// ErrInvalidStateTransition indicates an illegal lifecycle move.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrBackendFailure indicates an execution backend could not start,
	// stop or observe a workload.
	ErrBackendFailure = errors.New("execution backend failure")

	// ErrDistributionFailure indicates a registry pull or digest
	// resolution failed or timed out.
	ErrDistributionFailure = errors.New("distribution failure")

	// ErrInvalidArgument indicates a malformed request (bad reference,
	// missing config, bad timeout).
	ErrInvalidArgument = errors.New("invalid argument")
)

// InvalidStateTransitionError names the current and attempted states of a
// rejected lifecycle move.
type InvalidStateTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for %s %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidStateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// NotFound wraps ErrNotFound with entity context.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

// Wrapf attaches a formatted message to one of the sentinel kinds.
func Wrapf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, kind)...)
}

// HTTPStatus maps an error kind to the status code the facade reports.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSandboxNotFound), errors.Is(err, ErrImageNotResolved):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrContainerRunning),
		errors.Is(err, ErrModuleInUse),
		errors.Is(err, ErrHasLiveContainers),
		errors.Is(err, ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, ErrUnknownRuntimeHandler), errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrDistributionFailure), errors.Is(err, ErrBackendFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
