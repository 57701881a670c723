package models

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// ContainerState represents the lifecycle state of a container
type ContainerState string

const (
	ContainerCreated ContainerState = "created" // Created but never started
	ContainerRunning ContainerState = "running" // Workload handed to a backend
	ContainerExited  ContainerState = "exited"  // Backend reported termination
	ContainerUnknown ContainerState = "unknown" // Termination could not be observed
)

// ContainerImage ties a container to the module bytes it executes
type ContainerImage struct {
	Reference string        `json:"reference"`
	Digest    digest.Digest `json:"digest"`
	LocalPath string        `json:"local_path"`
}

// Container is a single workload inside a pod sandbox
type Container struct {
	ID          string            `json:"id"`
	SandboxID   string            `json:"sandbox_id"`
	Metadata    ContainerMetadata `json:"metadata"`
	Image       ContainerImage    `json:"image"`
	State       ContainerState    `json:"state"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	LogPath     string            `json:"log_path,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// ContainerMetadata identifies a container within its pod
type ContainerMetadata struct {
	Name    string `json:"name"`
	Attempt uint32 `json:"attempt"`
}

// ContainerSpec is the request payload for creating a container
type ContainerSpec struct {
	Metadata    ContainerMetadata `json:"metadata"`
	Image       string            `json:"image"`
	Command     []string          `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	LogPath     string            `json:"log_path,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// ContainerFilter narrows a container list call
type ContainerFilter struct {
	ID            string            `json:"id,omitempty"`
	SandboxID     string            `json:"sandbox_id,omitempty"`
	State         *ContainerState   `json:"state,omitempty"`
	LabelSelector map[string]string `json:"label_selector,omitempty"`
}

// Matches reports whether a container passes the filter
func (f *ContainerFilter) Matches(c *Container) bool {
	if f == nil {
		return true
	}
	if f.ID != "" && c.ID != f.ID {
		return false
	}
	if f.SandboxID != "" && c.SandboxID != f.SandboxID {
		return false
	}
	if f.State != nil && c.State != *f.State {
		return false
	}
	return MatchLabels(f.LabelSelector, c.Labels)
}

// IsLive reports whether the container still pins its sandbox and module.
// Only Created and Running containers hold references; once a container
// reaches Exited or Unknown its module may be evicted and its sandbox
// removed without force.
func (c *Container) IsLive() bool {
	return c.State == ContainerCreated || c.State == ContainerRunning
}
