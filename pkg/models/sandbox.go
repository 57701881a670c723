package models

import (
	"time"
)

// SandboxState represents the lifecycle state of a pod sandbox
type SandboxState string

const (
	SandboxReady    SandboxState = "ready"    // Sandbox can host new containers
	SandboxNotReady SandboxState = "notready" // Sandbox has been stopped
)

// SandboxMetadata identifies a sandbox from the orchestrator's point of view
type SandboxMetadata struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	UID       string `json:"uid"`
	Attempt   uint32 `json:"attempt"`
}

// PodSandbox is the shared execution context for one or more containers
type PodSandbox struct {
	ID             string            `json:"id"`
	Metadata       SandboxMetadata   `json:"metadata"`
	State          SandboxState      `json:"state"`
	CreatedAt      time.Time         `json:"created_at"`
	RuntimeHandler string            `json:"runtime_handler"`
	LogDirectory   string            `json:"log_directory,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	Annotations    map[string]string `json:"annotations,omitempty"`
}

// SandboxConfig is the request payload for creating a sandbox
type SandboxConfig struct {
	Metadata       SandboxMetadata   `json:"metadata"`
	RuntimeHandler string            `json:"runtime_handler,omitempty"`
	LogDirectory   string            `json:"log_directory,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	Annotations    map[string]string `json:"annotations,omitempty"`
}

// SandboxFilter narrows a sandbox list call
type SandboxFilter struct {
	ID            string            `json:"id,omitempty"`
	State         *SandboxState     `json:"state,omitempty"`
	LabelSelector map[string]string `json:"label_selector,omitempty"`
}

// Matches reports whether a sandbox passes the filter
func (f *SandboxFilter) Matches(s *PodSandbox) bool {
	if f == nil {
		return true
	}
	if f.ID != "" && s.ID != f.ID {
		return false
	}
	if f.State != nil && s.State != *f.State {
		return false
	}
	return MatchLabels(f.LabelSelector, s.Labels)
}

// MatchLabels reports whether target carries every search label with an
// exactly equal value (an AND query). An empty search matches everything.
func MatchLabels(search, target map[string]string) bool {
	for k, v := range search {
		if target[k] != v {
			return false
		}
	}
	return true
}
