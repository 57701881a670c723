package server

import (
	"time"

	"github.com/wasmpod/wasmpod/pkg/models"
)

// Every RPC is a POST of one JSON request document to /v1/<MethodName>.
// Field names follow the models package.

type VersionResponse struct {
	Version           string `json:"version"`
	RuntimeName       string `json:"runtime_name"`
	RuntimeVersion    string `json:"runtime_version"`
	RuntimeAPIVersion string `json:"runtime_api_version"`
}

type RunPodSandboxRequest struct {
	Config models.SandboxConfig `json:"config"`
	// RuntimeHandler overrides the handler named in the config.
	RuntimeHandler string `json:"runtime_handler,omitempty"`
}

type RunPodSandboxResponse struct {
	PodSandboxID string `json:"pod_sandbox_id"`
}

type StopPodSandboxRequest struct {
	PodSandboxID string `json:"pod_sandbox_id"`
}

type RemovePodSandboxRequest struct {
	PodSandboxID string `json:"pod_sandbox_id"`
	// Force stops live containers instead of refusing.
	Force bool `json:"force,omitempty"`
}

type PodSandboxStatusRequest struct {
	PodSandboxID string `json:"pod_sandbox_id"`
}

type PodSandboxStatusResponse struct {
	Sandbox      *models.PodSandbox `json:"sandbox"`
	ContainerIDs []string           `json:"container_ids"`
}

type ListPodSandboxRequest struct {
	Filter *models.SandboxFilter `json:"filter,omitempty"`
}

type ListPodSandboxResponse struct {
	Items []*models.PodSandbox `json:"items"`
}

type CreateContainerRequest struct {
	PodSandboxID string               `json:"pod_sandbox_id"`
	Config       models.ContainerSpec `json:"config"`
}

type CreateContainerResponse struct {
	ContainerID string `json:"container_id"`
}

type StartContainerRequest struct {
	ContainerID string `json:"container_id"`
}

type StopContainerRequest struct {
	ContainerID string `json:"container_id"`
	// TimeoutSeconds is the grace period before the workload is killed.
	// Zero kills immediately.
	TimeoutSeconds int64 `json:"timeout_seconds,omitempty"`
}

type RemoveContainerRequest struct {
	ContainerID string `json:"container_id"`
}

type ContainerStatusRequest struct {
	ContainerID string `json:"container_id"`
}

type ContainerStatusResponse struct {
	Container *models.Container `json:"container"`
}

type ListContainersRequest struct {
	Filter *models.ContainerFilter `json:"filter,omitempty"`
}

type ListContainersResponse struct {
	Items []*models.Container `json:"items"`
}

type PullImageRequest struct {
	Image string `json:"image"`
}

type PullImageResponse struct {
	ImageRef string `json:"image_ref"`
}

type ImageStatusRequest struct {
	Image string `json:"image"`
}

// ImageStatusResponse carries a nil Image when the module is not cached.
type ImageStatusResponse struct {
	Image *models.CachedModule `json:"image"`
}

type ListImagesRequest struct {
	// Filter, when set, restricts the listing to one reference or digest.
	Filter string `json:"filter,omitempty"`
}

type ListImagesResponse struct {
	Images []*models.CachedModule `json:"images"`
}

type RemoveImageRequest struct {
	Image string `json:"image"`
}

type ImageFsInfoResponse struct {
	Timestamp   time.Time `json:"timestamp"`
	StorageRoot string    `json:"storage_root"`
	UsedBytes   int64     `json:"used_bytes"`
	ModuleCount int       `json:"module_count"`
}

type StatusRequest struct {
	Verbose bool `json:"verbose,omitempty"`
}

type RuntimeCondition struct {
	Type    string `json:"type"`
	Status  bool   `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

type StatusResponse struct {
	Conditions []RuntimeCondition `json:"conditions"`
	Handlers   []string           `json:"handlers"`
	Info       map[string]string  `json:"info,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
