package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/wasmpod/wasmpod/pkg/errdefs"
	"github.com/wasmpod/wasmpod/pkg/models"
)

func (s *Server) RunPodSandbox(w http.ResponseWriter, r *http.Request) {
	var req RunPodSandboxRequest
	if !s.decode(w, r, &req) {
		return
	}

	config := req.Config
	if req.RuntimeHandler != "" {
		config.RuntimeHandler = req.RuntimeHandler
	}

	// reject unknown handlers before anything is recorded
	if _, err := s.dispatcher.Lookup(config.RuntimeHandler); err != nil {
		s.writeError(w, err)
		return
	}

	id, err := s.sandboxes.Create(config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, RunPodSandboxResponse{PodSandboxID: id})
}

func (s *Server) StopPodSandbox(w http.ResponseWriter, r *http.Request) {
	var req StopPodSandboxRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.sandboxes.Stop(r.Context(), req.PodSandboxID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) RemovePodSandbox(w http.ResponseWriter, r *http.Request) {
	var req RemovePodSandboxRequest
	if !s.decode(w, r, &req) {
		return
	}
	// removal of a sandbox that is already gone succeeds, per CRI
	if err := s.sandboxes.Remove(r.Context(), req.PodSandboxID, req.Force); err != nil && !errors.Is(err, errdefs.ErrSandboxNotFound) {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) PodSandboxStatus(w http.ResponseWriter, r *http.Request) {
	var req PodSandboxStatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	sb, err := s.sandboxes.Get(req.PodSandboxID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ids := []string{}
	for _, c := range s.containers.List(&models.ContainerFilter{SandboxID: sb.ID}) {
		ids = append(ids, c.ID)
	}
	s.writeJSON(w, http.StatusOK, PodSandboxStatusResponse{Sandbox: sb, ContainerIDs: ids})
}

func (s *Server) ListPodSandbox(w http.ResponseWriter, r *http.Request) {
	var req ListPodSandboxRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, ListPodSandboxResponse{Items: s.sandboxes.List(req.Filter)})
}

func (s *Server) CreateContainer(w http.ResponseWriter, r *http.Request) {
	var req CreateContainerRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.containers.Create(r.Context(), req.PodSandboxID, req.Config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, CreateContainerResponse{ContainerID: id})
}

func (s *Server) StartContainer(w http.ResponseWriter, r *http.Request) {
	var req StartContainerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.containers.Start(r.Context(), req.ContainerID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) StopContainer(w http.ResponseWriter, r *http.Request) {
	var req StopContainerRequest
	if !s.decode(w, r, &req) {
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if err := s.containers.Stop(r.Context(), req.ContainerID, timeout); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) RemoveContainer(w http.ResponseWriter, r *http.Request) {
	var req RemoveContainerRequest
	if !s.decode(w, r, &req) {
		return
	}
	// removal of a container that is already gone succeeds, per CRI
	if err := s.containers.Remove(r.Context(), req.ContainerID); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) ContainerStatus(w http.ResponseWriter, r *http.Request) {
	var req ContainerStatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := s.containers.Get(req.ContainerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ContainerStatusResponse{Container: c})
}

func (s *Server) ListContainers(w http.ResponseWriter, r *http.Request) {
	var req ListContainersRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, ListContainersResponse{Items: s.containers.List(req.Filter)})
}
