package server

import (
	"net/http"
	"time"

	"github.com/wasmpod/wasmpod/pkg/errdefs"
	"github.com/wasmpod/wasmpod/pkg/models"
)

func (s *Server) PullImage(w http.ResponseWriter, r *http.Request) {
	var req PullImageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Image == "" {
		s.writeError(w, errdefs.Wrapf(errdefs.ErrInvalidArgument, "image reference is required"))
		return
	}
	if _, err := models.ParseReference(req.Image); err != nil {
		s.writeError(w, err)
		return
	}

	m, err := s.modules.Resolve(r.Context(), req.Image)
	if err != nil {
		if s.metrics != nil {
			s.metrics.PullsTotal.WithLabelValues("error").Inc()
		}
		s.writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.PullsTotal.WithLabelValues("success").Inc()
	}
	s.writeJSON(w, http.StatusOK, PullImageResponse{ImageRef: m.Digest.String()})
}

func (s *Server) ImageStatus(w http.ResponseWriter, r *http.Request) {
	var req ImageStatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	// absence is not an error, the response just carries no image
	m, _ := s.modules.Lookup(req.Image)
	s.writeJSON(w, http.StatusOK, ImageStatusResponse{Image: m})
}

func (s *Server) ListImages(w http.ResponseWriter, r *http.Request) {
	var req ListImagesRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.Filter != "" {
		images := []*models.CachedModule{}
		if m, ok := s.modules.Lookup(req.Filter); ok {
			images = append(images, m)
		}
		s.writeJSON(w, http.StatusOK, ListImagesResponse{Images: images})
		return
	}
	s.writeJSON(w, http.StatusOK, ListImagesResponse{Images: s.modules.List()})
}

func (s *Server) RemoveImage(w http.ResponseWriter, r *http.Request) {
	var req RemoveImageRequest
	if !s.decode(w, r, &req) {
		return
	}
	m, ok := s.modules.Lookup(req.Image)
	if !ok {
		// removing an absent image succeeds
		s.writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	if err := s.modules.Evict(m.Digest); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) ImageFsInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, ImageFsInfoResponse{
		Timestamp:   time.Now().UTC(),
		StorageRoot: s.modules.Root(),
		UsedBytes:   s.modules.UsedBytes(),
		ModuleCount: s.modules.ModuleCount(),
	})
}
