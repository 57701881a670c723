// Package server is the RPC surface of the daemon: a JSON-over-HTTP
// endpoint on a unix socket (or tcp for remote use) where every lifecycle
// call is a POST to /v1/<MethodName>. Handlers translate between wire
// payloads and the registries; all real work happens there.
package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/wasmpod/wasmpod/internal/container"
	"github.com/wasmpod/wasmpod/internal/metrics"
	"github.com/wasmpod/wasmpod/internal/runtime"
	"github.com/wasmpod/wasmpod/internal/sandbox"
	"github.com/wasmpod/wasmpod/internal/store"
	"github.com/wasmpod/wasmpod/pkg/errdefs"
	"github.com/wasmpod/wasmpod/pkg/logging"
)

const (
	runtimeName       = "wasmpod"
	runtimeAPIVersion = "v1"
)

// Server wires the registries to the HTTP surface.
type Server struct {
	log        *logging.Logger
	version    string
	sandboxes  *sandbox.Registry
	containers *container.Registry
	modules    *store.ModuleStore
	dispatcher *runtime.Dispatcher
	metrics    *metrics.Metrics
	startedAt  time.Time
}

func New(version string, sandboxes *sandbox.Registry, containers *container.Registry, modules *store.ModuleStore, dispatcher *runtime.Dispatcher, m *metrics.Metrics, log *logging.Logger) *Server {
	return &Server{
		log:        log,
		version:    version,
		sandboxes:  sandboxes,
		containers: containers,
		modules:    modules,
		dispatcher: dispatcher,
		metrics:    m,
		startedAt:  time.Now().UTC(),
	}
}

// RegisterRoutes registers all API routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	// Runtime service
	r.HandleFunc("/v1/Version", s.rpc("Version", s.Version)).Methods("POST")
	r.HandleFunc("/v1/RunPodSandbox", s.rpc("RunPodSandbox", s.RunPodSandbox)).Methods("POST")
	r.HandleFunc("/v1/StopPodSandbox", s.rpc("StopPodSandbox", s.StopPodSandbox)).Methods("POST")
	r.HandleFunc("/v1/RemovePodSandbox", s.rpc("RemovePodSandbox", s.RemovePodSandbox)).Methods("POST")
	r.HandleFunc("/v1/PodSandboxStatus", s.rpc("PodSandboxStatus", s.PodSandboxStatus)).Methods("POST")
	r.HandleFunc("/v1/ListPodSandbox", s.rpc("ListPodSandbox", s.ListPodSandbox)).Methods("POST")
	r.HandleFunc("/v1/CreateContainer", s.rpc("CreateContainer", s.CreateContainer)).Methods("POST")
	r.HandleFunc("/v1/StartContainer", s.rpc("StartContainer", s.StartContainer)).Methods("POST")
	r.HandleFunc("/v1/StopContainer", s.rpc("StopContainer", s.StopContainer)).Methods("POST")
	r.HandleFunc("/v1/RemoveContainer", s.rpc("RemoveContainer", s.RemoveContainer)).Methods("POST")
	r.HandleFunc("/v1/ContainerStatus", s.rpc("ContainerStatus", s.ContainerStatus)).Methods("POST")
	r.HandleFunc("/v1/ListContainers", s.rpc("ListContainers", s.ListContainers)).Methods("POST")
	r.HandleFunc("/v1/Status", s.rpc("Status", s.Status)).Methods("POST")

	// Image service
	r.HandleFunc("/v1/PullImage", s.rpc("PullImage", s.PullImage)).Methods("POST")
	r.HandleFunc("/v1/ImageStatus", s.rpc("ImageStatus", s.ImageStatus)).Methods("POST")
	r.HandleFunc("/v1/ListImages", s.rpc("ListImages", s.ListImages)).Methods("POST")
	r.HandleFunc("/v1/RemoveImage", s.rpc("RemoveImage", s.RemoveImage)).Methods("POST")
	r.HandleFunc("/v1/ImageFsInfo", s.rpc("ImageFsInfo", s.ImageFsInfo)).Methods("POST")

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	r.HandleFunc("/healthz", s.Health).Methods("GET")
}

// statusRecorder captures the response code for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// rpc instruments one named method.
func (s *Server) rpc(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		h(rec, r)
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(method, strconv.Itoa(rec.code)).Inc()
			s.metrics.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}
		s.log.Debug("rpc handled", map[string]interface{}{
			"method":   method,
			"code":     rec.code,
			"duration": time.Since(start).String(),
		})
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, errdefs.Wrapf(errdefs.ErrInvalidArgument, "invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errdefs.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", map[string]interface{}{"error": err.Error()})
	}
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) Version(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, VersionResponse{
		Version:           runtimeAPIVersion,
		RuntimeName:       runtimeName,
		RuntimeVersion:    s.version,
		RuntimeAPIVersion: runtimeAPIVersion,
	})
}

// Listen opens the daemon endpoint. network is "unix" or "tcp". A stale
// socket file from a previous run is removed first.
func Listen(network, address string) (net.Listener, error) {
	switch network {
	case "unix":
		if err := os.MkdirAll(filepath.Dir(address), 0o755); err != nil {
			return nil, fmt.Errorf("creating socket directory: %w", err)
		}
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
		lis, err := net.Listen("unix", address)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(address, 0o660); err != nil {
			lis.Close()
			return nil, fmt.Errorf("setting socket permissions: %w", err)
		}
		return lis, nil
	case "tcp":
		return net.Listen("tcp", address)
	default:
		return nil, errdefs.Wrapf(errdefs.ErrInvalidArgument, "unsupported listen network %q", network)
	}
}
