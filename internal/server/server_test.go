package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"

	"github.com/wasmpod/wasmpod/internal/container"
	"github.com/wasmpod/wasmpod/internal/metrics"
	"github.com/wasmpod/wasmpod/internal/runtime"
	"github.com/wasmpod/wasmpod/internal/sandbox"
	"github.com/wasmpod/wasmpod/internal/store"
	"github.com/wasmpod/wasmpod/pkg/errdefs"
	"github.com/wasmpod/wasmpod/pkg/logging"
	"github.com/wasmpod/wasmpod/pkg/models"
)

type stubHandle struct {
	once   sync.Once
	done   chan struct{}
	status runtime.ExitStatus
}

func (h *stubHandle) finish(code int) {
	h.once.Do(func() {
		h.status = runtime.ExitStatus{Code: code}
		close(h.done)
	})
}

func (h *stubHandle) SignalStop(ctx context.Context) error { h.finish(0); return nil }
func (h *stubHandle) Kill() error                          { h.finish(runtime.ForcedExitCode); return nil }

func (h *stubHandle) Wait(ctx context.Context) (runtime.ExitStatus, error) {
	select {
	case <-ctx.Done():
		return runtime.ExitStatus{}, ctx.Err()
	case <-h.done:
		return h.status, nil
	}
}

type stubBackend struct{}

func (b *stubBackend) Name() string { return "wasi" }
func (b *stubBackend) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Handle, error) {
	return &stubHandle{done: make(chan struct{})}, nil
}

type stubResolver struct {
	digests  map[string]digest.Digest
	payloads map[digest.Digest][]byte
}

func (f *stubResolver) serve(reference string, payload []byte) {
	d := digest.FromBytes(payload)
	f.digests[reference] = d
	f.payloads[d] = payload
}

func (f *stubResolver) Resolve(ctx context.Context, reference string) (digest.Digest, error) {
	d, ok := f.digests[reference]
	if !ok {
		return "", errdefs.Wrapf(errdefs.ErrDistributionFailure, "unknown reference %q", reference)
	}
	return d, nil
}

func (f *stubResolver) Pull(ctx context.Context, reference string, destPath string) (digest.Digest, error) {
	d, err := f.Resolve(ctx, reference)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(destPath, f.payloads[d], 0o644); err != nil {
		return "", err
	}
	return d, nil
}

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	root := t.TempDir()
	log := logging.NewLogger(logging.ERROR, false)

	resolver := &stubResolver{
		digests:  make(map[string]digest.Digest),
		payloads: make(map[digest.Digest][]byte),
	}
	resolver.serve("registry.local/app:v1", []byte("module-bytes"))

	modules, err := store.NewModuleStore(root, resolver, log)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	sandboxes, err := sandbox.NewRegistry(root, log)
	if err != nil {
		t.Fatalf("creating sandbox registry: %v", err)
	}
	dispatcher := runtime.NewDispatcher()
	dispatcher.Register(&stubBackend{})
	containers, err := container.NewRegistry(root, sandboxes, modules, dispatcher, log)
	if err != nil {
		t.Fatalf("creating container registry: %v", err)
	}
	sandboxes.SetReaper(containers)
	modules.SetUsageChecker(containers)

	m := metrics.New(sandboxes, containers, modules)
	srv := New("0.3.0", sandboxes, containers, modules, dispatcher, m, log)
	router := mux.NewRouter()
	srv.RegisterRoutes(router)
	return router
}

func call(t *testing.T, router *mux.Router, method string, req, resp interface{}) int {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshalling request: %v", err)
	}
	r := httptest.NewRequest("POST", "/v1/"+method, bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if resp != nil && w.Code < 300 {
		if err := json.Unmarshal(w.Body.Bytes(), resp); err != nil {
			t.Fatalf("%s: decoding response %q: %v", method, w.Body.String(), err)
		}
	}
	return w.Code
}

func TestVersion(t *testing.T) {
	router := newTestRouter(t)
	var resp VersionResponse
	if code := call(t, router, "Version", struct{}{}, &resp); code != http.StatusOK {
		t.Fatalf("Version = %d", code)
	}
	if resp.RuntimeName != "wasmpod" || resp.RuntimeAPIVersion != "v1" {
		t.Errorf("version response = %+v", resp)
	}
	if resp.RuntimeVersion != "0.3.0" {
		t.Errorf("runtime version = %s", resp.RuntimeVersion)
	}
}

func TestFullLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	var pull PullImageResponse
	if code := call(t, router, "PullImage", PullImageRequest{Image: "registry.local/app:v1"}, &pull); code != http.StatusOK {
		t.Fatalf("PullImage = %d", code)
	}
	if pull.ImageRef == "" {
		t.Fatal("PullImage returned no digest")
	}

	var run RunPodSandboxResponse
	code := call(t, router, "RunPodSandbox", RunPodSandboxRequest{
		Config: models.SandboxConfig{
			Metadata: models.SandboxMetadata{Name: "pod", Namespace: "default", UID: "uid-1"},
		},
	}, &run)
	if code != http.StatusCreated {
		t.Fatalf("RunPodSandbox = %d", code)
	}

	var create CreateContainerResponse
	code = call(t, router, "CreateContainer", CreateContainerRequest{
		PodSandboxID: run.PodSandboxID,
		Config: models.ContainerSpec{
			Metadata: models.ContainerMetadata{Name: "worker"},
			Image:    "registry.local/app:v1",
		},
	}, &create)
	if code != http.StatusCreated {
		t.Fatalf("CreateContainer = %d", code)
	}

	if code := call(t, router, "StartContainer", StartContainerRequest{ContainerID: create.ContainerID}, nil); code != http.StatusOK {
		t.Fatalf("StartContainer = %d", code)
	}

	var status ContainerStatusResponse
	call(t, router, "ContainerStatus", ContainerStatusRequest{ContainerID: create.ContainerID}, &status)
	if status.Container.State != models.ContainerRunning {
		t.Errorf("state after start = %s", status.Container.State)
	}

	if code := call(t, router, "StopContainer", StopContainerRequest{ContainerID: create.ContainerID, TimeoutSeconds: 5}, nil); code != http.StatusOK {
		t.Fatalf("StopContainer = %d", code)
	}
	call(t, router, "ContainerStatus", ContainerStatusRequest{ContainerID: create.ContainerID}, &status)
	if status.Container.State != models.ContainerExited {
		t.Errorf("state after stop = %s", status.Container.State)
	}
	if status.Container.ExitCode == nil || *status.Container.ExitCode != 0 {
		t.Errorf("exit code = %v", status.Container.ExitCode)
	}

	var sbStatus PodSandboxStatusResponse
	call(t, router, "PodSandboxStatus", PodSandboxStatusRequest{PodSandboxID: run.PodSandboxID}, &sbStatus)
	if len(sbStatus.ContainerIDs) != 1 {
		t.Errorf("sandbox container ids = %v", sbStatus.ContainerIDs)
	}

	if code := call(t, router, "StopPodSandbox", StopPodSandboxRequest{PodSandboxID: run.PodSandboxID}, nil); code != http.StatusOK {
		t.Fatalf("StopPodSandbox = %d", code)
	}
	if code := call(t, router, "RemovePodSandbox", RemovePodSandboxRequest{PodSandboxID: run.PodSandboxID}, nil); code != http.StatusOK {
		t.Fatalf("RemovePodSandbox = %d", code)
	}

	var list ListContainersResponse
	call(t, router, "ListContainers", ListContainersRequest{}, &list)
	if len(list.Items) != 0 {
		t.Errorf("containers after sandbox removal = %d", len(list.Items))
	}
}

func TestStopAndRemoveEdgeSemantics(t *testing.T) {
	router := newTestRouter(t)

	call(t, router, "PullImage", PullImageRequest{Image: "registry.local/app:v1"}, nil)
	var run RunPodSandboxResponse
	call(t, router, "RunPodSandbox", RunPodSandboxRequest{
		Config: models.SandboxConfig{
			Metadata: models.SandboxMetadata{Name: "pod", Namespace: "default", UID: "uid-1"},
		},
	}, &run)
	var create CreateContainerResponse
	call(t, router, "CreateContainer", CreateContainerRequest{
		PodSandboxID: run.PodSandboxID,
		Config: models.ContainerSpec{
			Metadata: models.ContainerMetadata{Name: "worker"},
			Image:    "registry.local/app:v1",
		},
	}, &create)

	// stop before start is an illegal lifecycle move
	if code := call(t, router, "StopContainer", StopContainerRequest{ContainerID: create.ContainerID, TimeoutSeconds: 5}, nil); code != http.StatusConflict {
		t.Errorf("stop before start = %d, want 409", code)
	}

	call(t, router, "StartContainer", StartContainerRequest{ContainerID: create.ContainerID}, nil)
	if code := call(t, router, "StopContainer", StopContainerRequest{ContainerID: create.ContainerID, TimeoutSeconds: 5}, nil); code != http.StatusOK {
		t.Fatalf("StopContainer = %d", code)
	}
	if code := call(t, router, "StopContainer", StopContainerRequest{ContainerID: create.ContainerID, TimeoutSeconds: 5}, nil); code != http.StatusConflict {
		t.Errorf("double stop = %d, want 409", code)
	}

	// removal of ids that are already gone succeeds at the API
	if code := call(t, router, "RemoveContainer", RemoveContainerRequest{ContainerID: "no-such-container"}, nil); code != http.StatusOK {
		t.Errorf("remove unknown container = %d, want 200", code)
	}
	if code := call(t, router, "RemovePodSandbox", RemovePodSandboxRequest{PodSandboxID: "no-such-pod"}, nil); code != http.StatusOK {
		t.Errorf("remove unknown sandbox = %d, want 200", code)
	}
}

func TestErrorMapping(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		req    interface{}
		want   int
	}{
		{"unknown runtime handler", "RunPodSandbox", RunPodSandboxRequest{
			Config: models.SandboxConfig{
				Metadata:       models.SandboxMetadata{Name: "pod", Namespace: "default", UID: "u"},
				RuntimeHandler: "lucet",
			},
		}, http.StatusBadRequest},
		{"container in unknown sandbox", "CreateContainer", CreateContainerRequest{
			PodSandboxID: "missing",
			Config: models.ContainerSpec{
				Metadata: models.ContainerMetadata{Name: "w"},
				Image:    "registry.local/app:v1",
			},
		}, http.StatusNotFound},
		{"start unknown container", "StartContainer", StartContainerRequest{ContainerID: "missing"}, http.StatusNotFound},
		{"pull unresolvable image", "PullImage", PullImageRequest{Image: "registry.local/ghost:v1"}, http.StatusBadGateway},
		{"pull malformed reference", "PullImage", PullImageRequest{Image: "noregistry"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := call(t, router, tt.method, tt.req, nil); code != tt.want {
				t.Errorf("%s = %d, want %d", tt.method, code, tt.want)
			}
		})
	}
}

func TestCreateContainerRequiresPulledImage(t *testing.T) {
	router := newTestRouter(t)

	var run RunPodSandboxResponse
	call(t, router, "RunPodSandbox", RunPodSandboxRequest{
		Config: models.SandboxConfig{
			Metadata: models.SandboxMetadata{Name: "pod", Namespace: "default", UID: "u"},
		},
	}, &run)

	code := call(t, router, "CreateContainer", CreateContainerRequest{
		PodSandboxID: run.PodSandboxID,
		Config: models.ContainerSpec{
			Metadata: models.ContainerMetadata{Name: "w"},
			Image:    "registry.local/app:v1",
		},
	}, nil)
	if code != http.StatusNotFound {
		t.Errorf("CreateContainer before pull = %d, want 404", code)
	}
}

func TestImageRPCs(t *testing.T) {
	router := newTestRouter(t)

	var status ImageStatusResponse
	call(t, router, "ImageStatus", ImageStatusRequest{Image: "registry.local/app:v1"}, &status)
	if status.Image != nil {
		t.Errorf("image present before pull: %+v", status.Image)
	}

	var pull PullImageResponse
	call(t, router, "PullImage", PullImageRequest{Image: "registry.local/app:v1"}, &pull)

	call(t, router, "ImageStatus", ImageStatusRequest{Image: "registry.local/app:v1"}, &status)
	if status.Image == nil || status.Image.Digest.String() != pull.ImageRef {
		t.Errorf("image status after pull = %+v", status.Image)
	}

	var list ListImagesResponse
	call(t, router, "ListImages", ListImagesRequest{}, &list)
	if len(list.Images) != 1 {
		t.Errorf("ListImages = %d images", len(list.Images))
	}
	call(t, router, "ListImages", ListImagesRequest{Filter: "registry.local/other:v1"}, &list)
	if len(list.Images) != 0 {
		t.Errorf("filtered ListImages = %d images", len(list.Images))
	}

	var fs ImageFsInfoResponse
	call(t, router, "ImageFsInfo", struct{}{}, &fs)
	if fs.ModuleCount != 1 || fs.UsedBytes != int64(len("module-bytes")) {
		t.Errorf("ImageFsInfo = %+v", fs)
	}

	if code := call(t, router, "RemoveImage", RemoveImageRequest{Image: "registry.local/app:v1"}, nil); code != http.StatusOK {
		t.Errorf("RemoveImage = %d", code)
	}
	// absent image removal still succeeds
	if code := call(t, router, "RemoveImage", RemoveImageRequest{Image: "registry.local/app:v1"}, nil); code != http.StatusOK {
		t.Errorf("second RemoveImage = %d", code)
	}
}

func TestStatus(t *testing.T) {
	router := newTestRouter(t)

	var resp StatusResponse
	if code := call(t, router, "Status", StatusRequest{}, &resp); code != http.StatusOK {
		t.Fatalf("Status = %d", code)
	}
	if len(resp.Conditions) != 2 {
		t.Errorf("conditions = %+v", resp.Conditions)
	}
	for _, c := range resp.Conditions {
		if !c.Status {
			t.Errorf("condition %s not ready", c.Type)
		}
	}
	if len(resp.Handlers) != 1 || resp.Handlers[0] != "wasi" {
		t.Errorf("handlers = %v", resp.Handlers)
	}
	if resp.Info != nil {
		t.Errorf("info present without verbose: %v", resp.Info)
	}

	call(t, router, "Status", StatusRequest{Verbose: true}, &resp)
	if resp.Info["go_version"] == "" || resp.Info["version"] != "0.3.0" {
		t.Errorf("verbose info = %v", resp.Info)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("healthz = %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("metrics = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("wasmpod_sandboxes")) {
		t.Error("metrics output missing wasmpod_sandboxes")
	}
}
