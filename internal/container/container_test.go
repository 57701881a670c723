package container

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/wasmpod/wasmpod/internal/runtime"
	"github.com/wasmpod/wasmpod/internal/sandbox"
	"github.com/wasmpod/wasmpod/internal/store"
	"github.com/wasmpod/wasmpod/pkg/errdefs"
	"github.com/wasmpod/wasmpod/pkg/logging"
	"github.com/wasmpod/wasmpod/pkg/models"
)

// fakeHandle is a controllable workload.
type fakeHandle struct {
	stopExits bool

	mu     sync.Mutex
	done   chan struct{}
	closed bool
	status runtime.ExitStatus
	stops  int
	kills  int
}

func newFakeHandle(stopExits bool) *fakeHandle {
	return &fakeHandle{stopExits: stopExits, done: make(chan struct{})}
}

func (h *fakeHandle) finish(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.status = runtime.ExitStatus{Code: code}
	close(h.done)
}

func (h *fakeHandle) SignalStop(ctx context.Context) error {
	h.mu.Lock()
	h.stops++
	h.mu.Unlock()
	if h.stopExits {
		h.finish(0)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.kills++
	h.mu.Unlock()
	h.finish(runtime.ForcedExitCode)
	return nil
}

func (h *fakeHandle) Wait(ctx context.Context) (runtime.ExitStatus, error) {
	select {
	case <-ctx.Done():
		return runtime.ExitStatus{}, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.status, nil
	}
}

// fakeBackend hands out fakeHandles keyed by container id.
type fakeBackend struct {
	stopExits bool

	mu       sync.Mutex
	handles  map[string]*fakeHandle
	lastSpec runtime.StartSpec
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{handles: make(map[string]*fakeHandle)}
}

func (b *fakeBackend) Name() string { return "wasi" }

func (b *fakeBackend) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := newFakeHandle(b.stopExits)
	b.handles[spec.ContainerID] = h
	b.lastSpec = spec
	return h, nil
}

func (b *fakeBackend) handle(id string) *fakeHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles[id]
}

// fakePuller serves modules without a registry.
type fakePuller struct {
	digests  map[string]digest.Digest
	payloads map[digest.Digest][]byte
}

func (f *fakePuller) serve(reference string, payload []byte) {
	d := digest.FromBytes(payload)
	f.digests[reference] = d
	f.payloads[d] = payload
}

func (f *fakePuller) Resolve(ctx context.Context, reference string) (digest.Digest, error) {
	d, ok := f.digests[reference]
	if !ok {
		return "", errdefs.Wrapf(errdefs.ErrDistributionFailure, "unknown reference %q", reference)
	}
	return d, nil
}

func (f *fakePuller) Pull(ctx context.Context, reference string, destPath string) (digest.Digest, error) {
	d, err := f.Resolve(ctx, reference)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(destPath, f.payloads[d], 0o644); err != nil {
		return "", err
	}
	return d, nil
}

type fixture struct {
	containers *Registry
	sandboxes  *sandbox.Registry
	modules    *store.ModuleStore
	backend    *fakeBackend
	root       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	log := logging.NewLogger(logging.ERROR, false)

	puller := &fakePuller{
		digests:  make(map[string]digest.Digest),
		payloads: make(map[digest.Digest][]byte),
	}
	puller.serve("registry.local/app:v1", []byte("module-bytes"))

	modules, err := store.NewModuleStore(root, puller, log)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	if _, err := modules.Resolve(context.Background(), "registry.local/app:v1"); err != nil {
		t.Fatalf("pulling test image: %v", err)
	}

	sandboxes, err := sandbox.NewRegistry(root, log)
	if err != nil {
		t.Fatalf("creating sandbox registry: %v", err)
	}

	backend := newFakeBackend()
	dispatcher := runtime.NewDispatcher()
	dispatcher.Register(backend)

	containers, err := NewRegistry(root, sandboxes, modules, dispatcher, log)
	if err != nil {
		t.Fatalf("creating container registry: %v", err)
	}
	sandboxes.SetReaper(containers)
	modules.SetUsageChecker(containers)

	return &fixture{
		containers: containers,
		sandboxes:  sandboxes,
		modules:    modules,
		backend:    backend,
		root:       root,
	}
}

func (f *fixture) newSandbox(t *testing.T) string {
	t.Helper()
	id, err := f.sandboxes.Create(models.SandboxConfig{
		Metadata: models.SandboxMetadata{Name: "pod", Namespace: "default", UID: "uid-1"},
	})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}
	return id
}

func (f *fixture) newContainer(t *testing.T, sandboxID string) string {
	t.Helper()
	id, err := f.containers.Create(context.Background(), sandboxID, models.ContainerSpec{
		Metadata: models.ContainerMetadata{Name: "worker"},
		Image:    "registry.local/app:v1",
	})
	if err != nil {
		t.Fatalf("creating container: %v", err)
	}
	return id
}

func waitForState(t *testing.T, r *Registry, id string, want models.ContainerState) *models.Container {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := r.Get(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if c.State == want {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	c, _ := r.Get(id)
	t.Fatalf("container %s never reached %s, state = %s", id, want, c.State)
	return nil
}

func TestLifecycleCreateStartExit(t *testing.T) {
	f := newFixture(t)
	sbID := f.newSandbox(t)
	cID := f.newContainer(t, sbID)

	c, _ := f.containers.Get(cID)
	if c.State != models.ContainerCreated {
		t.Fatalf("state after create = %s", c.State)
	}
	if c.Image.Digest == "" || c.Image.LocalPath == "" {
		t.Fatalf("image not bound: %+v", c.Image)
	}

	if err := f.containers.Start(context.Background(), cID); err != nil {
		t.Fatalf("start: %v", err)
	}
	c = waitForState(t, f.containers, cID, models.ContainerRunning)
	if c.StartedAt == nil {
		t.Error("StartedAt not set")
	}

	f.backend.handle(cID).finish(0)
	c = waitForState(t, f.containers, cID, models.ContainerExited)
	if c.ExitCode == nil || *c.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", c.ExitCode)
	}
	if c.Reason != "Completed" {
		t.Errorf("reason = %q, want Completed", c.Reason)
	}
	if c.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	sbID := f.newSandbox(t)

	_, err := f.containers.Create(context.Background(), "missing", models.ContainerSpec{
		Metadata: models.ContainerMetadata{Name: "worker"},
		Image:    "registry.local/app:v1",
	})
	if !errors.Is(err, errdefs.ErrSandboxNotFound) {
		t.Errorf("unknown sandbox: got %v", err)
	}

	_, err = f.containers.Create(context.Background(), sbID, models.ContainerSpec{
		Metadata: models.ContainerMetadata{Name: "worker"},
		Image:    "registry.local/never-pulled:v1",
	})
	if !errors.Is(err, errdefs.ErrImageNotResolved) {
		t.Errorf("unpulled image: got %v", err)
	}
}

func TestStartRejectsIllegalTransitions(t *testing.T) {
	f := newFixture(t)
	sbID := f.newSandbox(t)
	cID := f.newContainer(t, sbID)

	if err := f.containers.Start(context.Background(), cID); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := f.containers.Start(context.Background(), cID); !errors.Is(err, errdefs.ErrInvalidStateTransition) {
		t.Errorf("second start: got %v, want invalid transition", err)
	}

	f.backend.handle(cID).finish(0)
	waitForState(t, f.containers, cID, models.ContainerExited)
	if err := f.containers.Start(context.Background(), cID); !errors.Is(err, errdefs.ErrInvalidStateTransition) {
		t.Errorf("start after exit: got %v, want invalid transition", err)
	}

	if err := f.containers.Start(context.Background(), "missing"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("start missing: got %v", err)
	}
}

func TestStopGraceful(t *testing.T) {
	f := newFixture(t)
	f.backend.stopExits = true
	sbID := f.newSandbox(t)
	cID := f.newContainer(t, sbID)
	f.containers.Start(context.Background(), cID)

	if err := f.containers.Stop(context.Background(), cID, time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}

	c, _ := f.containers.Get(cID)
	if c.State != models.ContainerExited {
		t.Fatalf("state after stop = %s", c.State)
	}
	if *c.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", *c.ExitCode)
	}
	h := f.backend.handle(cID)
	if h.stops != 1 || h.kills != 0 {
		t.Errorf("stops=%d kills=%d, want stops=1 kills=0", h.stops, h.kills)
	}

	// a second stop is an illegal transition
	if err := f.containers.Stop(context.Background(), cID, time.Second); !errors.Is(err, errdefs.ErrInvalidStateTransition) {
		t.Errorf("second stop: got %v, want invalid transition", err)
	}
}

func TestStopRejectsIllegalTransitions(t *testing.T) {
	f := newFixture(t)
	sbID := f.newSandbox(t)
	cID := f.newContainer(t, sbID)

	if err := f.containers.Stop(context.Background(), cID, time.Second); !errors.Is(err, errdefs.ErrInvalidStateTransition) {
		t.Errorf("stop before start: got %v, want invalid transition", err)
	}

	if err := f.containers.Start(context.Background(), cID); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.backend.handle(cID).finish(0)
	waitForState(t, f.containers, cID, models.ContainerExited)

	if err := f.containers.Stop(context.Background(), cID, time.Second); !errors.Is(err, errdefs.ErrInvalidStateTransition) {
		t.Errorf("stop after exit: got %v, want invalid transition", err)
	}
	if err := f.containers.Stop(context.Background(), "missing", time.Second); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("stop missing: got %v", err)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	f := newFixture(t)
	sbID := f.newSandbox(t)
	cID := f.newContainer(t, sbID)
	f.containers.Start(context.Background(), cID)

	// the fake ignores SignalStop, so the grace period lapses
	if err := f.containers.Stop(context.Background(), cID, 30*time.Millisecond); err != nil {
		t.Fatalf("stop: %v", err)
	}

	c, _ := f.containers.Get(cID)
	if c.State != models.ContainerExited {
		t.Fatalf("state after stop = %s", c.State)
	}
	if *c.ExitCode != runtime.ForcedExitCode {
		t.Errorf("exit code = %d, want %d", *c.ExitCode, runtime.ForcedExitCode)
	}
	h := f.backend.handle(cID)
	if h.stops != 1 || h.kills != 1 {
		t.Errorf("stops=%d kills=%d, want stops=1 kills=1", h.stops, h.kills)
	}
}

func TestStopZeroTimeoutKillsImmediately(t *testing.T) {
	f := newFixture(t)
	sbID := f.newSandbox(t)
	cID := f.newContainer(t, sbID)
	f.containers.Start(context.Background(), cID)

	if err := f.containers.Stop(context.Background(), cID, 0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h := f.backend.handle(cID)
	if h.stops != 0 || h.kills != 1 {
		t.Errorf("stops=%d kills=%d, want stops=0 kills=1", h.stops, h.kills)
	}
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	sbID := f.newSandbox(t)
	cID := f.newContainer(t, sbID)
	f.containers.Start(context.Background(), cID)

	if err := f.containers.Remove(context.Background(), cID); !errors.Is(err, errdefs.ErrContainerRunning) {
		t.Fatalf("remove running: got %v, want container running", err)
	}

	f.containers.Stop(context.Background(), cID, 0)
	if err := f.containers.Remove(context.Background(), cID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := f.containers.Get(cID); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("get after remove: got %v", err)
	}
	if err := f.containers.Remove(context.Background(), cID); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("second remove: got %v, want not found", err)
	}
}

func TestModuleInUse(t *testing.T) {
	f := newFixture(t)
	sbID := f.newSandbox(t)
	cID := f.newContainer(t, sbID)

	c, _ := f.containers.Get(cID)
	if !f.containers.ModuleInUse(c.Image.Digest) {
		t.Error("created container should pin its module")
	}
	if err := f.modules.Evict(c.Image.Digest); !errors.Is(err, errdefs.ErrModuleInUse) {
		t.Errorf("evict pinned module: got %v", err)
	}

	f.containers.Start(context.Background(), cID)
	f.containers.Stop(context.Background(), cID, 0)
	f.containers.Remove(context.Background(), cID)

	if f.containers.ModuleInUse(c.Image.Digest) {
		t.Error("removed container should release its module")
	}
	if err := f.modules.Evict(c.Image.Digest); err != nil {
		t.Errorf("evict after release: %v", err)
	}
}

func TestSandboxStopReapsContainers(t *testing.T) {
	f := newFixture(t)
	sbID := f.newSandbox(t)
	cID := f.newContainer(t, sbID)
	f.containers.Start(context.Background(), cID)

	if err := f.sandboxes.Stop(context.Background(), sbID); err != nil {
		t.Fatalf("stop sandbox: %v", err)
	}
	c, _ := f.containers.Get(cID)
	if c.State != models.ContainerExited {
		t.Errorf("container state after sandbox stop = %s", c.State)
	}

	if err := f.sandboxes.Remove(context.Background(), sbID, false); err != nil {
		t.Fatalf("remove sandbox: %v", err)
	}
	if _, err := f.containers.Get(cID); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("container should be gone with its sandbox: %v", err)
	}
}

func TestStartSpecPlumbing(t *testing.T) {
	f := newFixture(t)
	logDir := filepath.Join(f.root, "pod-logs")
	sbID, err := f.sandboxes.Create(models.SandboxConfig{
		Metadata:     models.SandboxMetadata{Name: "pod", Namespace: "default", UID: "uid-1"},
		LogDirectory: logDir,
		Annotations:  map[string]string{"from": "sandbox", "shared": "pod"},
	})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}

	cID, err := f.containers.Create(context.Background(), sbID, models.ContainerSpec{
		Metadata:    models.ContainerMetadata{Name: "worker"},
		Image:       "registry.local/app:v1",
		Command:     []string{"serve"},
		Args:        []string{"--port", "8080"},
		Env:         map[string]string{"MODE": "prod"},
		LogPath:     "worker_0.log",
		Annotations: map[string]string{"shared": "container"},
	})
	if err != nil {
		t.Fatalf("creating container: %v", err)
	}
	if err := f.containers.Start(context.Background(), cID); err != nil {
		t.Fatalf("start: %v", err)
	}

	spec := f.backend.lastSpec
	if spec.ContainerID != cID {
		t.Errorf("spec container id = %s, want %s", spec.ContainerID, cID)
	}
	wantArgs := []string{"serve", "--port", "8080"}
	if len(spec.Args) != len(wantArgs) {
		t.Fatalf("spec args = %v, want %v", spec.Args, wantArgs)
	}
	for i := range wantArgs {
		if spec.Args[i] != wantArgs[i] {
			t.Errorf("spec args = %v, want %v", spec.Args, wantArgs)
			break
		}
	}
	if spec.Env["MODE"] != "prod" {
		t.Errorf("spec env = %v", spec.Env)
	}
	if want := filepath.Join(logDir, "worker_0.log"); spec.LogPath != want {
		t.Errorf("spec log path = %s, want %s", spec.LogPath, want)
	}
	if spec.Annotations["from"] != "sandbox" {
		t.Errorf("sandbox annotation not inherited: %v", spec.Annotations)
	}
	if spec.Annotations["shared"] != "container" {
		t.Errorf("container annotation should win: %v", spec.Annotations)
	}
	if spec.ScratchDir == "" {
		t.Error("scratch dir not set")
	}
}

func TestStartUnwindsOnPersistFailure(t *testing.T) {
	f := newFixture(t)
	sbID := f.newSandbox(t)
	cID := f.newContainer(t, sbID)

	// make the state directory unwritable so the Running record cannot land
	stateDir := filepath.Join(f.root, "containers")
	if err := os.RemoveAll(stateDir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stateDir, []byte("in the way"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := f.containers.Start(context.Background(), cID); err == nil {
		t.Fatal("start should fail when the record cannot be persisted")
	}

	c, err := f.containers.Get(cID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.State != models.ContainerCreated {
		t.Errorf("state after failed start = %s, want created", c.State)
	}
	if c.StartedAt != nil {
		t.Error("StartedAt should be cleared after a failed start")
	}
	if h := f.backend.handle(cID); h.kills != 1 {
		t.Errorf("workload kills = %d, want 1", h.kills)
	}

	if err := os.Remove(stateDir); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := f.containers.Start(context.Background(), cID); err != nil {
		t.Fatalf("start after recovery: %v", err)
	}
	waitForState(t, f.containers, cID, models.ContainerRunning)
}

func TestConcurrentStopAndExit(t *testing.T) {
	f := newFixture(t)
	f.backend.stopExits = true
	sbID := f.newSandbox(t)

	for i := 0; i < 20; i++ {
		cID := f.newContainer(t, sbID)
		if err := f.containers.Start(context.Background(), cID); err != nil {
			t.Fatalf("start: %v", err)
		}
		h := f.backend.handle(cID)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.finish(0)
		}()
		go func() {
			defer wg.Done()
			// losing the race to the exit watcher is fine; anything else is not
			err := f.containers.Stop(context.Background(), cID, time.Second)
			if err != nil && !errors.Is(err, errdefs.ErrInvalidStateTransition) {
				t.Errorf("stop: %v", err)
			}
		}()
		wg.Wait()

		c := waitForState(t, f.containers, cID, models.ContainerExited)
		if c.ExitCode == nil || *c.ExitCode != 0 {
			t.Errorf("exit code = %v, want 0", c.ExitCode)
		}
		if c.FinishedAt == nil {
			t.Error("FinishedAt not set")
		}
	}
}

// gatedBackend holds each Start inside the backend until its container's
// gate is released.
type gatedBackend struct {
	*fakeBackend

	gateMu sync.Mutex
	gates  map[string]chan struct{}
}

func (b *gatedBackend) gate(id string) chan struct{} {
	b.gateMu.Lock()
	defer b.gateMu.Unlock()
	g, ok := b.gates[id]
	if !ok {
		g = make(chan struct{})
		b.gates[id] = g
	}
	return g
}

func (b *gatedBackend) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Handle, error) {
	<-b.gate(spec.ContainerID)
	return b.fakeBackend.Start(ctx, spec)
}

func TestStartsOnDistinctContainersDoNotSerialize(t *testing.T) {
	f := newFixture(t)
	gated := &gatedBackend{fakeBackend: newFakeBackend(), gates: make(map[string]chan struct{})}
	dispatcher := runtime.NewDispatcher()
	dispatcher.Register(gated)
	reg, err := NewRegistry(f.root, f.sandboxes, f.modules, dispatcher, logging.NewLogger(logging.ERROR, false))
	if err != nil {
		t.Fatalf("creating registry: %v", err)
	}

	newCtr := func(sbID string) string {
		id, err := reg.Create(context.Background(), sbID, models.ContainerSpec{
			Metadata: models.ContainerMetadata{Name: "worker"},
			Image:    "registry.local/app:v1",
		})
		if err != nil {
			t.Fatalf("creating container: %v", err)
		}
		return id
	}
	cA := newCtr(f.newSandbox(t))
	cB := newCtr(f.newSandbox(t))

	startErrs := make(chan error, 2)
	go func() { startErrs <- reg.Start(context.Background(), cA) }()
	go func() { startErrs <- reg.Start(context.Background(), cB) }()

	// with one start parked inside the backend, the other must still
	// complete on its own
	close(gated.gate(cB))
	if err := <-startErrs; err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, reg, cB, models.ContainerRunning)
	if c, _ := reg.Get(cA); c.State != models.ContainerCreated {
		t.Errorf("parked start mutated state early: %s", c.State)
	}

	close(gated.gate(cA))
	if err := <-startErrs; err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, reg, cA, models.ContainerRunning)
}

func TestCreateEvictRace(t *testing.T) {
	f := newFixture(t)
	sbID := f.newSandbox(t)

	for i := 0; i < 25; i++ {
		m, err := f.modules.Resolve(context.Background(), "registry.local/app:v1")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}

		var (
			wg        sync.WaitGroup
			cID       string
			createErr error
			evictErr  error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			cID, createErr = f.containers.Create(context.Background(), sbID, models.ContainerSpec{
				Metadata: models.ContainerMetadata{Name: "worker"},
				Image:    "registry.local/app:v1",
			})
		}()
		go func() {
			defer wg.Done()
			evictErr = f.modules.Evict(m.Digest)
		}()
		wg.Wait()

		if createErr == nil && evictErr == nil {
			t.Fatalf("iteration %d: create and evict both succeeded", i)
		}
		if createErr == nil {
			c, err := f.containers.Get(cID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if _, err := os.Stat(c.Image.LocalPath); err != nil {
				t.Fatalf("iteration %d: container created but module blob gone: %v", i, err)
			}
			f.containers.Remove(context.Background(), cID)
			f.modules.Evict(m.Digest)
		}
	}
}

func TestLoadMarksRunningUnknown(t *testing.T) {
	f := newFixture(t)
	sbID := f.newSandbox(t)
	cID := f.newContainer(t, sbID)
	f.containers.Start(context.Background(), cID)
	waitForState(t, f.containers, cID, models.ContainerRunning)

	log := logging.NewLogger(logging.ERROR, false)
	dispatcher := runtime.NewDispatcher()
	dispatcher.Register(newFakeBackend())
	reloaded, err := NewRegistry(f.root, f.sandboxes, f.modules, dispatcher, log)
	if err != nil {
		t.Fatalf("reopening registry: %v", err)
	}
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	c, err := reloaded.Get(cID)
	if err != nil {
		t.Fatalf("get after load: %v", err)
	}
	if c.State != models.ContainerUnknown {
		t.Errorf("restored state = %s, want unknown", c.State)
	}
}
