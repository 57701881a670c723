// Package container tracks workload containers and drives their backends.
// The registry is the only writer of container state: RPC handlers mutate
// Created and Running, and exits are recorded through recordExit, which
// both the completion watcher and Stop funnel through.
package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/wasmpod/wasmpod/internal/runtime"
	"github.com/wasmpod/wasmpod/internal/sandbox"
	"github.com/wasmpod/wasmpod/internal/store"
	"github.com/wasmpod/wasmpod/pkg/errdefs"
	"github.com/wasmpod/wasmpod/pkg/fsutil"
	"github.com/wasmpod/wasmpod/pkg/keymutex"
	"github.com/wasmpod/wasmpod/pkg/logging"
	"github.com/wasmpod/wasmpod/pkg/models"
)

// killWaitTimeout bounds how long Stop waits for a workload to disappear
// after a forced kill.
const killWaitTimeout = 5 * time.Second

// Registry holds all known containers. Records persist as
// <root>/containers/<id>.json; per-container scratch space lives under
// <root>/scratch/<id>.
type Registry struct {
	log   *logging.Logger
	root  string
	locks *keymutex.KeyMutex

	sandboxes  *sandbox.Registry
	modules    *store.ModuleStore
	dispatcher *runtime.Dispatcher

	mu         sync.RWMutex
	containers map[string]*models.Container
	handles    map[string]runtime.Handle
}

func NewRegistry(root string, sandboxes *sandbox.Registry, modules *store.ModuleStore, dispatcher *runtime.Dispatcher, log *logging.Logger) (*Registry, error) {
	for _, dir := range []string{filepath.Join(root, "containers"), filepath.Join(root, "scratch")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating container dir %s: %w", dir, err)
		}
	}
	return &Registry{
		log:        log,
		root:       root,
		locks:      keymutex.New(),
		sandboxes:  sandboxes,
		modules:    modules,
		dispatcher: dispatcher,
		containers: make(map[string]*models.Container),
		handles:    make(map[string]runtime.Handle),
	}, nil
}

func (r *Registry) statePath(id string) string {
	return filepath.Join(r.root, "containers", id+".json")
}

func (r *Registry) scratchDir(id string) string {
	return filepath.Join(r.root, "scratch", id)
}

func (r *Registry) persist(c *models.Container) error {
	return fsutil.WriteJSONAtomic(r.statePath(c.ID), c)
}

// Create registers a container in its sandbox. The image must already be
// in the module store; Create never pulls.
func (r *Registry) Create(ctx context.Context, sandboxID string, spec models.ContainerSpec) (string, error) {
	sb, err := r.sandboxes.Get(sandboxID)
	if err != nil {
		return "", err
	}
	if spec.Metadata.Name == "" {
		return "", errdefs.Wrapf(errdefs.ErrInvalidArgument, "container metadata requires a name")
	}

	cached, ok := r.modules.Lookup(spec.Image)
	if !ok {
		return "", errdefs.Wrapf(errdefs.ErrImageNotResolved, "image %q has not been pulled", spec.Image)
	}

	logPath := spec.LogPath
	if logPath != "" && !filepath.IsAbs(logPath) && sb.LogDirectory != "" {
		logPath = filepath.Join(sb.LogDirectory, logPath)
	}

	c := &models.Container{
		ID:        uuid.NewString(),
		SandboxID: sandboxID,
		Metadata:  spec.Metadata,
		Image: models.ContainerImage{
			Reference: spec.Image,
			Digest:    cached.Digest,
			LocalPath: cached.LocalPath,
		},
		State:       models.ContainerCreated,
		CreatedAt:   time.Now().UTC(),
		Command:     spec.Command,
		Args:        spec.Args,
		Env:         spec.Env,
		LogPath:     logPath,
		Labels:      spec.Labels,
		Annotations: spec.Annotations,
	}

	if err := r.persist(c); err != nil {
		return "", fmt.Errorf("persisting container: %w", err)
	}

	r.mu.Lock()
	r.containers[c.ID] = c
	r.mu.Unlock()

	// Evict checks usage under the store lock, so once the insert above is
	// visible one re-check settles the race with a concurrent eviction.
	if !r.modules.Has(c.Image.Digest) {
		r.mu.Lock()
		delete(r.containers, c.ID)
		r.mu.Unlock()
		os.Remove(r.statePath(c.ID))
		return "", errdefs.Wrapf(errdefs.ErrImageNotResolved, "image %q was evicted during create", spec.Image)
	}

	r.log.Info("container created", map[string]interface{}{
		"container": c.ID,
		"sandbox":   sandboxID,
		"name":      spec.Metadata.Name,
		"image":     spec.Image,
	})
	return c.ID, nil
}

// Start hands the container's module to the sandbox's backend and begins
// watching for its exit.
func (r *Registry) Start(ctx context.Context, id string) error {
	r.locks.LockKey(id)
	defer r.locks.UnlockKey(id)

	r.mu.RLock()
	c, ok := r.containers[id]
	r.mu.RUnlock()
	if !ok {
		return errdefs.NotFound("container", id)
	}
	if err := models.ValidateContainerTransition(id, c.State, models.ContainerRunning); err != nil {
		return err
	}

	sb, err := r.sandboxes.Get(c.SandboxID)
	if err != nil {
		return err
	}
	backend, err := r.dispatcher.Lookup(sb.RuntimeHandler)
	if err != nil {
		return err
	}

	scratch := r.scratchDir(id)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}

	// sandbox annotations apply to every container in the pod; container
	// annotations win on conflict
	annotations := make(map[string]string, len(sb.Annotations)+len(c.Annotations))
	for k, v := range sb.Annotations {
		annotations[k] = v
	}
	for k, v := range c.Annotations {
		annotations[k] = v
	}

	handle, err := backend.Start(ctx, runtime.StartSpec{
		ContainerID: id,
		ModulePath:  c.Image.LocalPath,
		Args:        append(append([]string{}, c.Command...), c.Args...),
		Env:         c.Env,
		Annotations: annotations,
		LogPath:     c.LogPath,
		ScratchDir:  scratch,
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	r.mu.Lock()
	c.State = models.ContainerRunning
	c.StartedAt = &now
	cp := *c
	r.handles[id] = handle
	r.mu.Unlock()

	if err := r.persist(&cp); err != nil {
		// the workload is already up but the record is not durable; take
		// it back down and restore Created so a retry can start it again
		handle.Kill()
		r.mu.Lock()
		c.State = models.ContainerCreated
		c.StartedAt = nil
		delete(r.handles, id)
		r.mu.Unlock()
		return fmt.Errorf("persisting container: %w", err)
	}

	go r.watch(id, handle)

	r.log.Info("container started", map[string]interface{}{
		"container": id,
		"backend":   backend.Name(),
	})
	return nil
}

// watch blocks on the handle and records the exit. It is spawned once per
// Start and never holds the key lock while waiting.
func (r *Registry) watch(id string, handle runtime.Handle) {
	status, waitErr := handle.Wait(context.Background())

	r.locks.LockKey(id)
	defer r.locks.UnlockKey(id)
	r.recordExit(id, status, waitErr)
}

// recordExit moves a Running container to Exited. Callers hold the key
// lock. It is a no-op once the container left Running, so the watcher and
// Stop can both call it.
func (r *Registry) recordExit(id string, status runtime.ExitStatus, waitErr error) {
	r.mu.Lock()
	c, ok := r.containers[id]
	if !ok || c.State != models.ContainerRunning {
		r.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	code := status.Code
	c.State = models.ContainerExited
	c.FinishedAt = &now
	c.ExitCode = &code
	if waitErr != nil {
		c.Reason = "Error"
	} else if code == 0 {
		c.Reason = "Completed"
	} else {
		c.Reason = "Error"
	}
	cp := *c
	delete(r.handles, id)
	r.mu.Unlock()

	if err := r.persist(&cp); err != nil {
		r.log.Error("persisting exited container", map[string]interface{}{
			"container": id, "error": err.Error(),
		})
	}

	fields := map[string]interface{}{"container": id, "exit_code": code}
	if waitErr != nil {
		fields["error"] = waitErr.Error()
	}
	r.log.Info("container exited", fields)
}

// Stop brings a Running container down: a graceful signal first, then a
// kill once the timeout passes. timeout <= 0 kills immediately. Stopping a
// container in any other state is an invalid transition.
func (r *Registry) Stop(ctx context.Context, id string, timeout time.Duration) error {
	r.locks.LockKey(id)
	r.mu.RLock()
	c, ok := r.containers[id]
	var state models.ContainerState
	if ok {
		state = c.State
	}
	handle := r.handles[id]
	r.mu.RUnlock()

	if !ok {
		r.locks.UnlockKey(id)
		return errdefs.NotFound("container", id)
	}
	if err := models.ValidateContainerTransition(id, state, models.ContainerExited); err != nil {
		r.locks.UnlockKey(id)
		return err
	}
	if handle == nil {
		// running on record but nothing to observe, only possible after a
		// daemon restart
		r.recordUnknown(id, "lost across daemon restart")
		r.locks.UnlockKey(id)
		return nil
	}

	// release the key lock while waiting so recordExit can take it
	r.locks.UnlockKey(id)

	if timeout > 0 {
		if err := handle.SignalStop(ctx); err != nil {
			return errdefs.Wrapf(errdefs.ErrBackendFailure, "signalling stop: %v", err)
		}
		graceCtx, cancel := context.WithTimeout(ctx, timeout)
		_, waitErr := handle.Wait(graceCtx)
		cancel()
		if waitErr == nil {
			r.locks.LockKey(id)
			defer r.locks.UnlockKey(id)
			status, waitErr := handle.Wait(context.Background())
			r.recordExit(id, status, waitErr)
			return nil
		}
	}

	if err := handle.Kill(); err != nil {
		return errdefs.Wrapf(errdefs.ErrBackendFailure, "killing workload: %v", err)
	}
	killCtx, cancel := context.WithTimeout(context.Background(), killWaitTimeout)
	defer cancel()
	status, waitErr := handle.Wait(killCtx)
	if waitErr != nil && killCtx.Err() != nil {
		r.locks.LockKey(id)
		defer r.locks.UnlockKey(id)
		r.recordUnknown(id, "workload did not exit after kill")
		return nil
	}

	r.locks.LockKey(id)
	defer r.locks.UnlockKey(id)
	r.recordExit(id, status, waitErr)
	return nil
}

// recordUnknown moves a Running container to Unknown. Callers hold the key
// lock.
func (r *Registry) recordUnknown(id, reason string) {
	r.mu.Lock()
	c, ok := r.containers[id]
	if !ok || c.State != models.ContainerRunning {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	c.State = models.ContainerUnknown
	c.FinishedAt = &now
	c.Reason = reason
	cp := *c
	delete(r.handles, id)
	r.mu.Unlock()

	if err := r.persist(&cp); err != nil {
		r.log.Error("persisting unknown container", map[string]interface{}{
			"container": id, "error": err.Error(),
		})
	}
	r.log.Warn("container state unknown", map[string]interface{}{
		"container": id, "reason": reason,
	})
}

// Remove deletes a container record and its scratch space. Running
// containers must be stopped first.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.locks.LockKey(id)
	defer r.locks.UnlockKey(id)

	r.mu.RLock()
	c, ok := r.containers[id]
	r.mu.RUnlock()
	if !ok {
		return errdefs.NotFound("container", id)
	}
	if c.State == models.ContainerRunning {
		return errdefs.Wrapf(errdefs.ErrContainerRunning, "container %s must be stopped before removal", id)
	}

	if err := os.Remove(r.statePath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing container state: %w", err)
	}
	if err := os.RemoveAll(r.scratchDir(id)); err != nil {
		return fmt.Errorf("removing scratch dir: %w", err)
	}

	r.mu.Lock()
	delete(r.containers, id)
	delete(r.handles, id)
	r.mu.Unlock()

	r.log.Info("container removed", map[string]interface{}{"container": id})
	return nil
}

// Get returns a copy of the container record.
func (r *Registry) Get(id string) (*models.Container, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, errdefs.NotFound("container", id)
	}
	cp := *c
	return &cp, nil
}

// List returns copies of all containers passing the filter.
func (r *Registry) List(filter *models.ContainerFilter) []*models.Container {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Container, 0, len(r.containers))
	for _, c := range r.containers {
		if filter.Matches(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

// CountByState returns container totals for metrics and status reporting.
func (r *Registry) CountByState() map[models.ContainerState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[models.ContainerState]int)
	for _, c := range r.containers {
		counts[c.State]++
	}
	return counts
}

// LiveContainers implements sandbox.ContainerReaper.
func (r *Registry) LiveContainers(sandboxID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.containers {
		if c.SandboxID == sandboxID && c.IsLive() {
			n++
		}
	}
	return n
}

// StopAll implements sandbox.ContainerReaper by force-stopping every
// running container in the sandbox.
func (r *Registry) StopAll(ctx context.Context, sandboxID string) error {
	for _, c := range r.List(&models.ContainerFilter{SandboxID: sandboxID}) {
		if c.State != models.ContainerRunning {
			continue
		}
		// the container may have exited on its own since the List
		if err := r.Stop(ctx, c.ID, 0); err != nil && !errors.Is(err, errdefs.ErrInvalidStateTransition) {
			return err
		}
	}
	return nil
}

// RemoveAll implements sandbox.ContainerReaper.
func (r *Registry) RemoveAll(ctx context.Context, sandboxID string) error {
	for _, c := range r.List(&models.ContainerFilter{SandboxID: sandboxID}) {
		if err := r.Remove(ctx, c.ID); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			return err
		}
	}
	return nil
}

// ModuleInUse implements store.UsageChecker. A module is pinned while any
// live container references its digest.
func (r *Registry) ModuleInUse(d digest.Digest) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.containers {
		if c.Image.Digest == d && c.IsLive() {
			return true
		}
	}
	return false
}

// Load rebuilds the registry from disk. Containers recorded as Running
// have no workload to reattach to, so they come back Unknown.
func (r *Registry) Load() error {
	paths, err := filepath.Glob(filepath.Join(r.root, "containers", "*.json"))
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range paths {
		var c models.Container
		if err := fsutil.ReadJSON(p, &c); err != nil {
			r.log.Warn("skipping unreadable container state", map[string]interface{}{
				"path": p, "error": err.Error(),
			})
			continue
		}
		if c.State == models.ContainerRunning {
			now := time.Now().UTC()
			c.State = models.ContainerUnknown
			c.FinishedAt = &now
			c.Reason = "lost across daemon restart"
			if err := fsutil.WriteJSONAtomic(p, &c); err != nil {
				r.log.Error("persisting recovered container", map[string]interface{}{
					"container": c.ID, "error": err.Error(),
				})
			}
		}
		r.containers[c.ID] = &c
	}

	r.log.Info("container registry loaded", map[string]interface{}{"containers": len(r.containers)})
	return nil
}
