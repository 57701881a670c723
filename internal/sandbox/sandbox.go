// Package sandbox tracks pod sandboxes. A sandbox here is pure
// bookkeeping: a shared identity, log directory, and runtime handler for
// the containers grouped under it. Containers are owned by the container
// registry, which this package reaches only through the ContainerReaper
// interface.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wasmpod/wasmpod/pkg/errdefs"
	"github.com/wasmpod/wasmpod/pkg/fsutil"
	"github.com/wasmpod/wasmpod/pkg/keymutex"
	"github.com/wasmpod/wasmpod/pkg/logging"
	"github.com/wasmpod/wasmpod/pkg/models"
)

// ContainerReaper is what the sandbox registry needs from the container
// registry when a sandbox is stopped or removed.
type ContainerReaper interface {
	// LiveContainers counts Created and Running containers in the sandbox.
	LiveContainers(sandboxID string) int
	// StopAll force-stops every live container in the sandbox.
	StopAll(ctx context.Context, sandboxID string) error
	// RemoveAll removes every container record in the sandbox.
	RemoveAll(ctx context.Context, sandboxID string) error
}

// Registry holds all known sandboxes and persists each one as
// <root>/sandboxes/<id>.json.
type Registry struct {
	log   *logging.Logger
	root  string
	locks *keymutex.KeyMutex

	mu        sync.RWMutex
	sandboxes map[string]*models.PodSandbox

	reaper ContainerReaper
}

func NewRegistry(root string, log *logging.Logger) (*Registry, error) {
	if err := os.MkdirAll(filepath.Join(root, "sandboxes"), 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox dir: %w", err)
	}
	return &Registry{
		log:       log,
		root:      root,
		locks:     keymutex.New(),
		sandboxes: make(map[string]*models.PodSandbox),
	}, nil
}

// SetReaper wires the container registry in after construction. The two
// registries reference each other, so one side has to connect late.
func (r *Registry) SetReaper(reaper ContainerReaper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reaper = reaper
}

func (r *Registry) statePath(id string) string {
	return filepath.Join(r.root, "sandboxes", id+".json")
}

// Create registers a new sandbox in the Ready state and returns its id.
func (r *Registry) Create(config models.SandboxConfig) (string, error) {
	if config.Metadata.Name == "" || config.Metadata.Namespace == "" {
		return "", errdefs.Wrapf(errdefs.ErrInvalidArgument, "sandbox metadata requires name and namespace")
	}

	sb := &models.PodSandbox{
		ID:             uuid.NewString(),
		Metadata:       config.Metadata,
		State:          models.SandboxReady,
		CreatedAt:      time.Now().UTC(),
		RuntimeHandler: config.RuntimeHandler,
		LogDirectory:   config.LogDirectory,
		Labels:         config.Labels,
		Annotations:    config.Annotations,
	}

	if err := fsutil.WriteJSONAtomic(r.statePath(sb.ID), sb); err != nil {
		return "", fmt.Errorf("persisting sandbox: %w", err)
	}

	r.mu.Lock()
	r.sandboxes[sb.ID] = sb
	r.mu.Unlock()

	r.log.Info("sandbox created", map[string]interface{}{
		"sandbox":   sb.ID,
		"name":      sb.Metadata.Name,
		"namespace": sb.Metadata.Namespace,
		"handler":   sb.RuntimeHandler,
	})
	return sb.ID, nil
}

// Get returns a copy of the sandbox record.
func (r *Registry) Get(id string) (*models.PodSandbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.sandboxes[id]
	if !ok {
		return nil, errdefs.Wrapf(errdefs.ErrSandboxNotFound, "sandbox %s", id)
	}
	cp := *sb
	return &cp, nil
}

// List returns copies of all sandboxes passing the filter.
func (r *Registry) List(filter *models.SandboxFilter) []*models.PodSandbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.PodSandbox, 0, len(r.sandboxes))
	for _, sb := range r.sandboxes {
		if filter.Matches(sb) {
			cp := *sb
			out = append(out, &cp)
		}
	}
	return out
}

// Stop force-stops every live container in the sandbox and marks it
// NotReady. Stopping an already stopped sandbox is not an error.
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.locks.LockKey(id)
	defer r.locks.UnlockKey(id)

	r.mu.RLock()
	sb, ok := r.sandboxes[id]
	r.mu.RUnlock()
	if !ok {
		return errdefs.Wrapf(errdefs.ErrSandboxNotFound, "sandbox %s", id)
	}

	if r.reaper != nil {
		if err := r.reaper.StopAll(ctx, id); err != nil {
			return fmt.Errorf("stopping containers of sandbox %s: %w", id, err)
		}
	}

	if sb.State == models.SandboxNotReady {
		return nil
	}
	if err := models.ValidateSandboxTransition(id, sb.State, models.SandboxNotReady); err != nil {
		return err
	}

	r.mu.Lock()
	sb.State = models.SandboxNotReady
	cp := *sb
	r.mu.Unlock()

	if err := fsutil.WriteJSONAtomic(r.statePath(id), &cp); err != nil {
		return fmt.Errorf("persisting sandbox: %w", err)
	}

	r.log.Info("sandbox stopped", map[string]interface{}{"sandbox": id})
	return nil
}

// Remove deletes the sandbox record and its containers. Without force it
// refuses while live containers remain; with force it stops them first.
func (r *Registry) Remove(ctx context.Context, id string, force bool) error {
	r.locks.LockKey(id)
	defer r.locks.UnlockKey(id)

	r.mu.RLock()
	_, ok := r.sandboxes[id]
	r.mu.RUnlock()
	if !ok {
		return errdefs.Wrapf(errdefs.ErrSandboxNotFound, "sandbox %s", id)
	}

	if r.reaper != nil {
		if live := r.reaper.LiveContainers(id); live > 0 {
			if !force {
				return errdefs.Wrapf(errdefs.ErrHasLiveContainers, "sandbox %s has %d live containers", id, live)
			}
			if err := r.reaper.StopAll(ctx, id); err != nil {
				return fmt.Errorf("stopping containers of sandbox %s: %w", id, err)
			}
		}
		if err := r.reaper.RemoveAll(ctx, id); err != nil {
			return fmt.Errorf("removing containers of sandbox %s: %w", id, err)
		}
	}

	if err := os.Remove(r.statePath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing sandbox state: %w", err)
	}

	r.mu.Lock()
	delete(r.sandboxes, id)
	r.mu.Unlock()

	r.log.Info("sandbox removed", map[string]interface{}{"sandbox": id})
	return nil
}

// Count returns sandbox totals per state for metrics and status reporting.
func (r *Registry) Count() (ready, notReady int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sb := range r.sandboxes {
		if sb.State == models.SandboxReady {
			ready++
		} else {
			notReady++
		}
	}
	return ready, notReady
}

// Load rebuilds the registry from disk.
func (r *Registry) Load() error {
	paths, err := filepath.Glob(filepath.Join(r.root, "sandboxes", "*.json"))
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range paths {
		var sb models.PodSandbox
		if err := fsutil.ReadJSON(p, &sb); err != nil {
			r.log.Warn("skipping unreadable sandbox state", map[string]interface{}{
				"path": p, "error": err.Error(),
			})
			continue
		}
		r.sandboxes[sb.ID] = &sb
	}

	r.log.Info("sandbox registry loaded", map[string]interface{}{"sandboxes": len(r.sandboxes)})
	return nil
}
