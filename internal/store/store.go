// Package store keeps pulled wasm modules on local disk, keyed by the
// manifest digest their reference resolved to. Layout under the root:
//
//	modules/sha256/<hex>/module.wasm
//	modules/sha256/<hex>/meta.json
//	staging/
//
// Entries become visible only after the module file has been renamed into
// place and its meta.json written, so a crash mid-pull leaves at most a
// stray staging file.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/wasmpod/wasmpod/internal/distribution"
	"github.com/wasmpod/wasmpod/pkg/errdefs"
	"github.com/wasmpod/wasmpod/pkg/fsutil"
	"github.com/wasmpod/wasmpod/pkg/logging"
	"github.com/wasmpod/wasmpod/pkg/models"
)

// ModuleFileName is the fixed name of the module blob inside its cache dir.
const ModuleFileName = "module.wasm"

const metaFileName = "meta.json"

// UsageChecker reports whether any live container still runs a module.
// The container registry implements it; Evict consults it.
type UsageChecker interface {
	ModuleInUse(d digest.Digest) bool
}

// ModuleStore is the content-addressed cache of pulled modules.
type ModuleStore struct {
	root     string
	resolver distribution.Resolver
	log      *logging.Logger

	mu      sync.RWMutex
	modules map[digest.Digest]*models.CachedModule

	usage UsageChecker

	// refGroup collapses concurrent resolves of one reference into one
	// registry round trip; pullGroup collapses cache misses that resolved
	// to the same digest into one fetch.
	refGroup  singleflight.Group
	pullGroup singleflight.Group
}

// NewModuleStore creates a store rooted at root. Call Load to pick up
// entries from a previous run.
func NewModuleStore(root string, resolver distribution.Resolver, log *logging.Logger) (*ModuleStore, error) {
	for _, dir := range []string{filepath.Join(root, "modules"), filepath.Join(root, "staging")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store dir %s: %w", dir, err)
		}
	}
	return &ModuleStore{
		root:     root,
		resolver: resolver,
		log:      log,
		modules:  make(map[digest.Digest]*models.CachedModule),
	}, nil
}

// SetUsageChecker wires the container registry in after construction.
func (s *ModuleStore) SetUsageChecker(u UsageChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = u
}

func (s *ModuleStore) dirFor(d digest.Digest) string {
	return filepath.Join(s.root, "modules", d.Algorithm().String(), d.Encoded())
}

// Resolve returns the cached module for reference, pulling it if the cache
// has no entry for the digest the reference currently points at. Concurrent
// calls for the same reference share one registry round trip; misses that
// resolve to the same digest, under any reference, share one pull.
func (s *ModuleStore) Resolve(ctx context.Context, reference string) (*models.CachedModule, error) {
	v, err, _ := s.refGroup.Do(reference, func() (interface{}, error) {
		return s.resolve(ctx, reference)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.CachedModule), nil
}

func (s *ModuleStore) resolve(ctx context.Context, reference string) (*models.CachedModule, error) {
	d, err := s.resolver.Resolve(ctx, reference)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	cached, ok := s.modules[d]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := s.pullGroup.Do(d.String(), func() (interface{}, error) {
		// another reference may have landed this digest while we raced here
		s.mu.RLock()
		cached, ok := s.modules[d]
		s.mu.RUnlock()
		if ok {
			return cached, nil
		}
		s.log.Info("pulling module", map[string]interface{}{
			"reference": reference,
			"digest":    d.String(),
		})
		return s.pull(ctx, reference)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.CachedModule), nil
}

func (s *ModuleStore) pull(ctx context.Context, reference string) (*models.CachedModule, error) {
	staged := filepath.Join(s.root, "staging", "pull-"+uuid.NewString())
	d, err := s.resolver.Pull(ctx, reference, staged)
	if err != nil {
		os.Remove(staged)
		return nil, err
	}

	info, err := os.Stat(staged)
	if err != nil {
		os.Remove(staged)
		return nil, errdefs.Wrapf(errdefs.ErrDistributionFailure, "pulled module missing from staging: %v", err)
	}

	dir := s.dirFor(d)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		os.Remove(staged)
		return nil, fmt.Errorf("creating module dir: %w", err)
	}
	modulePath := filepath.Join(dir, ModuleFileName)
	if err := os.Rename(staged, modulePath); err != nil {
		os.Remove(staged)
		return nil, fmt.Errorf("committing module: %w", err)
	}

	m := &models.CachedModule{
		Digest:    d,
		Reference: reference,
		LocalPath: modulePath,
		SizeBytes: info.Size(),
		PulledAt:  time.Now().UTC(),
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(dir, metaFileName), m); err != nil {
		return nil, fmt.Errorf("writing module metadata: %w", err)
	}

	s.mu.Lock()
	s.modules[d] = m
	s.mu.Unlock()

	s.log.Info("module cached", map[string]interface{}{
		"reference": reference,
		"digest":    d.String(),
		"size":      info.Size(),
	})
	return m, nil
}

// Get returns the cached module for a digest.
func (s *ModuleStore) Get(d digest.Digest) (*models.CachedModule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[d]
	if !ok {
		return nil, errdefs.NotFound("module", d.String())
	}
	return m, nil
}

// Has reports whether a module is cached.
func (s *ModuleStore) Has(d digest.Digest) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.modules[d]
	return ok
}

// Lookup finds a cached module by the reference it was pulled under, or by
// its digest string. It never touches the registry, so a hit only means the
// reference resolved to this digest at pull time.
func (s *ModuleStore) Lookup(referenceOrDigest string) (*models.CachedModule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, err := digest.Parse(referenceOrDigest); err == nil {
		m, ok := s.modules[d]
		return m, ok
	}
	for _, m := range s.modules {
		if m.Reference == referenceOrDigest {
			return m, true
		}
	}
	return nil, false
}

// Evict removes a module from the cache. Modules still used by a live
// container are protected.
func (s *ModuleStore) Evict(d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[d]
	if !ok {
		return errdefs.NotFound("module", d.String())
	}
	if s.usage != nil && s.usage.ModuleInUse(d) {
		return errdefs.Wrapf(errdefs.ErrModuleInUse, "module %s has live containers", d)
	}
	if err := os.RemoveAll(s.dirFor(d)); err != nil {
		return fmt.Errorf("removing module %s: %w", d, err)
	}
	delete(s.modules, d)
	s.log.Info("module evicted", map[string]interface{}{"digest": d.String(), "reference": m.Reference})
	return nil
}

// List returns all cached modules.
func (s *ModuleStore) List() []*models.CachedModule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.CachedModule, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, m)
	}
	return out
}

// UsedBytes sums the sizes of all cached modules.
func (s *ModuleStore) UsedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, m := range s.modules {
		total += m.SizeBytes
	}
	return total
}

// ModuleCount returns the number of cached modules.
func (s *ModuleStore) ModuleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.modules)
}

// Root returns the store root directory.
func (s *ModuleStore) Root() string {
	return s.root
}

// Load rebuilds the in-memory index from meta.json files on disk and clears
// leftover staging files. Entries whose module blob is gone are dropped.
func (s *ModuleStore) Load() error {
	metas, err := filepath.Glob(filepath.Join(s.root, "modules", "*", "*", metaFileName))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, metaPath := range metas {
		var m models.CachedModule
		if err := fsutil.ReadJSON(metaPath, &m); err != nil {
			s.log.Warn("skipping unreadable module metadata", map[string]interface{}{
				"path": metaPath, "error": err.Error(),
			})
			continue
		}
		if _, err := os.Stat(m.LocalPath); err != nil {
			s.log.Warn("dropping module entry without blob", map[string]interface{}{
				"digest": m.Digest.String(),
			})
			os.RemoveAll(filepath.Dir(metaPath))
			continue
		}
		s.modules[m.Digest] = &m
	}

	stale, _ := filepath.Glob(filepath.Join(s.root, "staging", "pull-*"))
	for _, f := range stale {
		os.Remove(f)
	}

	s.log.Info("module store loaded", map[string]interface{}{"modules": len(s.modules)})
	return nil
}
