package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"gopkg.in/yaml.v3"

	"github.com/wasmpod/wasmpod/pkg/errdefs"
	"github.com/wasmpod/wasmpod/pkg/logging"
)

// Capability provider ids a wascc workload may bind.
const (
	CapabilityLogging   = "wasmpod:logging"
	CapabilityMessaging = "wasmpod:messaging"
)

// CapabilityManifest is the YAML document carried in the capabilities
// annotation.
type CapabilityManifest struct {
	Capabilities []CapabilityBinding `yaml:"capabilities"`
}

// CapabilityBinding binds one provider to the workload.
type CapabilityBinding struct {
	ID     string            `yaml:"id"`
	Config map[string]string `yaml:"config,omitempty"`
}

// WasccBackend runs actor workloads. Actors must present a signed module
// key through the actor-key annotation and may bind capability providers,
// which are exposed to the guest as host modules.
type WasccBackend struct {
	log *logging.Logger
}

func NewWasccBackend(log *logging.Logger) *WasccBackend {
	return &WasccBackend{log: log.WithField("backend", "wascc")}
}

func (b *WasccBackend) Name() string { return "wascc" }

func (b *WasccBackend) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	actorKey, err := actorKeyFrom(spec.Annotations)
	if err != nil {
		return nil, err
	}
	manifest, err := parseCapabilityManifest(spec.Annotations[CapabilitiesAnnotation])
	if err != nil {
		return nil, err
	}

	moduleBytes, err := os.ReadFile(spec.ModulePath)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrBackendFailure, "reading module: %v", err)
	}

	sink, closeSink, err := openLogSink(spec.LogPath)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := wazero.NewRuntimeWithConfig(runCtx,
		wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	wasi_snapshot_preview1.MustInstantiate(runCtx, r)

	fail := func(err error) (Handle, error) {
		cancel()
		r.Close(context.Background())
		closeSink()
		return nil, err
	}

	if err := b.bindCapabilities(runCtx, r, manifest, sink, actorKey); err != nil {
		return fail(err)
	}

	compiled, err := r.CompileModule(ctx, moduleBytes)
	if err != nil {
		return fail(errdefs.Wrapf(errdefs.ErrBackendFailure, "compiling actor: %v", err))
	}

	cfg := wazero.NewModuleConfig().
		WithName(spec.ContainerID).
		WithStdout(sink).
		WithStderr(sink).
		WithArgs(filepath.Base(spec.ModulePath)).
		WithEnv("ACTOR_KEY", actorKey).
		WithSysWalltime().
		WithSysNanotime()
	for _, k := range sortedKeys(spec.Env) {
		cfg = cfg.WithEnv(k, spec.Env[k])
	}

	h := newModuleHandle(cancel, func() error {
		return r.CloseWithExitCode(context.Background(), ForcedExitCode)
	})

	b.log.Info("starting actor", map[string]interface{}{
		"container": spec.ContainerID,
		"actor_key": actorKey,
	})

	go func() {
		defer closeSink()
		defer r.Close(context.Background())
		_, runErr := r.InstantiateModule(runCtx, compiled, cfg)
		status, waitErr := exitStatusFromRun(runErr)
		b.log.Debug("actor finished", map[string]interface{}{
			"container": spec.ContainerID,
			"exit_code": status.Code,
		})
		h.complete(status, waitErr)
	}()

	return h, nil
}

// bindCapabilities instantiates host modules for the bound providers.
// Logging is always available; everything else must be named in the
// manifest.
func (b *WasccBackend) bindCapabilities(ctx context.Context, r wazero.Runtime, manifest *CapabilityManifest, sink io.Writer, actorKey string) error {
	bound := map[string]bool{CapabilityLogging: true}
	if manifest != nil {
		for _, binding := range manifest.Capabilities {
			switch binding.ID {
			case CapabilityLogging, CapabilityMessaging:
				bound[binding.ID] = true
			default:
				return errdefs.Wrapf(errdefs.ErrInvalidArgument, "unknown capability %q", binding.ID)
			}
		}
	}

	if _, err := r.NewHostModuleBuilder(CapabilityLogging).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, size uint32) {
			msg, ok := mod.Memory().Read(ptr, size)
			if !ok {
				return
			}
			fmt.Fprintf(sink, "[%s] %s\n", levelName(level), msg)
		}).
		Export("log").
		Instantiate(ctx); err != nil {
		return errdefs.Wrapf(errdefs.ErrBackendFailure, "binding logging capability: %v", err)
	}

	if bound[CapabilityMessaging] {
		// loopback broker: published messages land in the container log
		if _, err := r.NewHostModuleBuilder(CapabilityMessaging).
			NewFunctionBuilder().
			WithFunc(func(ctx context.Context, mod api.Module, subjPtr, subjLen, msgPtr, msgLen uint32) {
				subject, ok := mod.Memory().Read(subjPtr, subjLen)
				if !ok {
					return
				}
				msg, ok := mod.Memory().Read(msgPtr, msgLen)
				if !ok {
					return
				}
				fmt.Fprintf(sink, "[publish %s] %s\n", subject, msg)
			}).
			Export("publish").
			Instantiate(ctx); err != nil {
			return errdefs.Wrapf(errdefs.ErrBackendFailure, "binding messaging capability: %v", err)
		}
	}

	return nil
}

func actorKeyFrom(annotations map[string]string) (string, error) {
	key := annotations[ActorKeyAnnotation]
	if key == "" {
		return "", errdefs.Wrapf(errdefs.ErrInvalidArgument, "wascc workloads require the %s annotation", ActorKeyAnnotation)
	}
	// module keys are nkeys-style, M prefix
	if !strings.HasPrefix(key, "M") {
		return "", errdefs.Wrapf(errdefs.ErrInvalidArgument, "malformed actor key %q", key)
	}
	return key, nil
}

func parseCapabilityManifest(raw string) (*CapabilityManifest, error) {
	if raw == "" {
		return nil, nil
	}
	var m CapabilityManifest
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidArgument, "parsing capability manifest: %v", err)
	}
	return &m, nil
}

func levelName(level uint32) string {
	switch level {
	case 0:
		return "error"
	case 1:
		return "warn"
	case 2:
		return "info"
	default:
		return "debug"
	}
}
