package runtime

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wasmpod/wasmpod/pkg/errdefs"
	"github.com/wasmpod/wasmpod/pkg/logging"
)

// WASIBackend runs command modules against wasi_snapshot_preview1. It is
// the default handler.
type WASIBackend struct {
	log *logging.Logger
}

func NewWASIBackend(log *logging.Logger) *WASIBackend {
	return &WASIBackend{log: log.WithField("backend", "wasi")}
}

func (b *WASIBackend) Name() string { return "wasi" }

// Start compiles the module and launches its _start function in a
// goroutine. Compile errors surface here; run results flow through the
// returned handle.
func (b *WASIBackend) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	moduleBytes, err := os.ReadFile(spec.ModulePath)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrBackendFailure, "reading module: %v", err)
	}

	sink, closeSink, err := openLogSink(spec.LogPath)
	if err != nil {
		return nil, err
	}

	// The workload outlives the RPC that started it, so the run context is
	// detached from ctx. Cancelling it is the graceful stop path.
	runCtx, cancel := context.WithCancel(context.Background())
	r := wazero.NewRuntimeWithConfig(runCtx,
		wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	wasi_snapshot_preview1.MustInstantiate(runCtx, r)

	compiled, err := r.CompileModule(ctx, moduleBytes)
	if err != nil {
		cancel()
		r.Close(context.Background())
		closeSink()
		return nil, errdefs.Wrapf(errdefs.ErrBackendFailure, "compiling module: %v", err)
	}

	cfg := wazero.NewModuleConfig().
		WithName(spec.ContainerID).
		WithStdout(sink).
		WithStderr(sink).
		WithArgs(append([]string{filepath.Base(spec.ModulePath)}, spec.Args...)...).
		WithSysWalltime().
		WithSysNanotime()
	for _, k := range sortedKeys(spec.Env) {
		cfg = cfg.WithEnv(k, spec.Env[k])
	}
	if spec.ScratchDir != "" {
		cfg = cfg.WithFSConfig(wazero.NewFSConfig().WithDirMount(spec.ScratchDir, "/"))
	}

	h := newModuleHandle(cancel, func() error {
		return r.CloseWithExitCode(context.Background(), ForcedExitCode)
	})

	go func() {
		defer closeSink()
		defer r.Close(context.Background())
		_, runErr := r.InstantiateModule(runCtx, compiled, cfg)
		status, waitErr := exitStatusFromRun(runErr)
		b.log.Debug("workload finished", map[string]interface{}{
			"container": spec.ContainerID,
			"exit_code": status.Code,
		})
		h.complete(status, waitErr)
	}()

	return h, nil
}

// exitStatusFromRun translates the result of InstantiateModule. A guest
// torn down through its context or through CloseWithExitCode reports
// ForcedExitCode; a trap is a backend failure with exit code 1.
func exitStatusFromRun(err error) (ExitStatus, error) {
	if err == nil {
		return ExitStatus{Code: 0}, nil
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			return ExitStatus{Code: ForcedExitCode}, nil
		}
		return ExitStatus{Code: int(exitErr.ExitCode())}, nil
	}
	return ExitStatus{Code: 1}, errdefs.Wrapf(errdefs.ErrBackendFailure, "module trapped: %v", err)
}

// openLogSink opens the container log for appending, creating parent
// directories as needed. An empty path discards output.
func openLogSink(path string) (io.Writer, func() error, error) {
	if path == "" {
		return io.Discard, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, errdefs.Wrapf(errdefs.ErrBackendFailure, "creating log directory: %v", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, errdefs.Wrapf(errdefs.ErrBackendFailure, "opening log file: %v", err)
	}
	return f, f.Close, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
