// wasmpodd is the wasmpod daemon: it serves the pod and image lifecycle
// API over a unix socket (or tcp) and runs wasm workloads through the
// registered backends.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wasmpod/wasmpod/internal/container"
	"github.com/wasmpod/wasmpod/internal/distribution"
	"github.com/wasmpod/wasmpod/internal/metrics"
	"github.com/wasmpod/wasmpod/internal/runtime"
	"github.com/wasmpod/wasmpod/internal/sandbox"
	"github.com/wasmpod/wasmpod/internal/server"
	"github.com/wasmpod/wasmpod/internal/store"
	"github.com/wasmpod/wasmpod/pkg/errdefs"
	"github.com/wasmpod/wasmpod/pkg/logging"
	"github.com/wasmpod/wasmpod/pkg/models"
)

// set at build time with -ldflags "-X main.version=..."
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "wasmpodd",
	Short: "wasm pod runtime daemon",
	Long:  `wasmpodd runs WebAssembly workloads grouped into pod sandboxes and serves their lifecycle API on a local socket.`,
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("listen-network", "unix", "listen network: unix or tcp")
	flags.String("listen-address", "/run/wasmpod/wasmpod.sock", "socket path or host:port to listen on")
	flags.String("state-root", "/var/lib/wasmpod", "directory for modules and lifecycle state")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("log-json", false, "emit logs as JSON")
	flags.Bool("registry-plain-http", false, "talk to registries over plain HTTP")
	flags.Duration("shutdown-grace", 10*time.Second, "grace given to live workloads on shutdown")

	viper.SetEnvPrefix("WASMPOD")
	viper.AutomaticEnv()
	for _, name := range []string{
		"listen-network", "listen-address", "state-root",
		"log-level", "log-json", "registry-plain-http", "shutdown-grace",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}

func run(cmd *cobra.Command, args []string) error {
	log, err := logging.NewFileLogger("wasmpodd", logging.ParseLevel(viper.GetString("log-level")), viper.GetBool("log-json"))
	if err != nil {
		return err
	}
	defer log.Close()

	root := viper.GetString("state-root")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating state root: %w", err)
	}

	resolver := distribution.NewClient(viper.GetBool("registry-plain-http"))
	modules, err := store.NewModuleStore(root, resolver, log)
	if err != nil {
		return err
	}
	sandboxes, err := sandbox.NewRegistry(root, log)
	if err != nil {
		return err
	}

	dispatcher := runtime.NewDispatcher()
	dispatcher.Register(runtime.NewWASIBackend(log))
	dispatcher.Register(runtime.NewWasccBackend(log))

	containers, err := container.NewRegistry(root, sandboxes, modules, dispatcher, log)
	if err != nil {
		return err
	}
	sandboxes.SetReaper(containers)
	modules.SetUsageChecker(containers)

	for _, load := range []func() error{modules.Load, sandboxes.Load, containers.Load} {
		if err := load(); err != nil {
			return fmt.Errorf("restoring state: %w", err)
		}
	}

	m := metrics.New(sandboxes, containers, modules)
	srv := server.New(version, sandboxes, containers, modules, dispatcher, m, log)
	router := mux.NewRouter()
	srv.RegisterRoutes(router)

	network := viper.GetString("listen-network")
	address := viper.GetString("listen-address")
	lis, err := server.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listening on %s %s: %w", network, address, err)
	}

	httpServer := &http.Server{
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // pulls can be slow
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(lis)
	}()

	log.Info("daemon started", map[string]interface{}{
		"version": version,
		"network": network,
		"address": address,
		"root":    root,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("shutdown-grace"))
	defer cancel()
	httpServer.Shutdown(shutdownCtx)

	// bring live workloads down before the process exits
	running := models.ContainerRunning
	for _, c := range containers.List(&models.ContainerFilter{State: &running}) {
		err := containers.Stop(shutdownCtx, c.ID, time.Second)
		if err != nil && !errors.Is(err, errdefs.ErrInvalidStateTransition) {
			log.Warn("stopping workload on shutdown", map[string]interface{}{
				"container": c.ID, "error": err.Error(),
			})
		}
	}

	if network == "unix" {
		os.Remove(address)
	}
	log.Info("daemon stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
