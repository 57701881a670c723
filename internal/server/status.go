package server

import (
	"fmt"
	"net/http"
	goruntime "runtime"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/wasmpod/wasmpod/pkg/models"
)

// Status reports runtime conditions, plus host details when verbose is set.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !s.decode(w, r, &req) {
		return
	}

	handlers := s.dispatcher.Handlers()
	sort.Strings(handlers)

	resp := StatusResponse{
		Conditions: []RuntimeCondition{
			{Type: "RuntimeReady", Status: true},
			// wasm workloads get no network namespace, there is nothing to set up
			{Type: "NetworkReady", Status: true, Reason: "NoNetworkSetup"},
		},
		Handlers: handlers,
	}

	if req.Verbose {
		resp.Info = s.verboseInfo()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) verboseInfo() map[string]string {
	ready, notReady := s.sandboxes.Count()
	counts := s.containers.CountByState()

	info := map[string]string{
		"version":            s.version,
		"go_version":         goruntime.Version(),
		"cpus":               fmt.Sprintf("%d", goruntime.NumCPU()),
		"uptime":             time.Since(s.startedAt).Round(time.Second).String(),
		"sandboxes_ready":    fmt.Sprintf("%d", ready),
		"sandboxes_notready": fmt.Sprintf("%d", notReady),
		"containers_running": fmt.Sprintf("%d", counts[models.ContainerRunning]),
		"modules_cached":     fmt.Sprintf("%d", s.modules.ModuleCount()),
		"module_store_bytes": fmt.Sprintf("%d", s.modules.UsedBytes()),
	}

	if hi, err := host.Info(); err == nil {
		info["hostname"] = hi.Hostname
		info["os"] = fmt.Sprintf("%s %s", hi.Platform, hi.PlatformVersion)
		info["kernel"] = hi.KernelVersion
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info["memory_total"] = fmt.Sprintf("%d", vm.Total)
		info["memory_available"] = fmt.Sprintf("%d", vm.Available)
	}
	return info
}
