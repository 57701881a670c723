package runtime

import (
	"sync"

	"github.com/wasmpod/wasmpod/pkg/errdefs"
)

// DefaultHandler is used when a sandbox names no runtime handler.
const DefaultHandler = "wasi"

// Dispatcher maps runtime handler names to backends.
type Dispatcher struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{backends: make(map[string]Backend)}
}

// Register adds a backend under its own name, replacing any previous
// backend of that name.
func (d *Dispatcher) Register(b Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends[b.Name()] = b
}

// Lookup returns the backend for a handler name. The empty name selects
// DefaultHandler.
func (d *Dispatcher) Lookup(handler string) (Backend, error) {
	if handler == "" {
		handler = DefaultHandler
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.backends[handler]
	if !ok {
		return nil, errdefs.Wrapf(errdefs.ErrUnknownRuntimeHandler, "no backend registered for handler %q", handler)
	}
	return b, nil
}

// Handlers lists the registered handler names.
func (d *Dispatcher) Handlers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.backends))
	for name := range d.backends {
		names = append(names, name)
	}
	return names
}
