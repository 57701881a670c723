package runtime

import (
	"context"
	"sync"
)

// moduleHandle is the Handle shared by the wazero backends. The backend's
// run goroutine is the only caller of complete; cancel unwinds the guest
// cooperatively and kill closes it with ForcedExitCode.
type moduleHandle struct {
	cancel context.CancelFunc
	kill   func() error

	stopOnce sync.Once
	killOnce sync.Once
	killErr  error

	done    chan struct{}
	status  ExitStatus
	waitErr error
}

func newModuleHandle(cancel context.CancelFunc, kill func() error) *moduleHandle {
	return &moduleHandle{
		cancel: cancel,
		kill:   kill,
		done:   make(chan struct{}),
	}
}

// complete records the terminal status and releases all waiters. The run
// goroutine calls it exactly once.
func (h *moduleHandle) complete(status ExitStatus, err error) {
	h.status = status
	h.waitErr = err
	close(h.done)
}

func (h *moduleHandle) SignalStop(ctx context.Context) error {
	h.stopOnce.Do(h.cancel)
	return nil
}

func (h *moduleHandle) Kill() error {
	h.killOnce.Do(func() {
		h.killErr = h.kill()
	})
	return h.killErr
}

func (h *moduleHandle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	case <-h.done:
		return h.status, h.waitErr
	}
}
