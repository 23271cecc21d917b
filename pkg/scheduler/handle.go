package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/procdriver/pkg/script"
)

// Status is the lifecycle state of a queued task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Handle tracks a submitted task. It implements script.Handle.
type Handle struct {
	id     string
	task   script.Task
	ctx    context.Context
	queued time.Time
	done   chan struct{}

	mu     sync.Mutex
	status Status
	res    *script.Result
	err    error
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// Name returns the task name.
func (h *Handle) Name() string { return h.task.Name }

// Lane returns the task's lane.
func (h *Handle) Lane() string { return h.task.Lane }

// Done is closed once the task has a sealed result.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status returns the task's current status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Wait blocks until the task is sealed or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*script.Result, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.res, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// start moves a queued task to running. It returns false if the task was
// cancelled first.
func (h *Handle) start() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusQueued {
		return false
	}
	h.status = StatusRunning
	return true
}

func (h *Handle) cancel() bool {
	h.mu.Lock()
	if h.status != StatusQueued {
		h.mu.Unlock()
		return false
	}
	h.status = StatusCancelled
	h.err = ErrCancelled
	h.mu.Unlock()
	close(h.done)
	return true
}

func (h *Handle) seal(res *script.Result, err error, status Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusCancelled || h.status == StatusSucceeded || h.status == StatusFailed {
		return
	}
	h.status = status
	h.res = res
	h.err = err
	close(h.done)
}
