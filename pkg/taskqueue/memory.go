package taskqueue

import (
	"context"
	"sync"

	"github.com/cuemby/postprocess-forwarder/pkg/types"
)

// MemoryEnqueuer records tasks in-process; used by tests and by
// standalone/dev deployments with no Redis available.
type MemoryEnqueuer struct {
	mu    sync.Mutex
	tasks []Task
}

func NewMemoryEnqueuer() *MemoryEnqueuer {
	return &MemoryEnqueuer{}
}

func (e *MemoryEnqueuer) Enqueue(_ context.Context, kwargs types.EnqueueKwargs) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, newTask(kwargs))
	return nil
}

// Tasks returns a snapshot of everything enqueued so far.
func (e *MemoryEnqueuer) Tasks() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Task, len(e.tasks))
	copy(out, e.tasks)
	return out
}
