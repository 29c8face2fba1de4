// Package taskqueue implements the enqueue-only post-process task queue
// boundary described in spec.md §4.6. The core never dequeues or runs
// tasks itself; it only ever pushes a post_process_group task and lets
// a separate task-execution system pick it up.
package taskqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/postprocess-forwarder/pkg/types"
)

// TaskName is the canonical task name enqueued for every dispatchable
// message.
const TaskName = "post_process_group"

// Queue is the logical name tasks are enqueued onto.
const Queue = "post_process_errors"

// Time limits attached to every enqueued task as metadata; enforcement
// is the task-execution system's responsibility, not this package's.
const (
	HardTimeLimit = 120 * time.Second
	SoftTimeLimit = 110 * time.Second
)

// Task is the envelope pushed onto the queue: a task name, its logical
// queue, time limits, and the enqueue kwargs from spec.md §4.5.
type Task struct {
	Name          string              `json:"name"`
	Queue         string              `json:"queue"`
	HardTimeLimit time.Duration       `json:"hard_time_limit"`
	SoftTimeLimit time.Duration       `json:"soft_time_limit"`
	Kwargs        types.EnqueueKwargs `json:"kwargs"`
}

// Enqueuer is the abstract collaborator the forwarder's flush_batch
// stage pushes tasks through. It is enqueue-only by design: nothing in
// this core ever calls a matching Dequeue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kwargs types.EnqueueKwargs) error
}

func newTask(kwargs types.EnqueueKwargs) Task {
	return Task{
		Name:          TaskName,
		Queue:         Queue,
		HardTimeLimit: HardTimeLimit,
		SoftTimeLimit: SoftTimeLimit,
		Kwargs:        kwargs,
	}
}

func marshalTask(kwargs types.EnqueueKwargs) ([]byte, error) {
	return json.Marshal(newTask(kwargs))
}
