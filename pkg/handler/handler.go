package handler

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/errors"
)

// JobHandler is the user code of a job. Split and Verify run where the
// job is triggered, Execute runs on a worker once per task.
type JobHandler interface {
	// Split cuts the job param into task params. A job always has at least
	// one task.
	Split(ctx context.Context, jobParam string) ([]model.SplitTask, error)
	// Verify checks the job param before the job is saved.
	Verify(ctx context.Context, jobParam string) error
	// Execute runs one task. Long running handlers must poll ec.Stop at
	// safe points and return a stopped result once it is raised.
	Execute(ctx context.Context, ec *ExecuteContext) (*Result, error)
}

// Checkpoint persists the progress snapshot of a task, so a task started
// again resumes from it.
type Checkpoint interface {
	Checkpoint(ctx context.Context, taskID int64, snapshot string) error
}

// CheckpointFunc adapts a function to Checkpoint.
type CheckpointFunc func(ctx context.Context, taskID int64, snapshot string) error

// Checkpoint implements Checkpoint.
func (f CheckpointFunc) Checkpoint(ctx context.Context, taskID int64, snapshot string) error {
	return f(ctx, taskID, snapshot)
}

// StopFlag is raised when the supervisor asks a running task to stop.
type StopFlag struct {
	// op is zero until the flag is raised, operations start from one.
	op atomic.Int32
}

// Stop raises the flag with the operation asking for it. Only the first
// call takes effect.
func (f *StopFlag) Stop(op model.Operation) bool {
	return f.op.CompareAndSwap(0, int32(op))
}

// IsStopped returns whether the flag is raised.
func (f *StopFlag) IsStopped() bool {
	return f.op.Load() != 0
}

// Operation returns the operation that raised the flag.
func (f *StopFlag) Operation() model.Operation {
	return model.Operation(f.op.Load())
}

// ExecuteContext is everything a task execution can see.
type ExecuteContext struct {
	Task  *model.Task
	Param *model.ExecuteTaskParam
	// PredecessorInstances holds the tasks of the finished predecessor
	// nodes of a workflow node instance.
	PredecessorInstances []*model.PredecessorInstance
	Stop                 *StopFlag
	Checkpoint           Checkpoint
}

// SaveCheckpoint stores snapshot as the progress of the running task.
func (ec *ExecuteContext) SaveCheckpoint(ctx context.Context, snapshot string) error {
	if ec.Checkpoint == nil {
		return nil
	}
	ec.Task.ExecuteSnapshot = snapshot
	return ec.Checkpoint.Checkpoint(ctx, ec.Task.TaskID, snapshot)
}

// Result codes.
const (
	CodeSuccess = 0
	CodeFailure = -1
)

// Result is the outcome of Execute.
type Result struct {
	Code int
	Msg  string
	// Stopped reports that the task honoured the stop flag and did not
	// finish.
	Stopped bool
}

// Success returns a successful result.
func Success() *Result {
	return &Result{Code: CodeSuccess}
}

// Failure returns a failed result.
func Failure(msg string) *Result {
	return &Result{Code: CodeFailure, Msg: msg}
}

// Stopped returns the result of a task that stopped on request.
func Stopped() *Result {
	return &Result{Code: CodeSuccess, Stopped: true}
}

// IsSuccess returns whether the task completed.
func (r *Result) IsSuccess() bool {
	return r != nil && r.Code == CodeSuccess && !r.Stopped
}

// Base provides the default Split and Verify. Embed it to only implement
// Execute.
type Base struct{}

// Split returns a single task carrying the whole job param.
func (Base) Split(_ context.Context, jobParam string) ([]model.SplitTask, error) {
	return []model.SplitTask{{TaskParam: jobParam}}, nil
}

// Verify accepts any param.
func (Base) Verify(context.Context, string) error {
	return nil
}

// Factory creates a handler for one use.
type Factory func() JobHandler

// Registry maps handler names to factories. The zero value is not usable,
// call NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry holding the builtin handlers.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(NoopHandlerName, func() JobHandler { return &NoopHandler{} })
	r.Register(PrimeCountHandlerName, func() JobHandler { return &PrimeCountHandler{} })
	return r
}

// Register adds or replaces the handler named name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get creates the handler named name.
func (r *Registry) Get(name string) (JobHandler, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.ErrHandlerNotFound.GenWithStackByArgs(name)
	}
	return f(), nil
}

// Has returns whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
