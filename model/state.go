package model

import (
	"fmt"
	"time"
)

// RunState is the state of an instance.
type RunState int

// Run states of an instance. The numeric values are persisted.
const (
	RunStateWaiting   RunState = 10
	RunStateRunning   RunState = 20
	RunStatePaused    RunState = 30
	RunStateCompleted RunState = 40
	RunStateCanceled  RunState = 50
)

var runStateNames = map[RunState]string{
	RunStateWaiting:   "WAITING",
	RunStateRunning:   "RUNNING",
	RunStatePaused:    "PAUSED",
	RunStateCompleted: "COMPLETED",
	RunStateCanceled:  "CANCELED",
}

// Groups of run states used as update predicates.
var (
	PausableRunStates   = []RunState{RunStateWaiting, RunStateRunning}
	RunnableRunStates   = []RunState{RunStateWaiting, RunStateRunning}
	TerminableRunStates = []RunState{RunStateWaiting, RunStateRunning, RunStatePaused}
)

func (s RunState) String() string {
	if name, ok := runStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RunState(%d)", int(s))
}

// Valid returns whether s is a known run state.
func (s RunState) Valid() bool {
	_, ok := runStateNames[s]
	return ok
}

// IsTerminal returns whether s is COMPLETED or CANCELED.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateCanceled
}

// IsFailure returns whether s is CANCELED.
func (s RunState) IsFailure() bool {
	return s == RunStateCanceled
}

// IsPausable returns whether an instance in s can be paused.
func (s RunState) IsPausable() bool {
	return containsRunState(PausableRunStates, s)
}

// IsTerminable returns whether an instance in s can still be terminated.
func (s RunState) IsTerminable() bool {
	return containsRunState(TerminableRunStates, s)
}

func containsRunState(states []RunState, s RunState) bool {
	for _, state := range states {
		if state == s {
			return true
		}
	}
	return false
}

// ExecuteState is the state of a task.
type ExecuteState int

// Execute states of a task. Every state above ExecuteStateCompleted is a
// CANCELED variant tagging the cause of the failure.
const (
	ExecuteStateWaiting   ExecuteState = 10
	ExecuteStateExecuting ExecuteState = 20
	ExecuteStatePaused    ExecuteState = 30
	ExecuteStateCompleted ExecuteState = 40

	ExecuteStateDispatchFailed   ExecuteState = 50
	ExecuteStateInitException    ExecuteState = 51
	ExecuteStateExecuteFailed    ExecuteState = 52
	ExecuteStateExecuteTimeout   ExecuteState = 53
	ExecuteStateExecuteCollided  ExecuteState = 54
	ExecuteStateWaitingCanceled  ExecuteState = 55
	ExecuteStateExecuteAborted   ExecuteState = 56
	ExecuteStateVerifyFailed     ExecuteState = 57
	ExecuteStateManualCanceled   ExecuteState = 58
	ExecuteStateBroadcastAborted ExecuteState = 59
	ExecuteStateShutdownCanceled ExecuteState = 60
)

var executeStateNames = map[ExecuteState]string{
	ExecuteStateWaiting:          "WAITING",
	ExecuteStateExecuting:        "EXECUTING",
	ExecuteStatePaused:           "PAUSED",
	ExecuteStateCompleted:        "COMPLETED",
	ExecuteStateDispatchFailed:   "DISPATCH_FAILED",
	ExecuteStateInitException:    "INIT_EXCEPTION",
	ExecuteStateExecuteFailed:    "EXECUTE_FAILED",
	ExecuteStateExecuteTimeout:   "EXECUTE_TIMEOUT",
	ExecuteStateExecuteCollided:  "EXECUTE_COLLIDED",
	ExecuteStateWaitingCanceled:  "WAITING_CANCELED",
	ExecuteStateExecuteAborted:   "EXECUTE_ABORTED",
	ExecuteStateVerifyFailed:     "VERIFY_FAILED",
	ExecuteStateManualCanceled:   "MANUAL_CANCELED",
	ExecuteStateBroadcastAborted: "BROADCAST_ABORTED",
	ExecuteStateShutdownCanceled: "SHUTDOWN_CANCELED",
}

// Groups of execute states used as update predicates.
var (
	ExecutableExecuteStates = []ExecuteState{ExecuteStateWaiting, ExecuteStatePaused}
	PausableExecuteStates   = []ExecuteState{ExecuteStateWaiting, ExecuteStateExecuting}
)

func (s ExecuteState) String() string {
	if name, ok := executeStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ExecuteState(%d)", int(s))
}

// Valid returns whether s is a known execute state.
func (s ExecuteState) Valid() bool {
	_, ok := executeStateNames[s]
	return ok
}

// RunState maps s to the run state it represents.
func (s ExecuteState) RunState() RunState {
	switch s {
	case ExecuteStateWaiting:
		return RunStateWaiting
	case ExecuteStateExecuting:
		return RunStateRunning
	case ExecuteStatePaused:
		return RunStatePaused
	case ExecuteStateCompleted:
		return RunStateCompleted
	default:
		return RunStateCanceled
	}
}

// IsTerminal returns whether the task can no longer change state.
func (s ExecuteState) IsTerminal() bool {
	return s.RunState().IsTerminal()
}

// IsFailure returns whether s is one of the CANCELED variants.
func (s ExecuteState) IsFailure() bool {
	return s.RunState().IsFailure()
}

// IsExecutable returns whether a task in s may still be delivered to a worker.
func (s ExecuteState) IsExecutable() bool {
	return s == ExecuteStateWaiting || s == ExecuteStatePaused
}

// IsPausable returns whether a task in s can be paused.
func (s ExecuteState) IsPausable() bool {
	return s == ExecuteStateWaiting || s == ExecuteStateExecuting
}

// Operation is the reason why a task is delivered to a worker.
type Operation int

// Operations carried by dispatched tasks.
const (
	OperationTrigger Operation = iota + 1
	OperationPause
	OperationExceptionCancel
	OperationManualCancel
	OperationShutdownResume
	OperationCollisionCancel
)

var operationNames = map[Operation]string{
	OperationTrigger:         "TRIGGER",
	OperationPause:           "PAUSE",
	OperationExceptionCancel: "EXCEPTION_CANCEL",
	OperationManualCancel:    "MANUAL_CANCEL",
	OperationShutdownResume:  "SHUTDOWN_RESUME",
	OperationCollisionCancel: "COLLISION_CANCEL",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

// IsTrigger returns whether o starts the task instead of stopping it.
func (o Operation) IsTrigger() bool {
	return o == OperationTrigger
}

// ToState returns the execute state a task is stopped with under o.
// OperationTrigger has no target state and returns zero.
func (o Operation) ToState() ExecuteState {
	switch o {
	case OperationPause:
		return ExecuteStatePaused
	case OperationExceptionCancel:
		return ExecuteStateExecuteAborted
	case OperationManualCancel:
		return ExecuteStateManualCanceled
	case OperationShutdownResume:
		return ExecuteStateWaiting
	case OperationCollisionCancel:
		return ExecuteStateExecuteCollided
	default:
		return 0
	}
}

// ObtainRunState aggregates the execute states of all tasks of an instance.
// ok is false while any task is WAITING or EXECUTING, which means the
// instance is still active. The returned end time is only meaningful for
// terminal states.
func ObtainRunState(tasks []*Task, now time.Time) (state RunState, endTime time.Time, ok bool) {
	allTerminal, anyFailure, anyPausable := true, false, false
	for _, task := range tasks {
		s := task.ExecuteState
		if !s.IsTerminal() {
			allTerminal = false
		}
		if s.IsFailure() {
			anyFailure = true
		}
		if s.IsPausable() {
			anyPausable = true
		}
	}

	if allTerminal {
		for _, task := range tasks {
			if task.ExecuteEndTime != nil && task.ExecuteEndTime.After(endTime) {
				endTime = *task.ExecuteEndTime
			}
		}
		if endTime.IsZero() {
			endTime = now
		}
		if anyFailure {
			return RunStateCanceled, endTime, true
		}
		return RunStateCompleted, endTime, true
	}
	if anyPausable {
		return 0, time.Time{}, false
	}
	return RunStatePaused, time.Time{}, true
}
