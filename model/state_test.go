package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecuteStateMapping(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		state    ExecuteState
		runState RunState
		terminal bool
		failure  bool
	}{
		{ExecuteStateWaiting, RunStateWaiting, false, false},
		{ExecuteStateExecuting, RunStateRunning, false, false},
		{ExecuteStatePaused, RunStatePaused, false, false},
		{ExecuteStateCompleted, RunStateCompleted, true, false},
		{ExecuteStateDispatchFailed, RunStateCanceled, true, true},
		{ExecuteStateInitException, RunStateCanceled, true, true},
		{ExecuteStateExecuteFailed, RunStateCanceled, true, true},
		{ExecuteStateExecuteTimeout, RunStateCanceled, true, true},
		{ExecuteStateExecuteCollided, RunStateCanceled, true, true},
		{ExecuteStateWaitingCanceled, RunStateCanceled, true, true},
		{ExecuteStateExecuteAborted, RunStateCanceled, true, true},
		{ExecuteStateVerifyFailed, RunStateCanceled, true, true},
		{ExecuteStateManualCanceled, RunStateCanceled, true, true},
		{ExecuteStateBroadcastAborted, RunStateCanceled, true, true},
		{ExecuteStateShutdownCanceled, RunStateCanceled, true, true},
	}
	for _, tc := range testCases {
		require.True(t, tc.state.Valid(), tc.state.String())
		require.Equal(t, tc.runState, tc.state.RunState(), tc.state.String())
		require.Equal(t, tc.terminal, tc.state.IsTerminal(), tc.state.String())
		require.Equal(t, tc.failure, tc.state.IsFailure(), tc.state.String())
	}
	require.Len(t, executeStateNames, len(testCases))
}

func TestRunStateGroups(t *testing.T) {
	t.Parallel()

	require.True(t, RunStateWaiting.IsPausable())
	require.True(t, RunStateRunning.IsPausable())
	require.False(t, RunStatePaused.IsPausable())
	require.True(t, RunStatePaused.IsTerminable())
	require.False(t, RunStateCompleted.IsTerminable())
	require.True(t, RunStateCanceled.IsFailure())
	require.False(t, RunStateCompleted.IsFailure())
	require.Equal(t, "RunState(99)", RunState(99).String())

	require.True(t, ExecuteStatePaused.IsExecutable())
	require.False(t, ExecuteStateExecuting.IsExecutable())
	require.True(t, ExecuteStateExecuting.IsPausable())
	require.False(t, ExecuteStatePaused.IsPausable())
}

func TestOperationToState(t *testing.T) {
	t.Parallel()

	require.True(t, OperationTrigger.IsTrigger())
	require.Equal(t, ExecuteState(0), OperationTrigger.ToState())
	require.Equal(t, ExecuteStatePaused, OperationPause.ToState())
	require.True(t, OperationExceptionCancel.ToState().IsFailure())
	require.True(t, OperationManualCancel.ToState().IsFailure())
	require.Equal(t, ExecuteStateWaiting, OperationShutdownResume.ToState())
	require.Equal(t, ExecuteStateExecuteCollided, OperationCollisionCancel.ToState())
}

func tasksWithStates(states ...ExecuteState) []*Task {
	tasks := make([]*Task, 0, len(states))
	for i, s := range states {
		tasks = append(tasks, &Task{TaskID: int64(i + 1), ExecuteState: s})
	}
	return tasks
}

func TestObtainRunState(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	testCases := []struct {
		states   []ExecuteState
		expected RunState
		ok       bool
	}{
		{[]ExecuteState{ExecuteStateCompleted, ExecuteStateCompleted}, RunStateCompleted, true},
		{[]ExecuteState{ExecuteStateCompleted, ExecuteStateExecuteFailed}, RunStateCanceled, true},
		{[]ExecuteState{ExecuteStateManualCanceled}, RunStateCanceled, true},
		{[]ExecuteState{ExecuteStatePaused, ExecuteStateCompleted}, RunStatePaused, true},
		{[]ExecuteState{ExecuteStatePaused, ExecuteStateExecuteTimeout}, RunStatePaused, true},
		{[]ExecuteState{ExecuteStatePaused, ExecuteStateWaiting}, 0, false},
		{[]ExecuteState{ExecuteStateCompleted, ExecuteStateExecuting}, 0, false},
		{[]ExecuteState{ExecuteStateWaiting}, 0, false},
	}
	for _, tc := range testCases {
		state, _, ok := ObtainRunState(tasksWithStates(tc.states...), now)
		require.Equal(t, tc.ok, ok, "%v", tc.states)
		require.Equal(t, tc.expected, state, "%v", tc.states)
	}
}

func TestObtainRunStateEndTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tasks := tasksWithStates(ExecuteStateCompleted, ExecuteStateCompleted, ExecuteStateCompleted)
	early, late := now.Add(-time.Hour), now.Add(-time.Minute)
	tasks[0].ExecuteEndTime = &early
	tasks[1].ExecuteEndTime = &late

	state, endTime, ok := ObtainRunState(tasks, now)
	require.True(t, ok)
	require.Equal(t, RunStateCompleted, state)
	require.Equal(t, late, endTime)

	// canceled tasks that never started have no end time
	state, endTime, ok = ObtainRunState(tasksWithStates(ExecuteStateWaitingCanceled), now)
	require.True(t, ok)
	require.Equal(t, RunStateCanceled, state)
	require.Equal(t, now, endTime)
}
