package worker

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/handler"
)

var testWorker = model.Worker{Group: "g", WorkerID: "w1", Host: "127.0.0.1", Port: 10250}

type mockSupervisor struct {
	mock.Mock
	reports chan *model.StopTaskParam
}

func (m *mockSupervisor) StartTask(_ context.Context, param *model.StartTaskParam) (*model.StartTaskResult, error) {
	args := m.Called(param.TaskID)
	res, _ := args.Get(0).(*model.StartTaskResult)
	return res, args.Error(1)
}

func (m *mockSupervisor) StopTask(_ context.Context, param *model.StopTaskParam) (bool, error) {
	m.reports <- param
	return true, nil
}

func (m *mockSupervisor) UpdateTaskWorker(_ context.Context, taskID int64, worker string) (bool, error) {
	args := m.Called(taskID, worker)
	return args.Bool(0), args.Error(1)
}

func (m *mockSupervisor) Checkpoint(_ context.Context, taskID int64, snapshot string) error {
	args := m.Called(taskID, snapshot)
	return args.Error(0)
}

func (m *mockSupervisor) UpdateTaskErrorMsg(_ context.Context, taskID int64, errorMsg string) error {
	args := m.Called(taskID, errorMsg)
	return args.Error(0)
}

func (m *mockSupervisor) Close() {}

// blockingHandler runs until its stop flag is raised.
type blockingHandler struct {
	handler.Base
	started chan int64
}

func (h *blockingHandler) Execute(ctx context.Context, ec *handler.ExecuteContext) (*handler.Result, error) {
	h.started <- ec.Task.TaskID
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !ec.Stop.IsStopped() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return handler.Stopped(), nil
}

type funcHandler struct {
	handler.Base
	fn func(ctx context.Context, ec *handler.ExecuteContext) (*handler.Result, error)
}

func (h *funcHandler) Execute(ctx context.Context, ec *handler.ExecuteContext) (*handler.Result, error) {
	return h.fn(ctx, ec)
}

type runnerTester struct {
	t       *testing.T
	sup     *mockSupervisor
	runner  *TaskRunner
	started chan int64
}

func newRunnerTester(t *testing.T, capacity int, opts ...TaskRunnerOption) *runnerTester {
	sup := &mockSupervisor{reports: make(chan *model.StopTaskParam, 16)}
	started := make(chan int64, 16)

	handlers := handler.NewRegistry()
	handlers.Register("block", func() handler.JobHandler {
		return &blockingHandler{started: started}
	})
	handlers.Register("fail", func() handler.JobHandler {
		return &funcHandler{fn: func(context.Context, *handler.ExecuteContext) (*handler.Result, error) {
			return handler.Failure("boom"), nil
		}}
	})
	handlers.Register("panic", func() handler.JobHandler {
		return &funcHandler{fn: func(context.Context, *handler.ExecuteContext) (*handler.Result, error) {
			panic("bad task")
		}}
	})
	handlers.Register("slow", func() handler.JobHandler {
		return &funcHandler{fn: func(ctx context.Context, _ *handler.ExecuteContext) (*handler.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
	})
	handlers.Register("checkpoint", func() handler.JobHandler {
		return &funcHandler{fn: func(ctx context.Context, ec *handler.ExecuteContext) (*handler.Result, error) {
			if err := ec.SaveCheckpoint(ctx, "half"); err != nil {
				return nil, err
			}
			return handler.Success(), nil
		}}
	})

	runner := NewTaskRunner(testWorker, capacity, sup, handlers, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runner.Run(ctx)
	}()
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		require.NoError(t, runner.Shutdown(shutdownCtx))
		cancel()
		err := <-done
		require.Error(t, err)
		require.Regexp(t, ".*context canceled.*", err.Error())
	})
	return &runnerTester{t: t, sup: sup, runner: runner, started: started}
}

func (s *runnerTester) expectStart(taskID int64) {
	s.sup.On("StartTask", taskID).Return(&model.StartTaskResult{
		Success: true,
		Task:    &model.Task{TaskID: taskID, InstanceID: taskID * 10},
	}, nil).Once()
}

func (s *runnerTester) receive(op model.Operation, taskID int64, jobHandler string, triggerTime int64) bool {
	ok, err := s.runner.Receive(context.Background(), &model.ExecuteTaskParam{
		Operation:   op,
		TaskID:      taskID,
		InstanceID:  taskID * 10,
		JobID:       1,
		TriggerTime: triggerTime,
		JobHandler:  jobHandler,
	})
	require.NoError(s.t, err)
	return ok
}

func (s *runnerTester) nextReport() *model.StopTaskParam {
	select {
	case report := <-s.sup.reports:
		return report
	case <-time.After(5 * time.Second):
		require.FailNow(s.t, "no stop report")
		return nil
	}
}

func (s *runnerTester) waitStarted(taskID int64) {
	select {
	case id := <-s.started:
		require.Equal(s.t, taskID, id)
	case <-time.After(5 * time.Second):
		require.FailNow(s.t, "task not started")
	}
}

func TestTaskRunnerCompletesTask(t *testing.T) {
	t.Parallel()

	s := newRunnerTester(t, 2)
	s.expectStart(1)
	s.sup.On("Checkpoint", int64(2), "half").Return(nil).Once()
	s.expectStart(2)

	require.True(t, s.receive(model.OperationTrigger, 1, handler.NoopHandlerName, 0))
	report := s.nextReport()
	require.Equal(t, int64(1), report.TaskID)
	require.Equal(t, int64(10), report.InstanceID)
	require.Equal(t, model.OperationTrigger, report.Operation)
	require.Equal(t, model.ExecuteStateCompleted, report.ToState)
	require.Equal(t, testWorker.String(), report.Worker)

	require.True(t, s.receive(model.OperationTrigger, 2, "checkpoint", 0))
	report = s.nextReport()
	require.Equal(t, model.ExecuteStateCompleted, report.ToState)

	require.Eventually(t, func() bool {
		return s.runner.Workload() == 0
	}, time.Second, 10*time.Millisecond)
	require.Zero(t, s.runner.PendingReports())
	s.sup.AssertExpectations(t)
}

func TestTaskRunnerFailures(t *testing.T) {
	t.Parallel()

	s := newRunnerTester(t, 4)

	s.expectStart(1)
	require.True(t, s.receive(model.OperationTrigger, 1, "unknown", 0))
	report := s.nextReport()
	require.Equal(t, model.ExecuteStateInitException, report.ToState)
	require.Contains(t, report.ErrorMsg, "unknown")

	s.expectStart(2)
	require.True(t, s.receive(model.OperationTrigger, 2, "fail", 0))
	report = s.nextReport()
	require.Equal(t, model.ExecuteStateExecuteFailed, report.ToState)
	require.Equal(t, "boom", report.ErrorMsg)

	s.expectStart(3)
	require.True(t, s.receive(model.OperationTrigger, 3, "panic", 0))
	report = s.nextReport()
	require.Equal(t, model.ExecuteStateExecuteFailed, report.ToState)
	require.Contains(t, report.ErrorMsg, "bad task")

	s.sup.On("StartTask", int64(4)).Return(&model.StartTaskResult{Success: false, Message: "task is not waiting"}, nil).Once()
	s.sup.On("StartTask", int64(5)).Return(nil, errors.New("unavailable")).Once()
	require.True(t, s.receive(model.OperationTrigger, 4, handler.NoopHandlerName, 0))
	require.True(t, s.receive(model.OperationTrigger, 5, handler.NoopHandlerName, 0))
	require.Eventually(t, func() bool {
		return s.runner.Workload() == 0
	}, time.Second, 10*time.Millisecond)
	require.Empty(t, s.sup.reports)
	s.sup.AssertExpectations(t)
}

func TestTaskRunnerExecuteTimeout(t *testing.T) {
	t.Parallel()

	s := newRunnerTester(t, 1)
	s.expectStart(1)
	ok, err := s.runner.Receive(context.Background(), &model.ExecuteTaskParam{
		Operation:      model.OperationTrigger,
		TaskID:         1,
		JobHandler:     "slow",
		ExecuteTimeout: 20,
	})
	require.NoError(t, err)
	require.True(t, ok)
	report := s.nextReport()
	require.Equal(t, model.ExecuteStateExecuteTimeout, report.ToState)
}

func TestTaskRunnerCapacity(t *testing.T) {
	t.Parallel()

	s := newRunnerTester(t, 1)
	s.expectStart(1)
	require.True(t, s.receive(model.OperationTrigger, 1, "block", 0))
	s.waitStarted(1)

	// a redelivery of a held task is accepted, another task is refused
	require.True(t, s.receive(model.OperationTrigger, 1, "block", 0))
	require.False(t, s.receive(model.OperationTrigger, 2, "block", 0))
	require.Equal(t, 1, s.runner.Workload())

	require.True(t, s.receive(model.OperationPause, 1, "block", 0))
	report := s.nextReport()
	require.Equal(t, model.OperationPause, report.Operation)
	require.Equal(t, model.ExecuteStatePaused, report.ToState)

	require.Eventually(t, func() bool {
		return s.runner.Workload() == 0
	}, time.Second, 10*time.Millisecond)
	s.expectStart(2)
	require.True(t, s.receive(model.OperationTrigger, 2, "block", 0))
	s.waitStarted(2)

	require.True(t, s.receive(model.OperationManualCancel, 2, "block", 0))
	report = s.nextReport()
	require.Equal(t, model.OperationManualCancel, report.Operation)
	require.Equal(t, model.ExecuteStateManualCanceled, report.ToState)

	// stopping a task that is not held is a no-op
	require.True(t, s.receive(model.OperationExceptionCancel, 3, "block", 0))
	s.sup.AssertExpectations(t)
}

func TestTaskRunnerWaitsForTriggerTime(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newRunnerTester(t, 2, WithClock(clk))
	triggerTime := clk.Now().Add(time.Minute).UnixMilli()

	s.expectStart(1)
	require.True(t, s.receive(model.OperationTrigger, 1, handler.NoopHandlerName, triggerTime))
	require.Equal(t, 1, s.runner.Workload())
	s.sup.AssertNotCalled(t, "StartTask", int64(1))

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return len(s.sup.reports) > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, model.ExecuteStateCompleted, s.nextReport().ToState)

	// a task stopped while waiting never starts
	require.True(t, s.receive(model.OperationTrigger, 2, handler.NoopHandlerName, clk.Now().Add(time.Hour).UnixMilli()))
	require.True(t, s.receive(model.OperationPause, 2, handler.NoopHandlerName, 0))
	require.Eventually(t, func() bool {
		return s.runner.Workload() == 0
	}, time.Second, 10*time.Millisecond)
	s.sup.AssertNotCalled(t, "StartTask", int64(2))
	require.Empty(t, s.sup.reports)
}

func TestTaskRunnerShutdown(t *testing.T) {
	t.Parallel()

	s := newRunnerTester(t, 2)
	s.expectStart(1)
	require.True(t, s.receive(model.OperationTrigger, 1, "block", 0))
	s.waitStarted(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.runner.Shutdown(ctx))
	report := s.nextReport()
	require.Equal(t, model.OperationShutdownResume, report.Operation)
	require.Equal(t, model.ExecuteStateWaiting, report.ToState)
	require.Zero(t, s.runner.Workload())

	require.False(t, s.receive(model.OperationTrigger, 2, "block", 0))
}
