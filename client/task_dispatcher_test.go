package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pb"
	"github.com/hanfei1991/dagsched/pkg/notifier"
	"github.com/hanfei1991/dagsched/pkg/route"
	"github.com/hanfei1991/dagsched/pkg/srvdiscovery"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockWorkerClient struct {
	mock.Mock
}

func (m *mockWorkerClient) Dispatch(_ context.Context, worker model.Worker, param *model.ExecuteTaskParam) (bool, error) {
	args := m.Called(worker.WorkerID, param.TaskID)
	return args.Bool(0), args.Error(1)
}

func (m *mockWorkerClient) Split(context.Context, model.Worker, *pb.JobRequest) ([]model.SplitTask, error) {
	return nil, nil
}

func (m *mockWorkerClient) Verify(context.Context, model.Worker, *pb.JobRequest) error {
	return nil
}

func (m *mockWorkerClient) Close() error {
	return nil
}

type localReceiver struct {
	mu    sync.Mutex
	tasks []int64
}

func (r *localReceiver) Receive(_ context.Context, param *model.ExecuteTaskParam) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, param.TaskID)
	return true, nil
}

func testWorker(id string) model.Worker {
	return model.Worker{Group: "g", WorkerID: id, Host: "127.0.0.1", Port: 10001}
}

func triggerTask(instanceID, taskID int64, strategy model.RouteStrategy) *model.ExecuteTaskParam {
	return &model.ExecuteTaskParam{
		Operation:     model.OperationTrigger,
		JobID:         1,
		InstanceID:    instanceID,
		TaskID:        taskID,
		RouteStrategy: strategy,
	}
}

type dispatcherTester struct {
	dispatcher *TaskDispatcher
	client     *mockWorkerClient
	clock      *clock.Mock
	events     *notifier.Notifier[model.DispatchFailedEvent]
	cancel     context.CancelFunc
	done       chan struct{}
}

func newDispatcherTester(t *testing.T, workers []model.Worker, opts ...DispatcherOption) *dispatcherTester {
	tester := &dispatcherTester{
		client: &mockWorkerClient{},
		clock:  clock.NewMock(),
		events: notifier.NewNotifier[model.DispatchFailedEvent](),
		done:   make(chan struct{}),
	}
	opts = append(opts, WithClock(tester.clock))
	tester.dispatcher = NewTaskDispatcher(
		srvdiscovery.NewStaticRegistry(workers...),
		route.NewRouters(nil),
		tester.client,
		RetryConfig{MaxCount: 3, BackoffPeriod: time.Second},
		tester.events,
		opts...,
	)
	ctx, cancel := context.WithCancel(context.Background())
	tester.cancel = cancel
	go func() {
		defer close(tester.done)
		_ = tester.dispatcher.Run(ctx)
	}()
	t.Cleanup(func() {
		tester.cancel()
		<-tester.done
		tester.events.Close()
	})
	return tester
}

func TestDispatchToGroupRoundRobin(t *testing.T) {
	t.Parallel()

	tester := newDispatcherTester(t, []model.Worker{testWorker("w1"), testWorker("w2")})
	tester.client.On("Dispatch", mock.Anything, mock.Anything).Return(true, nil)

	var tasks []*model.ExecuteTaskParam
	for i := int64(1); i <= 4; i++ {
		tasks = append(tasks, triggerTask(10, i, model.RouteRoundRobin))
	}
	require.True(t, tester.dispatcher.DispatchToGroup(context.Background(), "g", tasks))

	tester.client.AssertNumberOfCalls(t, "Dispatch", 4)
	perWorker := make(map[string]int)
	for _, task := range tasks {
		require.NotNil(t, task.Worker)
		perWorker[task.Worker.WorkerID]++
	}
	require.Equal(t, map[string]int{"w1": 2, "w2": 2}, perWorker)
	require.Equal(t, 0, tester.dispatcher.Pending())
}

func TestDispatchFailedAfterMaxRetries(t *testing.T) {
	t.Parallel()

	tester := newDispatcherTester(t, []model.Worker{testWorker("w1")})
	tester.client.On("Dispatch", "w1", int64(7)).Return(false, errors.New("connection refused"))
	r := tester.events.NewReceiver()
	defer r.Close()

	ok := tester.dispatcher.DispatchToGroup(context.Background(), "g", []*model.ExecuteTaskParam{
		triggerTask(10, 7, model.RouteRoundRobin),
	})
	require.False(t, ok)
	require.Equal(t, 1, tester.dispatcher.Pending())

	var event model.DispatchFailedEvent
	require.Eventually(t, func() bool {
		select {
		case event = <-r.C:
			return true
		default:
			tester.clock.Add(time.Second)
			return false
		}
	}, 10*time.Second, 5*time.Millisecond)
	require.Equal(t, model.DispatchFailedEvent{JobID: 1, InstanceID: 10, TaskID: 7}, event)

	// one first attempt plus MaxCount retries, then the task is abandoned
	tester.client.AssertNumberOfCalls(t, "Dispatch", 4)
	require.Equal(t, 0, tester.dispatcher.Pending())

	tester.clock.Add(time.Hour)
	select {
	case ev := <-r.C:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	tester.client.AssertNumberOfCalls(t, "Dispatch", 4)
}

func TestDispatchRecoversAfterRetry(t *testing.T) {
	t.Parallel()

	tester := newDispatcherTester(t, []model.Worker{testWorker("w1")})
	delivered := make(chan struct{})
	tester.client.On("Dispatch", "w1", int64(7)).Return(false, nil).Once()
	tester.client.On("Dispatch", "w1", int64(7)).Return(true, nil).Once().Run(func(mock.Arguments) {
		close(delivered)
	})

	ok := tester.dispatcher.DispatchToGroup(context.Background(), "g", []*model.ExecuteTaskParam{
		triggerTask(10, 7, model.RouteRoundRobin),
	})
	require.False(t, ok)
	require.Eventually(t, func() bool {
		select {
		case <-delivered:
			return true
		default:
			tester.clock.Add(time.Second)
			return false
		}
	}, 10*time.Second, 5*time.Millisecond)
	tester.client.AssertExpectations(t)
	require.Equal(t, 0, tester.dispatcher.Pending())
}

func TestDispatchWithoutWorker(t *testing.T) {
	t.Parallel()

	tester := newDispatcherTester(t, nil)
	ok := tester.dispatcher.DispatchToGroup(context.Background(), "g", []*model.ExecuteTaskParam{
		triggerTask(10, 1, model.RouteRandom),
		triggerTask(10, 2, model.RouteRandom),
	})
	require.False(t, ok)
	require.Equal(t, 2, tester.dispatcher.Pending())
	tester.client.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestDispatchToLocalReceiver(t *testing.T) {
	t.Parallel()

	local := testWorker("w1")
	receiver := &localReceiver{}
	tester := newDispatcherTester(t, []model.Worker{local}, WithLocalReceiver(local, receiver))

	ok := tester.dispatcher.DispatchToGroup(context.Background(), "g", []*model.ExecuteTaskParam{
		triggerTask(10, 1, model.RouteLocalPriority),
	})
	require.True(t, ok)
	require.Equal(t, []int64{1}, receiver.tasks)
	tester.client.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestDispatchSpecificWorker(t *testing.T) {
	t.Parallel()

	tester := newDispatcherTester(t, []model.Worker{testWorker("w1"), testWorker("w2")})
	tester.client.On("Dispatch", "w2", int64(3)).Return(true, nil)

	w2 := testWorker("w2")
	stop := &model.ExecuteTaskParam{Operation: model.OperationPause, InstanceID: 10, TaskID: 3, Worker: &w2}
	require.True(t, tester.dispatcher.Dispatch(context.Background(), []*model.ExecuteTaskParam{stop}))
	// a stop request keeps the worker it was sent to
	require.Equal(t, "w2", stop.Worker.WorkerID)

	// trigger tasks and tasks without a worker are rejected
	require.False(t, tester.dispatcher.Dispatch(context.Background(), []*model.ExecuteTaskParam{
		triggerTask(10, 4, model.RouteRoundRobin),
		{Operation: model.OperationPause, TaskID: 5},
	}))
	tester.client.AssertNumberOfCalls(t, "Dispatch", 1)
}

func TestBroadcastKeepsWorker(t *testing.T) {
	t.Parallel()

	tester := newDispatcherTester(t, []model.Worker{testWorker("w1"), testWorker("w2")})
	tester.client.On("Dispatch", "w2", int64(1)).Return(true, nil)

	w2 := testWorker("w2")
	task := triggerTask(10, 1, model.RouteBroadcast)
	task.Worker = &w2
	require.True(t, tester.dispatcher.DispatchToGroup(context.Background(), "g", []*model.ExecuteTaskParam{task}))
	tester.client.AssertExpectations(t)
}
