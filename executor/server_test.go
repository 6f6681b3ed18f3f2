package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/dagsched/client"
	"github.com/hanfei1991/dagsched/executor/worker"
	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pb"
	"github.com/hanfei1991/dagsched/pkg/errors"
	"github.com/hanfei1991/dagsched/pkg/handler"
)

var testWorker = model.Worker{Group: "g", WorkerID: "w1", Host: "127.0.0.1", Port: 10250}

func newTestServer(t *testing.T, token string) *Server {
	cfg := NewConfig()
	require.NoError(t, cfg.Parse([]string{"--group", "g", "--worker-id", "w1", "--worker-token", token}))
	s := NewServer(cfg)
	s.worker = testWorker
	// supervisor calls are never made by these tests
	var supervisor client.SupervisorClient
	s.runner = worker.NewTaskRunner(testWorker, 1, supervisor, s.Handlers())
	s.WorkerService = NewWorkerService(testWorker.Group, cfg.WorkerToken, s.runner, s.Handlers())
	return s
}

func TestDispatchChecksToken(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "secret")
	ctx := context.Background()

	_, err := s.Dispatch(ctx, &model.ExecuteTaskParam{Operation: model.OperationPause, TaskID: 1, WorkerToken: "wrong"})
	require.True(t, errors.ErrInvalidToken.Equal(err))

	resp, err := s.Dispatch(ctx, &model.ExecuteTaskParam{Operation: model.OperationPause, TaskID: 1, WorkerToken: "secret"})
	require.NoError(t, err)
	require.True(t, resp.Accepted)
}

func TestDispatchAfterShutdown(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "")
	require.NoError(t, s.runner.Shutdown(context.Background()))

	resp, err := s.Dispatch(context.Background(), &model.ExecuteTaskParam{Operation: model.OperationTrigger, TaskID: 1})
	require.NoError(t, err)
	require.False(t, resp.Accepted)
	require.NotEmpty(t, resp.Message)
}

func TestSplitAndVerify(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, "")
	ctx := context.Background()

	resp, err := s.Split(ctx, &pb.JobRequest{JobID: 1, JobHandler: handler.PrimeCountHandlerName, JobParam: `{"max": 100, "parallel": 4}`})
	require.NoError(t, err)
	require.Len(t, resp.Tasks, 4)

	_, err = s.Split(ctx, &pb.JobRequest{JobID: 1, JobHandler: handler.PrimeCountHandlerName, JobParam: `{}`})
	require.True(t, errors.Is(err, errors.ErrSplitJobFailed))

	_, err = s.Verify(ctx, &pb.JobRequest{JobID: 2, JobHandler: handler.NoopHandlerName})
	require.NoError(t, err)

	_, err = s.Verify(ctx, &pb.JobRequest{JobID: 2, JobHandler: handler.PrimeCountHandlerName, JobParam: `{"max": 1}`})
	require.True(t, errors.Is(err, errors.ErrVerifyJobFailed))

	_, err = s.Verify(ctx, &pb.JobRequest{JobID: 3, JobHandler: "unknown"})
	require.True(t, errors.ErrHandlerNotFound.Equal(err))
}
