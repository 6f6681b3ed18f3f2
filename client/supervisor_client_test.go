package client

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pb"
	"github.com/hanfei1991/dagsched/pkg/rpcutil"
)

// mockSupervisor implements the rpc client of the supervisor service.
type mockSupervisor struct {
	mock.Mock
	pb.SupervisorClient
}

func (m *mockSupervisor) StopTask(_ context.Context, in *model.StopTaskParam, _ ...grpc.CallOption) (*pb.BoolResponse, error) {
	args := m.Called(in.TaskID)
	if resp := args.Get(0); resp != nil {
		return resp.(*pb.BoolResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSupervisor) Checkpoint(_ context.Context, in *pb.CheckpointRequest, _ ...grpc.CallOption) (*pb.BoolResponse, error) {
	args := m.Called(in.TaskID, in.Snapshot)
	return &pb.BoolResponse{Success: true}, args.Error(0)
}

func newTestSupervisorClient(t *testing.T, sup *mockSupervisor) *supervisorClient {
	dial := func(context.Context, string) (pb.SupervisorClient, io.Closer, error) {
		return sup, nil, nil
	}
	clients, err := rpcutil.NewFailoverRpcClients(context.Background(), []string{"127.0.0.1:10000"}, dial)
	require.NoError(t, err)
	cli := newSupervisorClient(clients, time.Second)
	t.Cleanup(cli.Close)
	return cli
}

func TestStopTaskRetries(t *testing.T) {
	t.Parallel()

	sup := &mockSupervisor{}
	sup.On("StopTask", int64(5)).Return(nil, errors.New("unavailable")).Once()
	sup.On("StopTask", int64(5)).Return(&pb.BoolResponse{Success: true}, nil).Once()
	cli := newTestSupervisorClient(t, sup)

	ok, err := cli.StopTask(context.Background(), &model.StopTaskParam{TaskID: 5, ToState: model.ExecuteStateCompleted})
	require.NoError(t, err)
	require.True(t, ok)
	sup.AssertExpectations(t)
}

func TestStopTaskGivesUpWithContext(t *testing.T) {
	t.Parallel()

	sup := &mockSupervisor{}
	sup.On("StopTask", int64(5)).Return(nil, errors.New("unavailable"))
	cli := newTestSupervisorClient(t, sup)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := cli.StopTask(ctx, &model.StopTaskParam{TaskID: 5})
	require.Error(t, err)
}

func TestCheckpoint(t *testing.T) {
	t.Parallel()

	sup := &mockSupervisor{}
	sup.On("Checkpoint", int64(5), "snap").Return(nil)
	cli := newTestSupervisorClient(t, sup)
	require.NoError(t, cli.Checkpoint(context.Background(), 5, "snap"))
	sup.AssertExpectations(t)
}
