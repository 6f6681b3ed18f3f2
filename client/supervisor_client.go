package client

import (
	"context"
	"io"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pb"
	"github.com/hanfei1991/dagsched/pkg/rpcutil"
)

const stopTaskRetryInterval = 1 * time.Second

// SupervisorClient is what a worker needs from the supervisors.
type SupervisorClient interface {
	StartTask(ctx context.Context, param *model.StartTaskParam) (*model.StartTaskResult, error)
	// StopTask reports a stopped task, retrying until a supervisor answers
	// or ctx is done.
	StopTask(ctx context.Context, param *model.StopTaskParam) (bool, error)
	UpdateTaskWorker(ctx context.Context, taskID int64, worker string) (bool, error)
	Checkpoint(ctx context.Context, taskID int64, snapshot string) error
	UpdateTaskErrorMsg(ctx context.Context, taskID int64, errorMsg string) error
	Close()
}

type supervisorClient struct {
	clients *rpcutil.FailoverRpcClients[pb.SupervisorClient]
	timeout time.Duration
}

func dialSupervisor(ctx context.Context, addr string) (pb.SupervisorClient, io.Closer, error) {
	conn, err := grpcDial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	return pb.NewSupervisorClient(conn), conn, nil
}

// NewSupervisorClient dials the supervisors at addrs. A call is served by
// the first supervisor that answers.
func NewSupervisorClient(ctx context.Context, addrs []string, timeout time.Duration) (SupervisorClient, error) {
	clients, err := rpcutil.NewFailoverRpcClients(ctx, addrs, dialSupervisor)
	if err != nil {
		return nil, err
	}
	return newSupervisorClient(clients, timeout), nil
}

func newSupervisorClient(clients *rpcutil.FailoverRpcClients[pb.SupervisorClient], timeout time.Duration) *supervisorClient {
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	return &supervisorClient{clients: clients, timeout: timeout}
}

func call[Req any, Resp any](
	ctx context.Context,
	c *supervisorClient,
	req *Req,
	rpc func(pb.SupervisorClient, context.Context, *Req, ...grpc.CallOption) (*Resp, error),
) (*Resp, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := rpcutil.DoFailoverRPC(ctx, c.clients, req, rpc)
	return resp, errors.Trace(err)
}

func (c *supervisorClient) StartTask(ctx context.Context, param *model.StartTaskParam) (*model.StartTaskResult, error) {
	return call(ctx, c, param, pb.SupervisorClient.StartTask)
}

func (c *supervisorClient) StopTask(ctx context.Context, param *model.StopTaskParam) (bool, error) {
	rl := rate.NewLimiter(rate.Every(stopTaskRetryInterval), 1)
	for {
		resp, err := call(ctx, c, param, pb.SupervisorClient.StopTask)
		if err == nil {
			return resp.Success, nil
		}
		log.L().Warn("report stopped task failed, retrying",
			zap.Int64("task-id", param.TaskID),
			zap.Stringer("to-state", param.ToState),
			zap.Error(err))
		if rlErr := rl.Wait(ctx); rlErr != nil {
			// the rate limiter only fails when ctx is done
			return false, errors.Trace(err)
		}
	}
}

func (c *supervisorClient) UpdateTaskWorker(ctx context.Context, taskID int64, worker string) (bool, error) {
	resp, err := call(ctx, c, &pb.UpdateTaskWorkerRequest{TaskID: taskID, Worker: worker}, pb.SupervisorClient.UpdateTaskWorker)
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

func (c *supervisorClient) Checkpoint(ctx context.Context, taskID int64, snapshot string) error {
	_, err := call(ctx, c, &pb.CheckpointRequest{TaskID: taskID, Snapshot: snapshot}, pb.SupervisorClient.Checkpoint)
	return err
}

func (c *supervisorClient) UpdateTaskErrorMsg(ctx context.Context, taskID int64, errorMsg string) error {
	_, err := call(ctx, c, &pb.TaskErrorMsgRequest{TaskID: taskID, ErrorMsg: errorMsg}, pb.SupervisorClient.UpdateTaskErrorMsg)
	return err
}

func (c *supervisorClient) Close() {
	c.clients.Close()
}
