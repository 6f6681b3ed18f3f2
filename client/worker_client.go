package client

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pb"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
	"github.com/hanfei1991/dagsched/pkg/rpcutil"
)

const defaultRPCTimeout = 5 * time.Second

// WorkerClient talks to the rpc service of a worker.
type WorkerClient interface {
	// Dispatch delivers a task. false means the worker refused it.
	Dispatch(ctx context.Context, worker model.Worker, param *model.ExecuteTaskParam) (bool, error)
	Split(ctx context.Context, worker model.Worker, req *pb.JobRequest) ([]model.SplitTask, error)
	Verify(ctx context.Context, worker model.Worker, req *pb.JobRequest) error
	Close() error
}

// TaskReceiver runs delivered tasks in process, used when the supervisor
// also hosts a worker.
type TaskReceiver interface {
	Receive(ctx context.Context, param *model.ExecuteTaskParam) (bool, error)
}

type closeableConn interface {
	grpc.ClientConnInterface
	Close() error
}

type dialer func(ctx context.Context, addr string) (closeableConn, error)

func grpcDial(ctx context.Context, addr string) (closeableConn, error) {
	conn, err := grpc.DialContext(ctx, addr, rpcutil.DialOptions()...)
	if err != nil {
		return nil, derrors.ErrGrpcBuildConn.Wrap(err).GenWithStackByArgs(addr)
	}
	return conn, nil
}

// workerClients keeps one connection per worker address.
type workerClients struct {
	mu      sync.Mutex
	conns   map[string]closeableConn
	dial    dialer
	timeout time.Duration
}

// NewWorkerClient creates a WorkerClient dialing workers lazily.
func NewWorkerClient(timeout time.Duration) WorkerClient {
	return newWorkerClients(grpcDial, timeout)
}

func newWorkerClients(dial dialer, timeout time.Duration) *workerClients {
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	return &workerClients{
		conns:   make(map[string]closeableConn),
		dial:    dial,
		timeout: timeout,
	}
}

func (c *workerClients) get(ctx context.Context, worker model.Worker) (pb.WorkerClient, error) {
	addr := worker.Addr()
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[addr]
	if !ok {
		var err error
		conn, err = c.dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		c.conns[addr] = conn
	}
	return pb.NewWorkerClient(conn), nil
}

// evict drops the connection of worker after a transport failure.
func (c *workerClients) evict(worker model.Worker) {
	addr := worker.Addr()
	c.mu.Lock()
	conn, ok := c.conns[addr]
	delete(c.conns, addr)
	c.mu.Unlock()
	if ok {
		if err := conn.Close(); err != nil {
			log.L().Warn("close worker connection failed", zap.String("addr", addr), zap.Error(err))
		}
	}
}

func (c *workerClients) Dispatch(ctx context.Context, worker model.Worker, param *model.ExecuteTaskParam) (bool, error) {
	cli, err := c.get(ctx, worker)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := cli.Dispatch(ctx, param)
	if err != nil {
		c.evict(worker)
		return false, derrors.ErrDispatchTaskFailed.Wrap(err).GenWithStackByArgs(param.TaskID, worker.String())
	}
	if !resp.Accepted {
		log.L().Warn("worker refused task",
			zap.Int64("task-id", param.TaskID),
			zap.String("worker", worker.String()),
			zap.String("message", resp.Message))
	}
	return resp.Accepted, nil
}

func (c *workerClients) Split(ctx context.Context, worker model.Worker, req *pb.JobRequest) ([]model.SplitTask, error) {
	cli, err := c.get(ctx, worker)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := cli.Split(ctx, req)
	if err != nil {
		c.evict(worker)
		return nil, derrors.ErrSplitJobFailed.Wrap(err).GenWithStackByArgs(req.JobID)
	}
	return resp.Tasks, nil
}

func (c *workerClients) Verify(ctx context.Context, worker model.Worker, req *pb.JobRequest) error {
	cli, err := c.get(ctx, worker)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := cli.Verify(ctx, req); err != nil {
		return derrors.ErrVerifyJobFailed.Wrap(err).GenWithStackByArgs(req.JobID)
	}
	return nil
}

func (c *workerClients) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]closeableConn)
	c.mu.Unlock()

	var firstErr error
	for addr, conn := range conns {
		if err := conn.Close(); err != nil {
			log.L().Warn("close worker connection failed", zap.String("addr", addr), zap.Error(err))
			if firstErr == nil {
				firstErr = errors.Trace(err)
			}
		}
	}
	return firstErr
}
