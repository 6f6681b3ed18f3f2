package executor

import (
	"context"

	"github.com/hanfei1991/dagsched/executor/worker"
	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pb"
	derrors "github.com/hanfei1991/dagsched/pkg/errors"
	"github.com/hanfei1991/dagsched/pkg/handler"
)

// WorkerService serves pb.WorkerServer from a TaskRunner. It also
// implements client.TaskReceiver, so a supervisor running an embedded
// worker delivers tasks to it without the network.
type WorkerService struct {
	group    string
	token    string
	runner   *worker.TaskRunner
	handlers *handler.Registry
}

// NewWorkerService creates a WorkerService. An empty token accepts every
// task.
func NewWorkerService(group, token string, runner *worker.TaskRunner, handlers *handler.Registry) *WorkerService {
	return &WorkerService{
		group:    group,
		token:    token,
		runner:   runner,
		handlers: handlers,
	}
}

// Receive checks the worker token of the group and hands param to the
// runner.
func (s *WorkerService) Receive(ctx context.Context, param *model.ExecuteTaskParam) (bool, error) {
	if s.token != "" && param.WorkerToken != s.token {
		return false, derrors.ErrInvalidToken.GenWithStackByArgs(s.group)
	}
	return s.runner.Receive(ctx, param)
}

// Dispatch implements pb.WorkerServer.
func (s *WorkerService) Dispatch(ctx context.Context, req *model.ExecuteTaskParam) (*pb.DispatchResponse, error) {
	accepted, err := s.Receive(ctx, req)
	if err != nil {
		return nil, err
	}
	resp := &pb.DispatchResponse{Accepted: accepted}
	if !accepted {
		resp.Message = "worker is busy or shutting down"
	}
	return resp, nil
}

// Split implements pb.WorkerServer.
func (s *WorkerService) Split(ctx context.Context, req *pb.JobRequest) (*pb.SplitResponse, error) {
	h, err := s.handlers.Get(req.JobHandler)
	if err != nil {
		return nil, err
	}
	tasks, err := h.Split(ctx, req.JobParam)
	if err != nil {
		return nil, derrors.ErrSplitJobFailed.Wrap(err).GenWithStackByArgs(req.JobID)
	}
	return &pb.SplitResponse{Tasks: tasks}, nil
}

// Verify implements pb.WorkerServer.
func (s *WorkerService) Verify(ctx context.Context, req *pb.JobRequest) (*pb.VerifyResponse, error) {
	h, err := s.handlers.Get(req.JobHandler)
	if err != nil {
		return nil, err
	}
	if err := h.Verify(ctx, req.JobParam); err != nil {
		return nil, derrors.ErrVerifyJobFailed.Wrap(err).GenWithStackByArgs(req.JobID)
	}
	return &pb.VerifyResponse{}, nil
}
