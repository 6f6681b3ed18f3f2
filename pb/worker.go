// Package pb defines the rpc services of the supervisor and the worker.
// Messages are plain structs carried by the json codec of pkg/rpcutil.
package pb

import (
	"context"

	"google.golang.org/grpc"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/rpcutil"
)

// WorkerServiceName is the full name of the worker service.
const WorkerServiceName = "dagsched.Worker"

// DispatchResponse tells whether the worker accepted a delivered task.
type DispatchResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// JobRequest carries the handler and parameter of a job to split or verify.
type JobRequest struct {
	JobID      int64         `json:"job-id"`
	JobType    model.JobType `json:"job-type"`
	JobHandler string        `json:"job-handler"`
	JobParam   string        `json:"job-param"`
}

// SplitResponse holds the shards of a job.
type SplitResponse struct {
	Tasks []model.SplitTask `json:"tasks"`
}

// VerifyResponse is the empty result of a successful verify.
type VerifyResponse struct{}

// WorkerServer is the service a worker exposes to supervisors.
type WorkerServer interface {
	Dispatch(context.Context, *model.ExecuteTaskParam) (*DispatchResponse, error)
	Split(context.Context, *JobRequest) (*SplitResponse, error)
	Verify(context.Context, *JobRequest) (*VerifyResponse, error)
}

// WorkerServiceDesc describes WorkerServer.
var WorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkerServiceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		rpcutil.UnaryMethod(WorkerServiceName, "Dispatch", WorkerServer.Dispatch),
		rpcutil.UnaryMethod(WorkerServiceName, "Split", WorkerServer.Split),
		rpcutil.UnaryMethod(WorkerServiceName, "Verify", WorkerServer.Verify),
	},
}

// RegisterWorkerServer registers srv on s.
func RegisterWorkerServer(s grpc.ServiceRegistrar, srv WorkerServer) {
	s.RegisterService(&WorkerServiceDesc, srv)
}

// WorkerClient is the client side of WorkerServer.
type WorkerClient interface {
	Dispatch(ctx context.Context, in *model.ExecuteTaskParam, opts ...grpc.CallOption) (*DispatchResponse, error)
	Split(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*SplitResponse, error)
	Verify(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*VerifyResponse, error)
}

type workerClient struct {
	cc grpc.ClientConnInterface
}

// NewWorkerClient creates a WorkerClient on cc.
func NewWorkerClient(cc grpc.ClientConnInterface) WorkerClient {
	return &workerClient{cc: cc}
}

func (c *workerClient) Dispatch(ctx context.Context, in *model.ExecuteTaskParam, opts ...grpc.CallOption) (*DispatchResponse, error) {
	return rpcutil.Invoke[model.ExecuteTaskParam, DispatchResponse](ctx, c.cc, WorkerServiceName, "Dispatch", in, opts...)
}

func (c *workerClient) Split(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*SplitResponse, error) {
	return rpcutil.Invoke[JobRequest, SplitResponse](ctx, c.cc, WorkerServiceName, "Split", in, opts...)
}

func (c *workerClient) Verify(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*VerifyResponse, error) {
	return rpcutil.Invoke[JobRequest, VerifyResponse](ctx, c.cc, WorkerServiceName, "Verify", in, opts...)
}
