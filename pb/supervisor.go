package pb

import (
	"context"

	"google.golang.org/grpc"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/rpcutil"
)

// SupervisorServiceName is the full name of the supervisor service.
const SupervisorServiceName = "dagsched.Supervisor"

// BoolResponse reports whether an operation was applied.
type BoolResponse struct {
	Success bool `json:"success"`
}

// UpdateTaskWorkerRequest moves a WAITING task to another worker.
type UpdateTaskWorkerRequest struct {
	TaskID int64  `json:"task-id"`
	Worker string `json:"worker"`
}

// CheckpointRequest stores the snapshot of an executing task.
type CheckpointRequest struct {
	TaskID   int64  `json:"task-id"`
	Snapshot string `json:"snapshot"`
}

// TaskErrorMsgRequest stores the error message of a task.
type TaskErrorMsgRequest struct {
	TaskID   int64  `json:"task-id"`
	ErrorMsg string `json:"error-msg"`
}

// AddJobRequest creates a job. ParentJobIDs is only used by DEPEND jobs.
type AddJobRequest struct {
	Job          *model.Job `json:"job"`
	ParentJobIDs []int64    `json:"parent-job-ids,omitempty"`
}

// AddJobResponse returns the id of a created job.
type AddJobResponse struct {
	JobID int64 `json:"job-id"`
}

// JobIDRequest names a job.
type JobIDRequest struct {
	JobID int64 `json:"job-id"`
}

// InstanceRequest names an instance.
type InstanceRequest struct {
	InstanceID int64 `json:"instance-id"`
}

// ChangeInstanceStateRequest forces the state of the tasks of an instance.
type ChangeInstanceStateRequest struct {
	InstanceID int64              `json:"instance-id"`
	ToState    model.ExecuteState `json:"to-state"`
}

// InstanceResponse returns an instance with its tasks.
type InstanceResponse struct {
	Instance *model.Instance `json:"instance"`
	Tasks    []*model.Task   `json:"tasks"`
}

// SupervisorServer is the service a supervisor exposes to workers and
// operators.
type SupervisorServer interface {
	StartTask(context.Context, *model.StartTaskParam) (*model.StartTaskResult, error)
	StopTask(context.Context, *model.StopTaskParam) (*BoolResponse, error)
	UpdateTaskWorker(context.Context, *UpdateTaskWorkerRequest) (*BoolResponse, error)
	Checkpoint(context.Context, *CheckpointRequest) (*BoolResponse, error)
	UpdateTaskErrorMsg(context.Context, *TaskErrorMsgRequest) (*BoolResponse, error)

	AddJob(context.Context, *AddJobRequest) (*AddJobResponse, error)
	DisableJob(context.Context, *JobIDRequest) (*BoolResponse, error)
	TriggerJob(context.Context, *JobIDRequest) (*BoolResponse, error)
	GetInstance(context.Context, *InstanceRequest) (*InstanceResponse, error)
	PauseInstance(context.Context, *InstanceRequest) (*BoolResponse, error)
	CancelInstance(context.Context, *InstanceRequest) (*BoolResponse, error)
	ResumeInstance(context.Context, *InstanceRequest) (*BoolResponse, error)
	DeleteInstance(context.Context, *InstanceRequest) (*BoolResponse, error)
	ChangeInstanceState(context.Context, *ChangeInstanceStateRequest) (*BoolResponse, error)
}

// SupervisorServiceDesc describes SupervisorServer.
var SupervisorServiceDesc = grpc.ServiceDesc{
	ServiceName: SupervisorServiceName,
	HandlerType: (*SupervisorServer)(nil),
	Methods: []grpc.MethodDesc{
		rpcutil.UnaryMethod(SupervisorServiceName, "StartTask", SupervisorServer.StartTask),
		rpcutil.UnaryMethod(SupervisorServiceName, "StopTask", SupervisorServer.StopTask),
		rpcutil.UnaryMethod(SupervisorServiceName, "UpdateTaskWorker", SupervisorServer.UpdateTaskWorker),
		rpcutil.UnaryMethod(SupervisorServiceName, "Checkpoint", SupervisorServer.Checkpoint),
		rpcutil.UnaryMethod(SupervisorServiceName, "UpdateTaskErrorMsg", SupervisorServer.UpdateTaskErrorMsg),
		rpcutil.UnaryMethod(SupervisorServiceName, "AddJob", SupervisorServer.AddJob),
		rpcutil.UnaryMethod(SupervisorServiceName, "DisableJob", SupervisorServer.DisableJob),
		rpcutil.UnaryMethod(SupervisorServiceName, "TriggerJob", SupervisorServer.TriggerJob),
		rpcutil.UnaryMethod(SupervisorServiceName, "GetInstance", SupervisorServer.GetInstance),
		rpcutil.UnaryMethod(SupervisorServiceName, "PauseInstance", SupervisorServer.PauseInstance),
		rpcutil.UnaryMethod(SupervisorServiceName, "CancelInstance", SupervisorServer.CancelInstance),
		rpcutil.UnaryMethod(SupervisorServiceName, "ResumeInstance", SupervisorServer.ResumeInstance),
		rpcutil.UnaryMethod(SupervisorServiceName, "DeleteInstance", SupervisorServer.DeleteInstance),
		rpcutil.UnaryMethod(SupervisorServiceName, "ChangeInstanceState", SupervisorServer.ChangeInstanceState),
	},
}

// RegisterSupervisorServer registers srv on s.
func RegisterSupervisorServer(s grpc.ServiceRegistrar, srv SupervisorServer) {
	s.RegisterService(&SupervisorServiceDesc, srv)
}

// SupervisorClient is the client side of SupervisorServer.
type SupervisorClient interface {
	StartTask(ctx context.Context, in *model.StartTaskParam, opts ...grpc.CallOption) (*model.StartTaskResult, error)
	StopTask(ctx context.Context, in *model.StopTaskParam, opts ...grpc.CallOption) (*BoolResponse, error)
	UpdateTaskWorker(ctx context.Context, in *UpdateTaskWorkerRequest, opts ...grpc.CallOption) (*BoolResponse, error)
	Checkpoint(ctx context.Context, in *CheckpointRequest, opts ...grpc.CallOption) (*BoolResponse, error)
	UpdateTaskErrorMsg(ctx context.Context, in *TaskErrorMsgRequest, opts ...grpc.CallOption) (*BoolResponse, error)

	AddJob(ctx context.Context, in *AddJobRequest, opts ...grpc.CallOption) (*AddJobResponse, error)
	DisableJob(ctx context.Context, in *JobIDRequest, opts ...grpc.CallOption) (*BoolResponse, error)
	TriggerJob(ctx context.Context, in *JobIDRequest, opts ...grpc.CallOption) (*BoolResponse, error)
	GetInstance(ctx context.Context, in *InstanceRequest, opts ...grpc.CallOption) (*InstanceResponse, error)
	PauseInstance(ctx context.Context, in *InstanceRequest, opts ...grpc.CallOption) (*BoolResponse, error)
	CancelInstance(ctx context.Context, in *InstanceRequest, opts ...grpc.CallOption) (*BoolResponse, error)
	ResumeInstance(ctx context.Context, in *InstanceRequest, opts ...grpc.CallOption) (*BoolResponse, error)
	DeleteInstance(ctx context.Context, in *InstanceRequest, opts ...grpc.CallOption) (*BoolResponse, error)
	ChangeInstanceState(ctx context.Context, in *ChangeInstanceStateRequest, opts ...grpc.CallOption) (*BoolResponse, error)
}

type supervisorClient struct {
	cc grpc.ClientConnInterface
}

// NewSupervisorClient creates a SupervisorClient on cc.
func NewSupervisorClient(cc grpc.ClientConnInterface) SupervisorClient {
	return &supervisorClient{cc: cc}
}

func invokeSupervisor[Req any, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in *Req, opts ...grpc.CallOption) (*Resp, error) {
	return rpcutil.Invoke[Req, Resp](ctx, cc, SupervisorServiceName, method, in, opts...)
}

func (c *supervisorClient) StartTask(ctx context.Context, in *model.StartTaskParam, opts ...grpc.CallOption) (*model.StartTaskResult, error) {
	return invokeSupervisor[model.StartTaskParam, model.StartTaskResult](ctx, c.cc, "StartTask", in, opts...)
}

func (c *supervisorClient) StopTask(ctx context.Context, in *model.StopTaskParam, opts ...grpc.CallOption) (*BoolResponse, error) {
	return invokeSupervisor[model.StopTaskParam, BoolResponse](ctx, c.cc, "StopTask", in, opts...)
}

func (c *supervisorClient) UpdateTaskWorker(ctx context.Context, in *UpdateTaskWorkerRequest, opts ...grpc.CallOption) (*BoolResponse, error) {
	return invokeSupervisor[UpdateTaskWorkerRequest, BoolResponse](ctx, c.cc, "UpdateTaskWorker", in, opts...)
}

func (c *supervisorClient) Checkpoint(ctx context.Context, in *CheckpointRequest, opts ...grpc.CallOption) (*BoolResponse, error) {
	return invokeSupervisor[CheckpointRequest, BoolResponse](ctx, c.cc, "Checkpoint", in, opts...)
}

func (c *supervisorClient) UpdateTaskErrorMsg(ctx context.Context, in *TaskErrorMsgRequest, opts ...grpc.CallOption) (*BoolResponse, error) {
	return invokeSupervisor[TaskErrorMsgRequest, BoolResponse](ctx, c.cc, "UpdateTaskErrorMsg", in, opts...)
}

func (c *supervisorClient) AddJob(ctx context.Context, in *AddJobRequest, opts ...grpc.CallOption) (*AddJobResponse, error) {
	return invokeSupervisor[AddJobRequest, AddJobResponse](ctx, c.cc, "AddJob", in, opts...)
}

func (c *supervisorClient) DisableJob(ctx context.Context, in *JobIDRequest, opts ...grpc.CallOption) (*BoolResponse, error) {
	return invokeSupervisor[JobIDRequest, BoolResponse](ctx, c.cc, "DisableJob", in, opts...)
}

func (c *supervisorClient) TriggerJob(ctx context.Context, in *JobIDRequest, opts ...grpc.CallOption) (*BoolResponse, error) {
	return invokeSupervisor[JobIDRequest, BoolResponse](ctx, c.cc, "TriggerJob", in, opts...)
}

func (c *supervisorClient) GetInstance(ctx context.Context, in *InstanceRequest, opts ...grpc.CallOption) (*InstanceResponse, error) {
	return invokeSupervisor[InstanceRequest, InstanceResponse](ctx, c.cc, "GetInstance", in, opts...)
}

func (c *supervisorClient) PauseInstance(ctx context.Context, in *InstanceRequest, opts ...grpc.CallOption) (*BoolResponse, error) {
	return invokeSupervisor[InstanceRequest, BoolResponse](ctx, c.cc, "PauseInstance", in, opts...)
}

func (c *supervisorClient) CancelInstance(ctx context.Context, in *InstanceRequest, opts ...grpc.CallOption) (*BoolResponse, error) {
	return invokeSupervisor[InstanceRequest, BoolResponse](ctx, c.cc, "CancelInstance", in, opts...)
}

func (c *supervisorClient) ResumeInstance(ctx context.Context, in *InstanceRequest, opts ...grpc.CallOption) (*BoolResponse, error) {
	return invokeSupervisor[InstanceRequest, BoolResponse](ctx, c.cc, "ResumeInstance", in, opts...)
}

func (c *supervisorClient) DeleteInstance(ctx context.Context, in *InstanceRequest, opts ...grpc.CallOption) (*BoolResponse, error) {
	return invokeSupervisor[InstanceRequest, BoolResponse](ctx, c.cc, "DeleteInstance", in, opts...)
}

func (c *supervisorClient) ChangeInstanceState(ctx context.Context, in *ChangeInstanceStateRequest, opts ...grpc.CallOption) (*BoolResponse, error) {
	return invokeSupervisor[ChangeInstanceStateRequest, BoolResponse](ctx, c.cc, "ChangeInstanceState", in, opts...)
}
