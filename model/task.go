package model

import (
	"time"
)

// Task is one work shard of an instance.
type Task struct {
	TaskID              int64        `gorm:"column:task_id;primaryKey;autoIncrement:false" json:"task-id"`
	InstanceID          int64        `gorm:"column:instance_id;not null;index:idx_instance" json:"instance-id"`
	TaskNo              int          `gorm:"column:task_no;not null" json:"task-no"`
	TaskCount           int          `gorm:"column:task_count;not null" json:"task-count"`
	TaskParam           string       `gorm:"column:task_param;type:text" json:"task-param"`
	ExecuteState        ExecuteState `gorm:"column:execute_state;not null" json:"execute-state"`
	ExecuteStartTime    *time.Time   `gorm:"column:execute_start_time" json:"execute-start-time,omitempty"`
	ExecuteEndTime      *time.Time   `gorm:"column:execute_end_time" json:"execute-end-time,omitempty"`
	ExecuteSnapshot     string       `gorm:"column:execute_snapshot;type:text" json:"execute-snapshot,omitempty"`
	Worker              string       `gorm:"column:worker;size:255" json:"worker,omitempty"`
	DispatchFailedCount int          `gorm:"column:dispatch_failed_count;not null;default:0" json:"dispatch-failed-count"`
	StartRequestID      string       `gorm:"column:start_request_id;size:64" json:"start-request-id,omitempty"`
	ErrorMsg            string       `gorm:"column:error_msg;type:text" json:"error-msg,omitempty"`
	Version             int          `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAt           time.Time    `json:"created-at"`
	UpdatedAt           time.Time    `json:"updated-at"`
}

// TableName implements gorm's tabler.
func (Task) TableName() string {
	return "sched_task"
}

// NewTask creates a WAITING task.
func NewTask(taskParam string, taskID, instanceID int64, taskNo, taskCount int, worker string) *Task {
	return &Task{
		TaskID:       taskID,
		InstanceID:   instanceID,
		TaskNo:       taskNo,
		TaskCount:    taskCount,
		TaskParam:    taskParam,
		ExecuteState: ExecuteStateWaiting,
		Worker:       worker,
		Version:      1,
	}
}

// IsWaiting returns whether the task is WAITING.
func (t *Task) IsWaiting() bool {
	return t.ExecuteState == ExecuteStateWaiting
}

// IsExecuting returns whether the task is EXECUTING.
func (t *Task) IsExecuting() bool {
	return t.ExecuteState == ExecuteStateExecuting
}

// SplitTask is one shard produced by a job handler's Split.
type SplitTask struct {
	TaskParam string `json:"task-param"`
}

// Workflow is the persisted run state of one DAG edge. All rows sharing
// CurNode carry the state of that node.
type Workflow struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkflowLeadID int64     `gorm:"column:workflow_lead_id;not null;uniqueIndex:uk_lead_cur_pre,priority:1" json:"workflow-lead-id"`
	CurNode        string    `gorm:"column:cur_node;size:255;not null;uniqueIndex:uk_lead_cur_pre,priority:2" json:"cur-node"`
	PreNode        string    `gorm:"column:pre_node;size:255;not null;uniqueIndex:uk_lead_cur_pre,priority:3" json:"pre-node"`
	Sequence       int       `gorm:"column:sequence;not null" json:"sequence"`
	RunState       RunState  `gorm:"column:run_state;not null" json:"run-state"`
	NodeInstanceID *int64    `gorm:"column:node_instance_id" json:"node-instance-id,omitempty"`
	RetriedCount   int       `gorm:"column:retried_count;not null;default:0" json:"retried-count"`
	CreatedAt      time.Time `json:"created-at"`
	UpdatedAt      time.Time `json:"updated-at"`
}

// TableName implements gorm's tabler.
func (Workflow) TableName() string {
	return "sched_workflow"
}

// DispatchFailedEvent is published when a task could not be delivered after
// the maximal number of retries.
type DispatchFailedEvent struct {
	JobID      int64 `json:"job-id"`
	InstanceID int64 `json:"instance-id"`
	TaskID     int64 `json:"task-id"`
}
