package model

import (
	"encoding/json"
	"time"
)

// Instance is one execution of a job trigger.
type Instance struct {
	InstanceID       int64      `gorm:"column:instance_id;primaryKey;autoIncrement:false" json:"instance-id"`
	JobID            int64      `gorm:"column:job_id;not null;uniqueIndex:uk_job_trigger_run,priority:1" json:"job-id"`
	RootInstanceID   *int64     `gorm:"column:root_instance_id" json:"root-instance-id,omitempty"`
	ParentInstanceID *int64     `gorm:"column:parent_instance_id;index:idx_parent" json:"parent-instance-id,omitempty"`
	WorkflowLeadID   *int64     `gorm:"column:workflow_lead_id;index:idx_workflow_lead" json:"workflow-lead-id,omitempty"`
	RunType          RunType    `gorm:"column:run_type;not null;uniqueIndex:uk_job_trigger_run,priority:3" json:"run-type"`
	RunState         RunState   `gorm:"column:run_state;not null" json:"run-state"`
	TriggerTime      int64      `gorm:"column:trigger_time;not null;uniqueIndex:uk_job_trigger_run,priority:2" json:"trigger-time"`
	UniqueFlag       int64      `gorm:"column:unique_flag;not null;default:0;uniqueIndex:uk_job_trigger_run,priority:4" json:"-"`
	RunStartTime     *time.Time `gorm:"column:run_start_time" json:"run-start-time,omitempty"`
	RunEndTime       *time.Time `gorm:"column:run_end_time" json:"run-end-time,omitempty"`
	RetriedCount     int        `gorm:"column:retried_count;not null;default:0" json:"retried-count"`
	Retrying         bool       `gorm:"column:retrying;not null;default:false" json:"retrying"`
	Attach           string     `gorm:"column:attach;size:1024" json:"attach,omitempty"`
	NextScanTime     *time.Time `gorm:"column:next_scan_time;index:idx_scan" json:"next-scan-time,omitempty"`
	Version          int        `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAt        time.Time  `json:"created-at"`
	UpdatedAt        time.Time  `json:"updated-at"`
}

// TableName implements gorm's tabler.
func (Instance) TableName() string {
	return "sched_instance"
}

// InstanceAttach is the json payload kept in Instance.Attach.
type InstanceAttach struct {
	CurNode string `json:"curNode"`
}

// NewInstance creates a WAITING instance.
func NewInstance(instanceID, jobID int64, runType RunType, triggerTime int64, retriedCount int) *Instance {
	return &Instance{
		InstanceID:   instanceID,
		JobID:        jobID,
		RunType:      runType,
		RunState:     RunStateWaiting,
		TriggerTime:  triggerTime,
		RetriedCount: retriedCount,
		Version:      1,
	}
}

// NewChildInstance creates a WAITING instance linked to parent. The new
// instance inherits the workflow and the root of parent.
func NewChildInstance(parent *Instance, instanceID, jobID int64, runType RunType, triggerTime int64, retriedCount int) *Instance {
	inst := NewInstance(instanceID, jobID, runType, triggerTime, retriedCount)
	parentID := parent.InstanceID
	rootID := parent.InstanceID
	if parent.RootInstanceID != nil {
		rootID = *parent.RootInstanceID
	}
	if runType == RunTypeRetry && parent.RunType == RunTypeRetry && parent.ParentInstanceID != nil {
		// every retry of a chain points at the original instance
		parentID = *parent.ParentInstanceID
	}
	inst.ParentInstanceID = &parentID
	inst.RootInstanceID = &rootID
	if parent.WorkflowLeadID != nil {
		leadID := *parent.WorkflowLeadID
		inst.WorkflowLeadID = &leadID
	}
	return inst
}

// FillUniqueFlag sets the last column of the (job, trigger time, run type)
// unique key. Triggered root instances keep 0 so a trigger time is taken at
// most once, retries and workflow nodes are made distinct by their id.
func (i *Instance) FillUniqueFlag() {
	if i.RunType != RunTypeRetry && !i.IsWorkflowNode() {
		i.UniqueFlag = 0
		return
	}
	i.UniqueFlag = i.InstanceID
}

// IsWorkflow returns whether the instance belongs to a workflow.
func (i *Instance) IsWorkflow() bool {
	return i.WorkflowLeadID != nil
}

// IsWorkflowLead returns whether the instance is the lead of a workflow.
func (i *Instance) IsWorkflowLead() bool {
	return i.WorkflowLeadID != nil && *i.WorkflowLeadID == i.InstanceID
}

// IsWorkflowNode returns whether the instance runs one node of a workflow.
func (i *Instance) IsWorkflowNode() bool {
	return i.WorkflowLeadID != nil && *i.WorkflowLeadID != i.InstanceID
}

// IsRunRetry returns whether the instance was created by a retry.
func (i *Instance) IsRunRetry() bool {
	return i.RunType == RunTypeRetry
}

// LockID returns the id of the row locked when mutating the instance.
func (i *Instance) LockID() int64 {
	if i.WorkflowLeadID != nil {
		return *i.WorkflowLeadID
	}
	return i.InstanceID
}

// RetryOriginalInstanceID returns the id of the instance that opened the
// retry chain the instance belongs to.
func (i *Instance) RetryOriginalInstanceID() int64 {
	if i.IsRunRetry() && i.ParentInstanceID != nil {
		return *i.ParentInstanceID
	}
	return i.InstanceID
}

// CurNode returns the workflow node the instance runs.
func (i *Instance) CurNode() string {
	if i.Attach == "" {
		return ""
	}
	var attach InstanceAttach
	if err := json.Unmarshal([]byte(i.Attach), &attach); err != nil {
		return ""
	}
	return attach.CurNode
}

// SetCurNode records the workflow node the instance runs.
func (i *Instance) SetCurNode(node string) {
	data, _ := json.Marshal(InstanceAttach{CurNode: node})
	i.Attach = string(data)
}

// MarkTerminated updates the in-memory copy after a terminate update.
func (i *Instance) MarkTerminated(state RunState, endTime time.Time) {
	i.RunState = state
	if state.IsTerminal() {
		i.RunEndTime = &endTime
	}
}
