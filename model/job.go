package model

import (
	"fmt"
	"time"
)

// JobType distinguishes plain jobs from DAG workflows.
type JobType int

// Job types.
const (
	JobTypeGeneral JobType = iota + 1
	JobTypeWorkflow
)

func (t JobType) String() string {
	switch t {
	case JobTypeGeneral:
		return "GENERAL"
	case JobTypeWorkflow:
		return "WORKFLOW"
	default:
		return fmt.Sprintf("JobType(%d)", int(t))
	}
}

// JobState tells whether the job is scheduled.
type JobState int

// Job states.
const (
	JobStateDisable JobState = iota
	JobStateEnable
)

// TriggerType is how the next trigger time of a job is computed.
type TriggerType int

// Trigger types.
const (
	TriggerTypeCron TriggerType = iota + 1
	TriggerTypeOnce
	TriggerTypePeriod
	TriggerTypeFixedRate
	TriggerTypeFixedDelay
	TriggerTypeDepend
)

var triggerTypeNames = map[TriggerType]string{
	TriggerTypeCron:       "CRON",
	TriggerTypeOnce:       "ONCE",
	TriggerTypePeriod:     "PERIOD",
	TriggerTypeFixedRate:  "FIXED_RATE",
	TriggerTypeFixedDelay: "FIXED_DELAY",
	TriggerTypeDepend:     "DEPEND",
}

func (t TriggerType) String() string {
	if name, ok := triggerTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TriggerType(%d)", int(t))
}

// IsFixedType returns whether the next trigger time depends on the end of
// the previous run.
func (t TriggerType) IsFixedType() bool {
	return t == TriggerTypeFixedRate || t == TriggerTypeFixedDelay
}

// RouteStrategy selects the worker(s) a task is delivered to.
type RouteStrategy int

// Route strategies.
const (
	RouteRoundRobin RouteStrategy = iota + 1
	RouteRandom
	RouteConsistentHash
	RouteLocalPriority
	RouteBroadcast
)

var routeStrategyNames = map[RouteStrategy]string{
	RouteRoundRobin:     "ROUND_ROBIN",
	RouteRandom:         "RANDOM",
	RouteConsistentHash: "CONSISTENT_HASH",
	RouteLocalPriority:  "LOCAL_PRIORITY",
	RouteBroadcast:      "BROADCAST",
}

func (r RouteStrategy) String() string {
	if name, ok := routeStrategyNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RouteStrategy(%d)", int(r))
}

// IsBroadcast returns whether every worker of the group gets its own task.
func (r RouteStrategy) IsBroadcast() bool {
	return r == RouteBroadcast
}

// RetryType decides which tasks of a canceled instance are retried.
type RetryType int

// Retry types.
const (
	RetryNone RetryType = iota
	RetryAll
	RetryFailed
)

func (r RetryType) String() string {
	switch r {
	case RetryNone:
		return "NONE"
	case RetryAll:
		return "ALL"
	case RetryFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("RetryType(%d)", int(r))
	}
}

// CollidedStrategy decides what happens when a trigger fires while the
// previous instance is still running.
type CollidedStrategy int

// Collided strategies.
const (
	CollidedConcurrent CollidedStrategy = iota + 1
	CollidedDiscard
	CollidedOverride
)

// RunType is the reason an instance was created.
type RunType int

// Run types.
const (
	RunTypeSchedule RunType = iota + 1
	RunTypeDepend
	RunTypeRetry
	RunTypeManual
)

var runTypeNames = map[RunType]string{
	RunTypeSchedule: "SCHEDULE",
	RunTypeDepend:   "DEPEND",
	RunTypeRetry:    "RETRY",
	RunTypeManual:   "MANUAL",
}

func (r RunType) String() string {
	if name, ok := runTypeNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RunType(%d)", int(r))
}

// Job is the static definition of a scheduled job.
type Job struct {
	JobID            int64            `gorm:"column:job_id;primaryKey;autoIncrement:false" json:"job-id"`
	Group            string           `gorm:"column:job_group;size:64;not null;index:idx_group" json:"group"`
	JobName          string           `gorm:"column:job_name;size:128;not null" json:"job-name"`
	JobHandler       string           `gorm:"column:job_handler;type:text;not null" json:"job-handler"`
	JobParam         string           `gorm:"column:job_param;type:text" json:"job-param"`
	JobType          JobType          `gorm:"column:job_type;not null" json:"job-type"`
	JobState         JobState         `gorm:"column:job_state;not null" json:"job-state"`
	TriggerType      TriggerType      `gorm:"column:trigger_type;not null" json:"trigger-type"`
	TriggerValue     string           `gorm:"column:trigger_value;size:255;not null" json:"trigger-value"`
	RouteStrategy    RouteStrategy    `gorm:"column:route_strategy;not null" json:"route-strategy"`
	RetryType        RetryType        `gorm:"column:retry_type;not null" json:"retry-type"`
	RetryCount       int              `gorm:"column:retry_count;not null" json:"retry-count"`
	RetryInterval    int64            `gorm:"column:retry_interval;not null" json:"retry-interval"` // ms
	ExecuteTimeout   int64            `gorm:"column:execute_timeout;not null" json:"execute-timeout"` // ms
	CollidedStrategy CollidedStrategy `gorm:"column:collided_strategy;not null;default:1" json:"collided-strategy"`
	StartTime        *time.Time       `gorm:"column:start_time" json:"start-time,omitempty"`
	EndTime          *time.Time       `gorm:"column:end_time" json:"end-time,omitempty"`
	LastTriggerTime  *int64           `gorm:"column:last_trigger_time" json:"last-trigger-time,omitempty"`
	NextTriggerTime  *int64           `gorm:"column:next_trigger_time;index:idx_next_trigger" json:"next-trigger-time,omitempty"`
	Remark           string           `gorm:"column:remark;size:255" json:"remark"`
	Version          int              `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAt        time.Time        `json:"created-at"`
	UpdatedAt        time.Time        `json:"updated-at"`
}

// TableName implements gorm's tabler.
func (Job) TableName() string {
	return "sched_job"
}

// IsEnabled returns whether the job takes part in scheduling.
func (j *Job) IsEnabled() bool {
	return j.JobState == JobStateEnable
}

// IsWorkflow returns whether JobHandler holds a DAG expression.
func (j *Job) IsWorkflow() bool {
	return j.JobType == JobTypeWorkflow
}

// Retryable returns whether an instance that ended in state after
// retriedCount retries should be retried once more.
func (j *Job) Retryable(state RunState, retriedCount int) bool {
	return j.RetryType != RetryNone && state == RunStateCanceled && retriedCount < j.RetryCount
}

// ComputeRetryTriggerTime returns the trigger time in ms of the
// retriedCount-th retry. The delay grows with the square of the attempt.
func (j *Job) ComputeRetryTriggerTime(retriedCount int, now time.Time) int64 {
	return now.UnixMilli() + j.RetryInterval*int64(retriedCount)*int64(retriedCount)
}

// Depend links a child job that is triggered after its parent job completes.
type Depend struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ParentJobID int64     `gorm:"column:parent_job_id;not null;uniqueIndex:uk_parent_child,priority:1" json:"parent-job-id"`
	ChildJobID  int64     `gorm:"column:child_job_id;not null;uniqueIndex:uk_parent_child,priority:2" json:"child-job-id"`
	CreatedAt   time.Time `json:"created-at"`
}

// TableName implements gorm's tabler.
func (Depend) TableName() string {
	return "sched_depend"
}

// Group carries the access tokens of a worker group.
type Group struct {
	ID              uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Group           string    `gorm:"column:group_name;size:64;not null;uniqueIndex" json:"group"`
	SupervisorToken string    `gorm:"column:supervisor_token;size:128" json:"-"`
	WorkerToken     string    `gorm:"column:worker_token;size:128" json:"-"`
	OwnUser         string    `gorm:"column:own_user;size:64" json:"own-user"`
	DevUsers        string    `gorm:"column:dev_users;size:1024" json:"dev-users"`
	CreatedAt       time.Time `json:"created-at"`
	UpdatedAt       time.Time `json:"updated-at"`
}

// TableName implements gorm's tabler.
func (Group) TableName() string {
	return "sched_group"
}
