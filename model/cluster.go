package model

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const workerSeparator = ":"

// Worker describes a worker process registered in a group.
type Worker struct {
	Group    string `json:"group"`
	WorkerID string `json:"worker-id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

// String serializes w as "group:worker-id:host:port".
func (w Worker) String() string {
	return strings.Join([]string{w.Group, w.WorkerID, w.Host, strconv.Itoa(w.Port)}, workerSeparator)
}

// Addr returns the address the worker rpc service listens on.
func (w Worker) Addr() string {
	return net.JoinHostPort(w.Host, strconv.Itoa(w.Port))
}

// SameServer returns whether w and other are the same process.
func (w Worker) SameServer(other Worker) bool {
	return w.Group == other.Group && w.WorkerID == other.WorkerID && w.Host == other.Host && w.Port == other.Port
}

// ToJSON encodes the worker, used as the value of registry entries.
func (w Worker) ToJSON() (string, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseWorker parses the form produced by Worker.String.
func ParseWorker(s string) (Worker, error) {
	parts := strings.Split(s, workerSeparator)
	if len(parts) != 4 {
		return Worker{}, fmt.Errorf("invalid worker %q", s)
	}
	port, err := strconv.Atoi(parts[3])
	if err != nil {
		return Worker{}, fmt.Errorf("invalid worker port %q", s)
	}
	return Worker{Group: parts[0], WorkerID: parts[1], Host: parts[2], Port: port}, nil
}

// ExecuteTaskParam is the payload delivered to a worker.
type ExecuteTaskParam struct {
	Operation      Operation     `json:"operation"`
	TaskID         int64         `json:"task-id"`
	InstanceID     int64         `json:"instance-id"`
	WorkflowLeadID *int64        `json:"workflow-lead-id,omitempty"`
	TriggerTime    int64         `json:"trigger-time"`
	JobID          int64         `json:"job-id"`
	RetryCount     int           `json:"retry-count"`
	RetriedCount   int           `json:"retried-count"`
	JobType        JobType       `json:"job-type"`
	RouteStrategy  RouteStrategy `json:"route-strategy"`
	ExecuteTimeout int64         `json:"execute-timeout"`
	JobHandler     string        `json:"job-handler"`
	WorkerToken    string        `json:"worker-token,omitempty"`
	Worker         *Worker       `json:"worker,omitempty"`
}

// String implements fmt.Stringer for logs.
func (p *ExecuteTaskParam) String() string {
	worker := "<nil>"
	if p.Worker != nil {
		worker = p.Worker.String()
	}
	return fmt.Sprintf("task(%d, %s, %s)", p.TaskID, p.Operation, worker)
}

// StartTaskParam is sent by a worker before it executes a task.
type StartTaskParam struct {
	JobID          int64   `json:"job-id"`
	InstanceID     int64   `json:"instance-id"`
	WorkflowLeadID *int64  `json:"workflow-lead-id,omitempty"`
	TaskID         int64   `json:"task-id"`
	JobType        JobType `json:"job-type"`
	Worker         string  `json:"worker"`
	StartRequestID string  `json:"start-request-id"`
}

// PredecessorInstance carries the tasks of a completed upstream workflow node.
type PredecessorInstance struct {
	InstanceID int64   `json:"instance-id"`
	CurNode    string  `json:"cur-node"`
	Tasks      []*Task `json:"tasks"`
}

// StartTaskResult is returned to the worker by a start request.
type StartTaskResult struct {
	Success              bool                   `json:"success"`
	Message              string                 `json:"message,omitempty"`
	Task                 *Task                  `json:"task,omitempty"`
	PredecessorInstances []*PredecessorInstance `json:"predecessor-instances,omitempty"`
}

// StopTaskParam is sent by a worker after a task stopped.
type StopTaskParam struct {
	JobID          int64        `json:"job-id"`
	InstanceID     int64        `json:"instance-id"`
	WorkflowLeadID *int64       `json:"workflow-lead-id,omitempty"`
	TaskID         int64        `json:"task-id"`
	Operation      Operation    `json:"operation"`
	ToState        ExecuteState `json:"to-state"`
	Worker         string       `json:"worker"`
	ErrorMsg       string       `json:"error-msg,omitempty"`
}
