package model

import (
	"encoding/json"
	"slices"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"   // 等待分配
	TaskAssigned  TaskStatus = "assigned"  // 已分配给节点
	TaskCompleted TaskStatus = "completed" // 节点上报成功
	TaskFailed    TaskStatus = "failed"    // 节点上报失败
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is one schedulable unit of opaque work.
type Task struct {
	ID       string          `json:"task_id"`
	Type     string          `json:"task_type"`
	Data     json.RawMessage `json:"data"` // opaque, never inspected by the coordinator
	Priority int             `json:"priority"`

	CreatedAt  time.Time       `json:"created_at"`
	AssignedTo string          `json:"assigned_to,omitempty"`
	Status     TaskStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Data = slices.Clone(t.Data)
	cp.Result = slices.Clone(t.Result)
	return &cp
}

// TaskSpec 提交任务时的请求体
type TaskSpec struct {
	Type     string          `json:"task_type" mapstructure:"type"`
	Data     json.RawMessage `json:"data,omitempty" mapstructure:"-"`
	Priority int             `json:"priority" mapstructure:"priority"`
}
