package store

import (
	"context"

	"fleet/pkg/model"
)

// TaskEventType 定义监听事件类型
type TaskEventType int

const (
	TaskPut TaskEventType = iota
	TaskDelete
)

// TaskEvent 包装了 Etcd 中发生的任务变化
type TaskEvent struct {
	Type TaskEventType
	Task *model.Task
}

// Store 是协调器状态镜像的存储接口
// 协调器只写不读: 重启后不会从这里恢复状态
type Store interface {
	// --- Node 相关 ---
	PutNode(ctx context.Context, node *model.Node) error
	ListNodes(ctx context.Context) ([]*model.Node, error)

	// --- Task 相关 ---
	PutTask(ctx context.Context, task *model.Task) error
	ListTasks(ctx context.Context) ([]*model.Task, error)

	// WatchTasks 监听任务变化 (返回一个只读通道, ctx 结束时关闭)
	WatchTasks(ctx context.Context) <-chan TaskEvent

	Close() error
}
