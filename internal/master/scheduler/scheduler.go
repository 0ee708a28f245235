package scheduler

import (
	"fmt"

	"go.uber.org/zap"

	"fleet/pkg/model"
)

// TaskQueue 调度器需要的任务存储能力
type TaskQueue interface {
	// ClaimNext must pop and assign in one atomic step.
	ClaimNext(nodeID string) (*model.Task, bool, error)
}

// NodeLookup 用于确认请求节点存在
type NodeLookup interface {
	Get(id string) (*model.Node, error)
}

// Scheduler matches one pending task to one requesting node.
type Scheduler struct {
	tasks TaskQueue
	nodes NodeLookup
	log   *zap.Logger
}

func NewScheduler(tasks TaskQueue, nodes NodeLookup, log *zap.Logger) *Scheduler {
	return &Scheduler{
		tasks: tasks,
		nodes: nodes,
		log:   log.Named("scheduler"),
	}
}

// RequestTask hands the next pending task to nodeID. An empty queue is
// not an error: it returns (nil, false, nil) and the caller replies
// no_tasks.
func (s *Scheduler) RequestTask(nodeID string) (*model.TaskAssignment, bool, error) {
	if _, err := s.nodes.Get(nodeID); err != nil {
		return nil, false, err
	}

	task, ok, err := s.tasks.ClaimNext(nodeID)
	if err != nil {
		return nil, false, fmt.Errorf("claim next task for %s: %w", nodeID, err)
	}
	if !ok {
		s.log.Debug("no pending tasks", zap.String("node_id", nodeID))
		return nil, false, nil
	}

	s.log.Info("assigning task",
		zap.String("task_id", task.ID),
		zap.String("task_type", task.Type),
		zap.String("node_id", nodeID))
	a := model.NewTaskAssignment(task)
	return &a, true, nil
}
