package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"fleet/pkg/model"
)

// ErrUnsupported is returned for a task type no executor handles.
var ErrUnsupported = errors.New("unsupported task type")

// Executor runs one task and returns its JSON result.
type Executor interface {
	Run(ctx context.Context, task *model.TaskAssignment) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *model.TaskAssignment) (json.RawMessage, error)

func (f ExecutorFunc) Run(ctx context.Context, task *model.TaskAssignment) (json.RawMessage, error) {
	return f(ctx, task)
}

// Set routes tasks to executors by task type.
type Set struct {
	byType map[string]Executor
}

func NewSet() *Set {
	return &Set{byType: make(map[string]Executor)}
}

// Register binds taskType to e, replacing any previous binding.
func (s *Set) Register(taskType string, e Executor) {
	s.byType[taskType] = e
}

// Capabilities lists the registered task types, sorted.
func (s *Set) Capabilities() []string {
	out := make([]string, 0, len(s.byType))
	for t := range s.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *Set) Run(ctx context.Context, task *model.TaskAssignment) (json.RawMessage, error) {
	e, ok := s.byType[task.TaskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, task.TaskType)
	}
	return e.Run(ctx, task)
}

// decode unmarshals the task payload into v. An empty payload leaves v
// at its defaults.
func decode(task *model.TaskAssignment, v any) error {
	if len(task.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(task.Data, v); err != nil {
		return fmt.Errorf("task %s: invalid data: %w", task.TaskID, err)
	}
	return nil
}
