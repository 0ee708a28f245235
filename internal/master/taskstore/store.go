// Package taskstore owns task records and the pending-task ordering.
//
// Status transitions are monotonic: pending → assigned → completed|failed.
// Nothing ever moves a task back to pending, including the disconnect of
// its assignee.
package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleet/pkg/model"
)

// Sentinel errors returned by store operations.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidTask       = errors.New("invalid task")
)

// Observer receives a copy of a task after every mutation. It is called
// with the store lock held and must not block.
type Observer func(t *model.Task)

// Store is safe for concurrent use. All mutations, including the
// pop-and-assign pair, happen under a single mutex.
type Store struct {
	mu      sync.Mutex
	tasks   map[string]*model.Task
	order   []string // submission order
	pending pendingQueue
	seq     uint64

	log      *zap.Logger
	now      func() time.Time
	newID    func() string
	observer Observer
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides uuid generation, for tests.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

func New(log *zap.Logger, opts ...Option) *Store {
	s := &Store{
		tasks: make(map[string]*model.Task),
		log:   log.Named("taskstore"),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit creates a pending task and queues it.
func (s *Store) Submit(taskType string, data json.RawMessage, priority int) (string, error) {
	if taskType == "" {
		return "", fmt.Errorf("%w: task_type is required", ErrInvalidTask)
	}
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	if !json.Valid(data) {
		return "", fmt.Errorf("%w: data is not valid JSON", ErrInvalidTask)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	if _, dup := s.tasks[id]; dup {
		return "", fmt.Errorf("%w: duplicate task id %s", ErrInvalidTask, id)
	}
	t := &model.Task{
		ID:        id,
		Type:      taskType,
		Data:      append(json.RawMessage(nil), data...),
		Priority:  priority,
		CreatedAt: s.now(),
		Status:    model.TaskPending,
	}
	s.tasks[id] = t
	s.order = append(s.order, id)
	s.seq++
	s.pending.push(entry{id: id, priority: priority, seq: s.seq})
	s.changed(t)

	s.log.Info("added task", zap.String("task_id", id), zap.String("task_type", taskType), zap.Int("priority", priority))
	return id, nil
}

// PopNext removes and returns the head of the pending queue. It does not
// mark the task assigned; callers that need the pair use ClaimNext.
func (s *Store) PopNext() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked()
}

// MarkAssigned binds a pending task to a node.
func (s *Store) MarkAssigned(id, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.assignLocked(id, nodeID)
	return err
}

// ClaimNext pops the next pending task and assigns it to nodeID in one
// critical section. At most one caller ever receives a given task.
// Returns false when the queue is empty.
func (s *Store) ClaimNext(nodeID string) (*model.Task, bool, error) {
	if nodeID == "" {
		return nil, false, errors.New("nodeID must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.popLocked()
	if !ok {
		return nil, false, nil
	}
	t, err := s.assignLocked(id, nodeID)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// RecordResult stores the outcome reported for an assigned task. An
// unknown id is a logged no-op: it returns (nil, nil) and mutates nothing.
func (s *Store) RecordResult(id string, result json.RawMessage, success bool) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		s.log.Warn("ignoring result for unknown task", zap.String("task_id", id))
		return nil, nil
	}
	if t.Status != model.TaskAssigned {
		return nil, fmt.Errorf("%w: cannot record result for task %s in status %s", ErrInvalidTransition, id, t.Status)
	}

	if success {
		t.Status = model.TaskCompleted
	} else {
		t.Status = model.TaskFailed
	}
	t.Result = append(json.RawMessage(nil), result...)
	s.changed(t)
	return t.Clone(), nil
}

// Get returns a copy of the task.
func (s *Store) Get(id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// Listing is a consistent view of all tasks and the pending order.
type Listing struct {
	Tasks []*model.Task `json:"tasks"` // submission order
	Queue []string      `json:"queue"` // pending ids in dispatch order
}

func (s *Store) List() Listing {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := Listing{Tasks: make([]*model.Task, 0, len(s.order))}
	for _, id := range s.order {
		l.Tasks = append(l.Tasks, s.tasks[id].Clone())
	}
	l.Queue = s.queueLocked()
	return l
}

// Counts summarizes tasks by status.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countsLocked()
}

// Summary is a status view taken under one lock: counts, the pending
// order and the number of assigned tasks per assignee agree with each other.
type Summary struct {
	Counts    Counts
	Queue     []string
	Assignees map[string]int
}

func (s *Store) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		Counts:    s.countsLocked(),
		Queue:     s.queueLocked(),
		Assignees: make(map[string]int),
	}
	for _, t := range s.tasks {
		if t.Status == model.TaskAssigned {
			sum.Assignees[t.AssignedTo]++
		}
	}
	return sum
}

func (s *Store) countsLocked() Counts {
	c := Counts{Total: len(s.tasks)}
	for _, t := range s.tasks {
		switch t.Status {
		case model.TaskPending:
			c.Pending++
		case model.TaskAssigned:
			c.Assigned++
		case model.TaskCompleted:
			c.Completed++
		case model.TaskFailed:
			c.Failed++
		}
	}
	return c
}

// AssignedTo returns the ids of tasks currently assigned to nodeID, in
// submission order.
func (s *Store) AssignedTo(nodeID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status == model.TaskAssigned && t.AssignedTo == nodeID {
			ids = append(ids, id)
		}
	}
	return ids
}

// popLocked skips heap entries whose task already left pending through a
// direct MarkAssigned call.
func (s *Store) popLocked() (string, bool) {
	for {
		e, ok := s.pending.pop()
		if !ok {
			return "", false
		}
		if s.tasks[e.id].Status == model.TaskPending {
			return e.id, true
		}
	}
}

func (s *Store) queueLocked() []string {
	ids := s.pending.ids()
	out := ids[:0]
	for _, id := range ids {
		if s.tasks[id].Status == model.TaskPending {
			out = append(out, id)
		}
	}
	return out
}

func (s *Store) assignLocked(id, nodeID string) (*model.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != model.TaskPending {
		return nil, fmt.Errorf("%w: cannot assign task %s in status %s", ErrInvalidTransition, id, t.Status)
	}
	if nodeID == "" {
		return nil, errors.New("nodeID must not be empty")
	}
	t.AssignedTo = nodeID
	t.Status = model.TaskAssigned
	s.changed(t)
	return t.Clone(), nil
}

func (s *Store) changed(t *model.Task) {
	if s.observer != nil {
		s.observer(t.Clone())
	}
}
