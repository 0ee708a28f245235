package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"
	"gotest.tools/v3/assert"

	"fleet/internal/master/registry"
	"fleet/internal/master/taskstore"
)

func setup(t *testing.T, nodes int) (*Scheduler, *taskstore.Store) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	for i := 0; i < nodes; i++ {
		reg.Connect(fmt.Sprintf("node-%d", i), fmt.Sprintf("10.0.0.%d", i))
	}
	store := taskstore.New(zap.NewNop())
	return NewScheduler(store, reg, zap.NewNop()), store
}

func TestRequestTaskEmptyQueue(t *testing.T) {
	s, _ := setup(t, 1)

	a, ok, err := s.RequestTask("node-0")
	assert.NilError(t, err)
	assert.Check(t, !ok)
	assert.Check(t, a == nil)
}

func TestRequestTaskUnknownNode(t *testing.T) {
	s, store := setup(t, 0)
	_, err := store.Submit("t", nil, 1)
	assert.NilError(t, err)

	_, _, err = s.RequestTask("ghost")
	assert.Check(t, errors.Is(err, registry.ErrNodeNotFound))
	assert.Equal(t, store.Counts().Pending, 1, "failed request must not consume a task")
}

func TestRequestTaskReturnsHighestPriority(t *testing.T) {
	s, store := setup(t, 1)
	_, _ = store.Submit("low", nil, 1)
	high, _ := store.Submit("high", []byte(`{"n":5}`), 3)

	a, ok, err := s.RequestTask("node-0")
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Equal(t, a.TaskID, high)
	assert.Equal(t, a.TaskType, "high")
	assert.Equal(t, a.Priority, 3)
	assert.Equal(t, string(a.Data), `{"n":5}`)

	task, err := store.Get(high)
	assert.NilError(t, err)
	assert.Equal(t, task.AssignedTo, "node-0")
}

func TestAtMostOneAssignment(t *testing.T) {
	const requesters, pending = 64, 10
	s, store := setup(t, requesters)
	for i := 0; i < pending; i++ {
		_, err := store.Submit("t", nil, i%2)
		assert.NilError(t, err)
	}

	var (
		mu       sync.Mutex
		winners  int
		assigned = make(map[string]string)
		wg       sync.WaitGroup
	)
	for i := 0; i < requesters; i++ {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			a, ok, err := s.RequestTask(node)
			if err != nil {
				t.Error(err)
				return
			}
			if !ok {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			winners++
			if prev, dup := assigned[a.TaskID]; dup {
				t.Errorf("task %s given to %s and %s", a.TaskID, prev, node)
			}
			assigned[a.TaskID] = node
		}(fmt.Sprintf("node-%d", i))
	}
	wg.Wait()

	assert.Equal(t, winners, pending)
	assert.Equal(t, len(assigned), pending)
	assert.Equal(t, store.Counts().Assigned, pending)
}
