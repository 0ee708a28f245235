package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"fleet/pkg/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(zap.NewNop(), WithClock(clk.Now)), clk
}

func TestIdentity(t *testing.T) {
	tests := []struct {
		prefix, addr   string
		wantID, wantIP string
	}{
		{"android", "192.168.1.20:51234", "android-192-168-1-20", "192.168.1.20"},
		{"node", "10.0.0.1:1", "node-10-0-0-1", "10.0.0.1"},
		{"node", "[::1]:8080", "node---1", "::1"},
		{"", "10.0.0.1", "10-0-0-1", "10.0.0.1"},
	}
	for _, tt := range tests {
		id, host := Identity(tt.prefix, tt.addr)
		assert.Check(t, is.Equal(id, tt.wantID), tt.addr)
		assert.Check(t, is.Equal(host, tt.wantIP), tt.addr)
	}
}

func TestConnectCreatesNode(t *testing.T) {
	r, clk := newTestRegistry(t)

	n := r.Connect("node-a", "10.0.0.1")
	assert.Equal(t, n.Status, model.NodeConnected)
	assert.Equal(t, n.LastSeen, clk.Now())
	assert.Check(t, is.Len(n.Capabilities, 0))
	assert.Equal(t, n.TasksCompleted, 0)
}

func TestReconnectPreservesHistory(t *testing.T) {
	r, clk := newTestRegistry(t)

	r.Connect("node-a", "10.0.0.1")
	assert.NilError(t, r.SetCapabilities("node-a", []string{"gpu", "cpu", "gpu", " "}))
	assert.NilError(t, r.IncrementCompleted("node-a"))
	assert.NilError(t, r.IncrementCompleted("node-a"))
	assert.NilError(t, r.SetBackendRegistered("node-a", model.BackendKubernetes, true))
	assert.NilError(t, r.Disconnect("node-a"))

	n, err := r.Get("node-a")
	assert.NilError(t, err)
	assert.Equal(t, n.Status, model.NodeDisconnected)

	clk.Advance(time.Minute)
	n = r.Connect("node-a", "10.0.0.1")
	assert.Equal(t, n.Status, model.NodeConnected)
	assert.Equal(t, n.TasksCompleted, 2)
	assert.DeepEqual(t, n.Capabilities, []string{"cpu", "gpu"})
	assert.Check(t, n.Registered(model.BackendKubernetes))
	assert.Equal(t, n.LastSeen, clk.Now())
	assert.Check(t, is.Len(r.Snapshot(), 1))
}

func TestTouchRefreshesLastSeen(t *testing.T) {
	r, clk := newTestRegistry(t)
	r.Connect("node-a", "10.0.0.1")

	clk.Advance(5 * time.Second)
	assert.NilError(t, r.Touch("node-a"))

	n, err := r.Get("node-a")
	assert.NilError(t, err)
	assert.Equal(t, n.LastSeen, clk.Now())
}

func TestPerformanceScoreIsNotValidated(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Connect("node-a", "10.0.0.1")

	assert.NilError(t, r.SetPerformanceScore("node-a", -42.5))
	n, _ := r.Get("node-a")
	assert.Equal(t, n.PerformanceScore, -42.5)
}

func TestUnknownNode(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Get("ghost")
	assert.Check(t, errors.Is(err, ErrNodeNotFound))
	assert.Check(t, errors.Is(r.Touch("ghost"), ErrNodeNotFound))
	assert.Check(t, errors.Is(r.Disconnect("ghost"), ErrNodeNotFound))
	assert.Check(t, errors.Is(r.IncrementCompleted("ghost"), ErrNodeNotFound))
}

func TestSnapshotAndConnected(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Connect("node-b", "10.0.0.2")
	r.Connect("node-a", "10.0.0.1")
	r.Connect("node-c", "10.0.0.3")
	assert.NilError(t, r.Disconnect("node-a"))

	var ids []string
	for _, n := range r.Snapshot() {
		ids = append(ids, n.ID)
	}
	assert.DeepEqual(t, ids, []string{"node-b", "node-a", "node-c"})
	assert.DeepEqual(t, r.Connected(), []string{"node-b", "node-c"})
}

func TestSnapshotReturnsCopies(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Connect("node-a", "10.0.0.1")

	snap := r.Snapshot()
	snap[0].TasksCompleted = 99

	n, _ := r.Get("node-a")
	assert.Equal(t, n.TasksCompleted, 0)
}

func TestObserverSeesEveryMutation(t *testing.T) {
	var seen []model.NodeStatus
	r := New(zap.NewNop(), WithObserver(func(n *model.Node) {
		seen = append(seen, n.Status)
	}))

	r.Connect("node-a", "10.0.0.1")
	assert.NilError(t, r.Touch("node-a"))
	assert.NilError(t, r.Disconnect("node-a"))

	assert.DeepEqual(t, seen, []model.NodeStatus{model.NodeConnected, model.NodeConnected, model.NodeDisconnected})
}

func TestConcurrentMutations(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Connect("node-a", "10.0.0.1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.IncrementCompleted("node-a")
			_ = r.Touch("node-a")
			_ = r.Snapshot()
		}()
	}
	wg.Wait()

	n, _ := r.Get("node-a")
	assert.Equal(t, n.TasksCompleted, 50)
}
