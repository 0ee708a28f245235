package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	"fleet/internal/master/registry"
	"fleet/internal/master/scheduler"
	"fleet/internal/master/taskstore"
	"fleet/pkg/model"
)

const waitFor = 2 * time.Second

type fakeChannel struct {
	addr   string
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	failWrites bool
}

func newFakeChannel(addr string) *fakeChannel {
	return &fakeChannel{
		addr:   addr,
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeChannel) ReadFrame() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeChannel) WriteFrame(b []byte) error {
	c.mu.Lock()
	fail := c.failWrites
	c.mu.Unlock()
	if fail {
		return errors.New("broken pipe")
	}
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	c.out <- b
	return nil
}

func (c *fakeChannel) RemoteAddr() string { return c.addr }

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) setFailWrites(v bool) {
	c.mu.Lock()
	c.failWrites = v
	c.mu.Unlock()
}

func (c *fakeChannel) push(t *testing.T, frame string) {
	t.Helper()
	c.in <- []byte(frame)
}

func (c *fakeChannel) next(t *testing.T) model.Frame {
	t.Helper()
	select {
	case b := <-c.out:
		var f model.Frame
		assert.NilError(t, json.Unmarshal(b, &f))
		return f
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func (c *fakeChannel) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case b := <-c.out:
		t.Fatalf("unexpected outbound frame %s", b)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeRegistrar struct {
	mu        sync.Mutex
	available []model.Backend
	fail      map[model.Backend]error
	calls     map[model.Backend]int
}

func (r *fakeRegistrar) Available() []model.Backend { return r.available }

func (r *fakeRegistrar) Register(_ context.Context, _ *model.Node, b model.Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[model.Backend]int)
	}
	r.calls[b]++
	return r.fail[b]
}

func (r *fakeRegistrar) count(b model.Backend) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[b]
}

type fixture struct {
	hub   *Hub
	nodes *registry.Registry
	tasks *taskstore.Store
	ctx   context.Context
}

func newFixture(t *testing.T, reg Registrar) *fixture {
	t.Helper()
	return newFixtureWithLog(t, reg, zap.NewNop())
}

func newFixtureWithLog(t *testing.T, reg Registrar, log *zap.Logger) *fixture {
	t.Helper()
	nodes := registry.New(log)
	tasks := taskstore.New(log)
	sched := scheduler.NewScheduler(tasks, nodes, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &fixture{
		hub:   NewHub(Config{NodeIDPrefix: "node"}, nodes, tasks, sched, reg, log),
		nodes: nodes,
		tasks: tasks,
		ctx:   ctx,
	}
}

// connect serves ch and consumes the welcome frame.
func (f *fixture) connect(t *testing.T, ch *fakeChannel) (nodeID string, done <-chan struct{}) {
	t.Helper()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		f.hub.Serve(f.ctx, ch)
	}()
	welcome := ch.next(t)
	assert.Equal(t, welcome.Type(), model.MsgWelcome)
	return welcome["node_id"].(string), finished
}

func (f *fixture) waitActive(t *testing.T, nodeID string) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		s, ok := f.hub.Session(nodeID)
		if ok && s.State() == StateActive {
			return poll.Success()
		}
		return poll.Continue("session not active yet")
	}, poll.WithTimeout(waitFor))
}

func TestConnectSequenceOffersTaskEagerly(t *testing.T) {
	f := newFixture(t, nil)
	taskID, err := f.tasks.Submit("prime_calculation", json.RawMessage(`{"start":1,"end":100}`), 2)
	assert.NilError(t, err)

	ch := newFakeChannel("192.168.1.20:40000")
	nodeID, _ := f.connect(t, ch)
	assert.Equal(t, nodeID, "node-192-168-1-20")

	offer := ch.next(t)
	assert.Equal(t, offer.Type(), model.MsgTaskAssignment)
	assert.Equal(t, offer["task_id"], taskID)
	assert.Equal(t, offer["task_type"], "prime_calculation")
	assert.Equal(t, offer["priority"], float64(2))
	f.waitActive(t, nodeID)

	task, err := f.tasks.Get(taskID)
	assert.NilError(t, err)
	assert.Equal(t, task.Status, model.TaskAssigned)
	assert.Equal(t, task.AssignedTo, nodeID)
}

func TestRequestTaskWithEmptyQueue(t *testing.T) {
	f := newFixture(t, nil)
	ch := newFakeChannel("10.0.0.1:1")
	nodeID, _ := f.connect(t, ch)
	assert.Equal(t, ch.next(t).Type(), model.MsgNoTasks)
	f.waitActive(t, nodeID)

	ch.push(t, `{"type":"request_task"}`)
	reply := ch.next(t)
	assert.Equal(t, reply.Type(), model.MsgNoTasks)
	assert.Equal(t, reply["message"], "No tasks available")

	s, ok := f.hub.Session(nodeID)
	assert.Assert(t, ok)
	assert.Equal(t, s.State(), StateActive)
}

func TestHeartbeatCapabilitiesAndScore(t *testing.T) {
	f := newFixture(t, nil)
	ch := newFakeChannel("10.0.0.1:1")
	nodeID, _ := f.connect(t, ch)
	ch.next(t) // no_tasks

	ch.push(t, `{"type":"capabilities","capabilities":["gpu","cpu"]}`)
	ch.push(t, `{"type":"performance_update","score":1234.5}`)
	ch.push(t, `{"type":"heartbeat"}`)
	assert.Equal(t, ch.next(t).Type(), model.MsgHeartbeatAck)

	n, err := f.nodes.Get(nodeID)
	assert.NilError(t, err)
	assert.DeepEqual(t, n.Capabilities, []string{"cpu", "gpu"})
	assert.Equal(t, n.PerformanceScore, 1234.5)
}

func TestTaskResultForKnownTask(t *testing.T) {
	f := newFixture(t, nil)
	taskID, _ := f.tasks.Submit("hash_computation", nil, 1)

	ch := newFakeChannel("10.0.0.1:1")
	nodeID, _ := f.connect(t, ch)
	assert.Equal(t, ch.next(t).Type(), model.MsgTaskAssignment)

	ch.push(t, `{"type":"task_result","task_id":"`+taskID+`","result":{"digest":"ab"},"success":true}`)
	ack := ch.next(t)
	assert.Equal(t, ack.Type(), model.MsgTaskAck)
	assert.Equal(t, ack["task_id"], taskID)
	assert.Equal(t, ack["status"], model.AckReceived)

	task, _ := f.tasks.Get(taskID)
	assert.Equal(t, task.Status, model.TaskCompleted)
	assert.Equal(t, string(task.Result), `{"digest":"ab"}`)
	n, _ := f.nodes.Get(nodeID)
	assert.Equal(t, n.TasksCompleted, 1)
}

func TestTaskResultFailureAndDuplicate(t *testing.T) {
	f := newFixture(t, nil)
	taskID, _ := f.tasks.Submit("t", nil, 1)

	ch := newFakeChannel("10.0.0.1:1")
	nodeID, _ := f.connect(t, ch)
	ch.next(t) // assignment

	ch.push(t, `{"type":"task_result","task_id":"`+taskID+`","result":"boom","success":false}`)
	assert.Equal(t, ch.next(t)["status"], model.AckReceived)
	task, _ := f.tasks.Get(taskID)
	assert.Equal(t, task.Status, model.TaskFailed)

	// A second report cannot move a terminal task.
	ch.push(t, `{"type":"task_result","task_id":"`+taskID+`","success":true}`)
	assert.Equal(t, ch.next(t)["status"], model.AckRejected)
	task, _ = f.tasks.Get(taskID)
	assert.Equal(t, task.Status, model.TaskFailed)

	n, _ := f.nodes.Get(nodeID)
	assert.Equal(t, n.TasksCompleted, 1)
}

func TestTaskResultForUnknownTask(t *testing.T) {
	f := newFixture(t, nil)
	ch := newFakeChannel("10.0.0.1:1")
	nodeID, _ := f.connect(t, ch)
	ch.next(t) // no_tasks

	ch.push(t, `{"type":"task_result","task_id":"never-submitted","result":1}`)
	ch.expectNothing(t)

	ch.push(t, `{"type":"heartbeat"}`)
	assert.Equal(t, ch.next(t).Type(), model.MsgHeartbeatAck)

	n, _ := f.nodes.Get(nodeID)
	assert.Equal(t, n.TasksCompleted, 0)
	assert.Equal(t, f.tasks.Counts().Total, 0)
}

func TestUnknownTaskResultWarnsOnce(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFixtureWithLog(t, nil, zap.New(core))
	ch := newFakeChannel("10.0.0.1:1")
	f.connect(t, ch)
	ch.next(t) // no_tasks

	ch.push(t, `{"type":"task_result","task_id":"never-submitted"}`)
	ch.push(t, `{"type":"heartbeat"}`)
	assert.Equal(t, ch.next(t).Type(), model.MsgHeartbeatAck)

	assert.Equal(t, logs.FilterMessage("ignoring result for unknown task").Len(), 1)
}

func TestProtocolErrorsKeepConnectionOpen(t *testing.T) {
	f := newFixture(t, nil)
	ch := newFakeChannel("10.0.0.1:1")
	nodeID, _ := f.connect(t, ch)
	ch.next(t) // no_tasks

	for _, frame := range []string{
		`{"type":"self_destruct"}`,
		`{"capabilities":["gpu"]}`,
		`not json`,
		`{"type":"task_result"}`,
		`{"type":"performance_update","score":"fast"}`,
	} {
		ch.push(t, frame)
		reply := ch.next(t)
		assert.Check(t, is.Equal(reply.Type(), model.MsgProtocolError), frame)
	}

	ch.push(t, `{"type":"heartbeat"}`)
	assert.Equal(t, ch.next(t).Type(), model.MsgHeartbeatAck)
	s, _ := f.hub.Session(nodeID)
	assert.Equal(t, s.State(), StateActive)
}

func TestDisconnectLeavesAssignedTasksUntouched(t *testing.T) {
	f := newFixture(t, nil)
	taskID, _ := f.tasks.Submit("t", nil, 1)

	ch := newFakeChannel("10.0.0.1:1")
	nodeID, done := f.connect(t, ch)
	ch.next(t) // assignment

	assert.NilError(t, ch.Close())
	<-done

	n, _ := f.nodes.Get(nodeID)
	assert.Equal(t, n.Status, model.NodeDisconnected)
	_, live := f.hub.Session(nodeID)
	assert.Check(t, !live)

	task, _ := f.tasks.Get(taskID)
	assert.Equal(t, task.Status, model.TaskAssigned)
	assert.Equal(t, task.AssignedTo, nodeID)
	assert.Equal(t, f.tasks.Counts().Pending, 0)
}

func TestReconnectKeepsIdentityAndHistory(t *testing.T) {
	f := newFixture(t, nil)
	ch := newFakeChannel("10.0.0.7:1000")
	nodeID, done := f.connect(t, ch)
	ch.next(t)
	ch.push(t, `{"type":"capabilities","capabilities":["arm64"]}`)
	ch.push(t, `{"type":"heartbeat"}`)
	ch.next(t)
	assert.NilError(t, f.nodes.IncrementCompleted(nodeID))
	_ = ch.Close()
	<-done

	ch2 := newFakeChannel("10.0.0.7:2000")
	again, _ := f.connect(t, ch2)
	assert.Equal(t, again, nodeID)

	n, _ := f.nodes.Get(nodeID)
	assert.Equal(t, n.Status, model.NodeConnected)
	assert.Equal(t, n.TasksCompleted, 1)
	assert.DeepEqual(t, n.Capabilities, []string{"arm64"})
}

func TestStaleSessionCloseDoesNotDisconnectNewer(t *testing.T) {
	f := newFixture(t, nil)
	old := newFakeChannel("10.0.0.7:1000")
	nodeID, oldDone := f.connect(t, old)
	old.next(t)

	fresh := newFakeChannel("10.0.0.7:2000")
	f.connect(t, fresh)
	fresh.next(t)

	_ = old.Close()
	<-oldDone

	n, _ := f.nodes.Get(nodeID)
	assert.Equal(t, n.Status, model.NodeConnected)
	assert.Check(t, f.hub.Send(nodeID, model.NewHeartbeatAck()))
	assert.Equal(t, fresh.next(t).Type(), model.MsgHeartbeatAck)
}

func TestOlderDuplicateChannelStillReceivesOffers(t *testing.T) {
	f := newFixture(t, nil)
	older := newFakeChannel("10.0.0.9:1000")
	nodeID, _ := f.connect(t, older)
	assert.Equal(t, older.next(t).Type(), model.MsgNoTasks)
	f.waitActive(t, nodeID)

	newer := newFakeChannel("10.0.0.9:2000")
	_, newerDone := f.connect(t, newer)
	assert.Equal(t, newer.next(t).Type(), model.MsgNoTasks)
	_ = newer.Close()
	<-newerDone

	taskID, err := f.tasks.Submit("hash_computation", nil, 1)
	assert.NilError(t, err)

	older.push(t, `{"type":"request_task"}`)
	offer := older.next(t)
	assert.Equal(t, offer.Type(), model.MsgTaskAssignment)
	assert.Equal(t, offer["task_id"], taskID)

	older.push(t, `{"type":"task_result","task_id":"`+taskID+`","result":{"hash":"ab"}}`)
	ack := older.next(t)
	assert.Equal(t, ack.Type(), model.MsgTaskAck)
	assert.Equal(t, ack["status"], model.AckReceived)
}

func TestClusterRegistrationOutcomesReported(t *testing.T) {
	reg := &fakeRegistrar{
		available: []model.Backend{model.BackendKubernetes, model.BackendSLURM},
		fail:      map[model.Backend]error{model.BackendSLURM: errors.New("munge not available")},
	}
	f := newFixture(t, reg)

	ch := newFakeChannel("10.0.0.1:1")
	nodeID, done := f.connect(t, ch)

	k8s := ch.next(t)
	assert.Equal(t, k8s.Type(), model.MsgClusterRegistration)
	assert.Equal(t, k8s["cluster_type"], "kubernetes")
	assert.Equal(t, k8s["status"], model.RegistrationOK)

	slurm := ch.next(t)
	assert.Equal(t, slurm["cluster_type"], "slurm")
	assert.Equal(t, slurm["status"], model.RegistrationFailed)

	assert.Equal(t, ch.next(t).Type(), model.MsgNoTasks)

	n, _ := f.nodes.Get(nodeID)
	assert.Check(t, n.Registered(model.BackendKubernetes))
	assert.Check(t, !n.Registered(model.BackendSLURM))

	// On reconnect only the backend that has not accepted the node is tried.
	_ = ch.Close()
	<-done
	ch2 := newFakeChannel("10.0.0.1:2")
	f.connect(t, ch2)
	assert.Equal(t, ch2.next(t)["cluster_type"], "slurm")
	assert.Equal(t, reg.count(model.BackendKubernetes), 1)
	assert.Equal(t, reg.count(model.BackendSLURM), 2)
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	f := newFixture(t, nil)
	a := newFakeChannel("10.0.0.1:1")
	b := newFakeChannel("10.0.0.2:1")
	c := newFakeChannel("10.0.0.3:1")
	for _, ch := range []*fakeChannel{a, b, c} {
		f.connect(t, ch)
		ch.next(t) // no_tasks
	}
	b.setFailWrites(true)

	sent := f.hub.Broadcast(model.Frame{"type": "notice", "message": "maintenance"})
	assert.Equal(t, sent, 2)
	assert.Equal(t, a.next(t).Type(), model.MessageType("notice"))
	assert.Equal(t, c.next(t).Type(), model.MessageType("notice"))
}

func TestSendToUnknownNodeIsSwallowed(t *testing.T) {
	f := newFixture(t, nil)
	assert.Check(t, !f.hub.Send("ghost", model.NewHeartbeatAck()))
}

func TestDispatchToFirstConnected(t *testing.T) {
	f := newFixture(t, nil)
	_, ok := f.hub.DispatchToFirstConnected()
	assert.Check(t, !ok)

	first := newFakeChannel("10.0.0.1:1")
	firstID, _ := f.connect(t, first)
	first.next(t)
	second := newFakeChannel("10.0.0.2:1")
	f.connect(t, second)
	second.next(t)

	taskID, _ := f.tasks.Submit("t", nil, 1)
	nodeID, ok := f.hub.DispatchToFirstConnected()
	assert.Check(t, ok)
	assert.Equal(t, nodeID, firstID)
	assert.Equal(t, first.next(t)["task_id"], taskID)
	second.expectNothing(t)
}

func TestContextCancelClosesSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(f.ctx)
	f.ctx = ctx

	ch := newFakeChannel("10.0.0.1:1")
	nodeID, done := f.connect(t, ch)
	cancel()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("session did not stop on cancel")
	}
	n, _ := f.nodes.Get(nodeID)
	assert.Equal(t, n.Status, model.NodeDisconnected)
}
