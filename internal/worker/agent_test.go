package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"fleet/internal/worker/executor"
	"fleet/pkg/model"
)

// fakeCoordinator accepts agent connections and hands them to the test.
type fakeCoordinator struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	t.Helper()
	fc := &fakeCoordinator{conns: make(chan *websocket.Conn, 4)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fc.conns <- ws
	}))
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeCoordinator) url() string { return "ws" + strings.TrimPrefix(fc.srv.URL, "http") }

func (fc *fakeCoordinator) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-fc.conns:
		t.Cleanup(func() { _ = ws.Close() })
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not connect")
		return nil
	}
}

// next reads frames until one that is not a heartbeat.
func next(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	for {
		assert.NilError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		var m map[string]any
		assert.NilError(t, ws.ReadJSON(&m))
		if m["type"] != string(model.MsgHeartbeat) {
			return m
		}
	}
}

func startAgent(t *testing.T, url string) (*Agent, context.CancelFunc, <-chan error) {
	t.Helper()
	set := executor.NewSet()
	executor.RegisterBuiltins(set)

	a := NewAgent(Config{
		URL:               url,
		Capabilities:      []string{"gpu"},
		HeartbeatInterval: time.Hour,
		PollInterval:      10 * time.Millisecond,
		ReconnectDelay:    10 * time.Millisecond,
	}, set, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(cancel)
	return a, cancel, done
}

func TestAgentExecutesAssignedTask(t *testing.T) {
	fc := newFakeCoordinator(t)
	a, cancel, done := startAgent(t, fc.url())
	ws := fc.accept(t)

	caps := next(t, ws)
	assert.Equal(t, caps["type"], "capabilities")
	assert.Check(t, is.DeepEqual(caps["capabilities"],
		[]any{"gpu", "hash_computation", "matrix_multiplication", "prime_calculation"}))

	assert.NilError(t, ws.WriteJSON(model.NewWelcome("node-127-0-0-1")))
	assert.NilError(t, ws.WriteJSON(model.NewTaskAssignment(&model.Task{
		ID: "t1", Type: "prime_calculation", Data: json.RawMessage(`{"start":1,"end":10}`), Priority: 2,
	})))

	res := next(t, ws)
	assert.Equal(t, res["type"], "task_result")
	assert.Equal(t, res["task_id"], "t1")
	assert.Equal(t, res["success"], true)
	assert.Equal(t, res["result"].(map[string]any)["count"], float64(4))

	perf := next(t, ws)
	assert.Equal(t, perf["type"], "performance_update")
	assert.Check(t, perf["score"].(float64) > 0)
	assert.Equal(t, next(t, ws)["type"], "request_task")

	assert.Equal(t, a.NodeID(), "node-127-0-0-1")
	assert.Equal(t, a.Completed(), int64(1))

	cancel()
	assert.NilError(t, <-done)
}

func TestAgentReportsUnsupportedTaskAsFailure(t *testing.T) {
	fc := newFakeCoordinator(t)
	startAgent(t, fc.url())
	ws := fc.accept(t)
	next(t, ws)

	assert.NilError(t, ws.WriteJSON(model.NewTaskAssignment(&model.Task{ID: "t2", Type: "render_video"})))
	res := next(t, ws)
	assert.Equal(t, res["task_id"], "t2")
	assert.Equal(t, res["success"], false)
	assert.Check(t, is.Contains(res["result"].(map[string]any)["error"], "unsupported task type"))
}

func TestAgentPollsAfterNoTasks(t *testing.T) {
	fc := newFakeCoordinator(t)
	startAgent(t, fc.url())
	ws := fc.accept(t)
	next(t, ws)

	assert.NilError(t, ws.WriteJSON(model.NewNoTasks()))
	assert.Equal(t, next(t, ws)["type"], "request_task")

	assert.NilError(t, ws.WriteJSON(model.NewNoTasks()))
	assert.Equal(t, next(t, ws)["type"], "request_task")
}

func TestAgentReconnects(t *testing.T) {
	fc := newFakeCoordinator(t)
	startAgent(t, fc.url())

	first := fc.accept(t)
	next(t, first)
	assert.NilError(t, first.Close())

	second := fc.accept(t)
	assert.Equal(t, next(t, second)["type"], "capabilities")
}
