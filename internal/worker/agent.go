// Package worker is the node agent: it connects to the coordinator, reports
// capabilities, heartbeats, polls for work and executes assigned tasks.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"fleet/pkg/model"
)

type Config struct {
	URL               string
	Capabilities      []string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	// ReconnectDelay is the pause between connection attempts.
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
}

// Runner executes one assigned task.
type Runner interface {
	Run(ctx context.Context, task *model.TaskAssignment) (json.RawMessage, error)
}

type Agent struct {
	cfg    Config
	exec   Runner
	dialer *websocket.Dialer
	log    *zap.Logger

	// 限制 request_task 轮询频率
	poll *rate.Limiter

	nodeID    atomic.Value // string, set from welcome
	completed atomic.Int64
	busy      time.Duration
	busyMu    sync.Mutex
}

func NewAgent(cfg Config, exec Runner, log *zap.Logger) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	a := &Agent{
		cfg:    cfg,
		exec:   exec,
		dialer: websocket.DefaultDialer,
		log:    log.Named("agent"),
		poll:   rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
	}
	a.nodeID.Store("")
	return a
}

// NodeID is the identity assigned by the coordinator, empty before welcome.
func (a *Agent) NodeID() string { return a.nodeID.Load().(string) }

// Completed counts tasks reported back to the coordinator.
func (a *Agent) Completed() int64 { return a.completed.Load() }

// Run keeps a connection to the coordinator until ctx is cancelled,
// reconnecting after failures.
func (a *Agent) Run(ctx context.Context) error {
	for {
		err := a.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn("connection lost, reconnecting", zap.Error(err), zap.Duration("delay", a.cfg.ReconnectDelay))

		select {
		case <-time.After(a.cfg.ReconnectDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

// conn serializes writes: gorilla allows one concurrent writer.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (a *Agent) connectOnce(ctx context.Context) error {
	ws, _, err := a.dialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.cfg.URL, err)
	}
	c := &conn{ws: ws, writeTimeout: a.cfg.WriteTimeout}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()
	defer ws.Close()

	a.log.Info("connected to coordinator", zap.String("url", a.cfg.URL))

	if err := c.send(capabilitiesMsg{Type: model.MsgCapabilities, Capabilities: a.capabilities()}); err != nil {
		return err
	}

	tasks := make(chan *model.TaskAssignment, 16)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.heartbeat(ctx, c)
	}()
	go func() {
		defer wg.Done()
		a.work(ctx, c, tasks)
	}()
	defer wg.Wait()
	defer cancel()

	var polling atomic.Bool
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		a.handle(ctx, c, frame, tasks, &polling)
	}
}

func (a *Agent) capabilities() []string {
	caps := slices.Clone(a.cfg.Capabilities)
	if lister, ok := a.exec.(interface{ Capabilities() []string }); ok {
		caps = append(caps, lister.Capabilities()...)
	}
	slices.Sort(caps)
	return slices.Compact(caps)
}

func (a *Agent) handle(ctx context.Context, c *conn, frame []byte, tasks chan<- *model.TaskAssignment, polling *atomic.Bool) {
	var env model.Frame
	if err := json.Unmarshal(frame, &env); err != nil {
		a.log.Warn("undecodable frame from coordinator", zap.Error(err))
		return
	}

	switch env.Type() {
	case model.MsgWelcome:
		var w model.Welcome
		if err := json.Unmarshal(frame, &w); err == nil {
			a.nodeID.Store(w.NodeID)
			a.log.Info("welcomed", zap.String("node_id", w.NodeID))
		}

	case model.MsgTaskAssignment:
		var t model.TaskAssignment
		if err := json.Unmarshal(frame, &t); err != nil {
			a.log.Warn("bad task assignment", zap.Error(err))
			return
		}
		select {
		case tasks <- &t:
		case <-ctx.Done():
		}

	case model.MsgNoTasks:
		// 一次只挂起一个轮询
		if !polling.CompareAndSwap(false, true) {
			return
		}
		go func() {
			defer polling.Store(false)
			if err := a.poll.Wait(ctx); err != nil {
				return
			}
			if err := c.send(requestTaskMsg{Type: model.MsgRequestTask}); err != nil {
				a.log.Debug("request_task failed", zap.Error(err))
			}
		}()

	case model.MsgClusterRegistration:
		var r model.ClusterRegistration
		if err := json.Unmarshal(frame, &r); err == nil {
			a.log.Info("cluster registration", zap.Stringer("backend", r.ClusterType), zap.String("status", r.Status), zap.String("message", r.Message))
		}

	case model.MsgProtocolError:
		a.log.Warn("coordinator rejected a frame", zap.Any("message", env["message"]))

	case model.MsgHeartbeatAck, model.MsgTaskAck:
		a.log.Debug("ack", zap.String("type", string(env.Type())))

	default:
		a.log.Info("coordinator message", zap.String("type", string(env.Type())), zap.Any("payload", env))
	}
}

func (a *Agent) heartbeat(ctx context.Context, c *conn) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.send(heartbeatMsg{Type: model.MsgHeartbeat}); err != nil {
				a.log.Debug("heartbeat failed", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// work executes tasks one at a time, reports each result and asks for more.
func (a *Agent) work(ctx context.Context, c *conn, tasks <-chan *model.TaskAssignment) {
	for {
		select {
		case t := <-tasks:
			a.execute(ctx, c, t)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) execute(ctx context.Context, c *conn, t *model.TaskAssignment) {
	log := a.log.With(zap.String("task_id", t.TaskID), zap.String("task_type", t.TaskType))
	log.Info("executing task", zap.Int("priority", t.Priority))

	start := time.Now()
	result, err := a.exec.Run(ctx, t)
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		return
	}

	success := err == nil
	if err != nil {
		log.Warn("task failed", zap.Error(err))
		if result == nil {
			result, _ = json.Marshal(map[string]string{"error": err.Error()})
		}
	}

	if err := c.send(taskResultMsg{Type: model.MsgTaskResult, TaskID: t.TaskID, Result: result, Success: success}); err != nil {
		log.Warn("report result failed", zap.Error(err))
		return
	}
	a.completed.Add(1)
	log.Info("task reported", zap.Bool("success", success), zap.Duration("elapsed", elapsed))

	_ = c.send(performanceMsg{Type: model.MsgPerformanceUpdate, Score: a.score(elapsed)})
	_ = c.send(requestTaskMsg{Type: model.MsgRequestTask})
}

// score is tasks per second over the agent's busy time.
func (a *Agent) score(elapsed time.Duration) float64 {
	a.busyMu.Lock()
	defer a.busyMu.Unlock()
	a.busy += elapsed
	if a.busy <= 0 {
		return 0
	}
	return float64(a.completed.Load()) / a.busy.Seconds()
}

type capabilitiesMsg struct {
	Type         model.MessageType `json:"type"`
	Capabilities []string          `json:"capabilities"`
}

type heartbeatMsg struct {
	Type model.MessageType `json:"type"`
}

type requestTaskMsg struct {
	Type model.MessageType `json:"type"`
}

type taskResultMsg struct {
	Type    model.MessageType `json:"type"`
	TaskID  string            `json:"task_id"`
	Result  json.RawMessage   `json:"result"`
	Success bool              `json:"success"`
}

type performanceMsg struct {
	Type  model.MessageType `json:"type"`
	Score float64           `json:"score"`
}
